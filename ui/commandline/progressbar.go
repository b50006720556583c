// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/train"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int64
	lastStepReported int64
	bar              *progressbar.ProgressBar
	suffix           string
	plain            bool
	out              io.Writer

	// Last values of the metrics not computed at every step.
	lastValidationLoss float64
	lastSample         string
	lastCheckpoint     string

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the writer of the enclosed progressbar.ProgressBar, so the
// progress bar and its suffix are written in the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, _ data.Dataset) error {
	pBar.lastStepReported = loop.GlobalStep()
	pBar.lastValidationLoss = math.NaN()
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions64(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

// stepRows are the name/value rows displayed for a step, in order.
func (pBar *progressBar) stepRows(loop *train.Loop, metrics *train.StepMetrics) [][2]string {
	if !math.IsNaN(metrics.ValidationLoss) {
		pBar.lastValidationLoss = metrics.ValidationLoss
	}
	if metrics.SamplePath != "" {
		pBar.lastSample = metrics.SamplePath
	}
	if metrics.CheckpointID != "" {
		pBar.lastCheckpoint = metrics.CheckpointID
	}

	stepStr := humanize.Comma(metrics.Step)
	if loop.EndStep >= 0 {
		stepStr = fmt.Sprintf("%s of %s", stepStr, humanize.Comma(loop.EndStep))
	}
	rows := [][2]string{
		{"Global Step", stepStr},
		{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
		{"Learning rate", fmt.Sprintf("%.3g", metrics.LearningRate)},
		{"Loss", formatFloat(metrics.Loss)},
		{"Loss generative", formatFloat(metrics.LossGenerative)},
	}
	if loop.Config().YCondition {
		rows = append(rows, [2]string{"Loss classes", formatFloat(metrics.LossClasses)})
	}
	if !math.IsNaN(metrics.GradNorm) {
		rows = append(rows, [2]string{"Gradient norm", formatFloat(metrics.GradNorm)})
	}
	if !math.IsNaN(pBar.lastValidationLoss) {
		rows = append(rows, [2]string{"Validation loss generative", formatFloat(pBar.lastValidationLoss)})
	}
	if pBar.lastSample != "" {
		rows = append(rows, [2]string{"Last sample", pBar.lastSample})
	}
	if pBar.lastCheckpoint != "" {
		rows = append(rows, [2]string{"Last checkpoint", pBar.lastCheckpoint})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

func formatFloat(v float64) string {
	return humanize.FormatFloat("#,###.####", v)
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics *train.StepMetrics) error {
	// Check whether it is finished.
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.GlobalStep() + 1 - pBar.lastStepReported // +1 because the current step is finished.
	if amount <= 0 {
		return nil
	}

	rows := pBar.stepRows(loop, metrics)
	if pBar.plain {
		// Set a suffix that will be written along with the progressbar in [progressBar.Write].
		parts := make([]string, 0, len(rows)+1)
		parts = append(parts, fmt.Sprintf(" [step=%d]", metrics.Step))
		for _, row := range rows[2:] {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", row[0], row[1]))
		}
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add64(amount) // Triggers print, see [pBar.Write] method.

	} else {
		// Suffix to erase spurious characters from previous prints.
		pBar.suffix = "\033[J"

		// For the command-line instead we enqueue an update to be asynchronously printed.
		pBar.updates <- progressBarUpdate{amount: amount, rows: rows}
	}

	// Add the number of steps run since last time.
	pBar.lastStepReported = loop.GlobalStep() + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ *train.StepMetrics) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "flowtrain.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int64
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and the step metrics.
//
// If the standard output is not a terminal, a plain progress bar with the metrics in the same line is
// used instead.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		plain:          !isatty.IsTerminal(os.Stdout.Fd()),
		out:            os.Stdout,
		extraMetricFns: extraMetrics,
	}
	if !pBar.plain {
		pBar.isFirstOutput = true
		pBar.termenv = termenv.NewOutput(os.Stdout)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.drawUpdates()
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// At least 1000 updates during the loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// drawUpdates asynchronously, which is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	numLinesPrinted := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numLinesPrinted)
		}
		pBar.isFirstOutput = false

		// Print update.
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add64(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		numLinesPrinted = lipgloss.Height(rendered) + 2
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
