// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/speech2face/flowtrain/pkg/ml/train"
)

// ReportLastMetrics writes to w the metrics of the last step run by the loop.
func ReportLastMetrics(w io.Writer, loop *train.Loop) error {
	return reportMetrics(w, loop, loop.LastMetrics())
}

// AttachMetricsReport registers a hook that writes to w the metrics of every global step multiple of n.
// It is useful in logs of runs without a progress bar.
func AttachMetricsReport(loop *train.Loop, w io.Writer, n int) {
	train.EveryNSteps(loop, n, "metrics report", 0, func(loop *train.Loop, metrics *train.StepMetrics) error {
		return reportMetrics(w, loop, metrics)
	})
}

func reportMetrics(w io.Writer, loop *train.Loop, metrics *train.StepMetrics) error {
	if metrics == nil {
		_, err := fmt.Fprintln(w, "No training step run.")
		return err
	}
	lines := []string{
		fmt.Sprintf("Results after global step %s:", humanize.Comma(metrics.Step)),
		fmt.Sprintf("\t%s: %.6g", train.MetricLossGenerative, metrics.LossGenerative),
	}
	if loop.Config().YCondition {
		lines = append(lines, fmt.Sprintf("\t%s: %.6g", train.MetricLossClasses, metrics.LossClasses))
	}
	lines = append(lines, fmt.Sprintf("\t%s: %.6g", train.MetricLearningRate, metrics.LearningRate))
	if !math.IsNaN(metrics.GradNorm) {
		lines = append(lines, fmt.Sprintf("\t%s: %.6g", train.MetricGradNorm, metrics.GradNorm))
	}
	lines = append(lines, fmt.Sprintf("\tmedian step duration: %s", FormatDuration(loop.MedianTrainStepDuration())))
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
