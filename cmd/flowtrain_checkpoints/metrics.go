// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/ml/metrics"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"github.com/speech2face/flowtrain/pkg/support/sets"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the scalar metrics logged to %q", metrics.EventsFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name of a metric, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types (the prefix of the name before \"/\") to include.")
	flagPlot         = flag.Bool("plot", false,
		fmt.Sprintf("Plots the selected metrics of each run to %q in its log directory.", metrics.ScalarsPlotFileName))
)

// RunAndMetric identifies a metric of one of the runs: a column of the metrics table.
type RunAndMetric struct{ RunName, MetricName string }

// loadScalars returns the scalar points of the run that match the -metrics_names and -metrics_types filters.
func loadScalars(run *Run, namesMatcher *regexp.Regexp, types sets.Set[string]) ([]metrics.Point, error) {
	eventsPath := filepath.Join(run.Dir, metrics.EventsFileName)
	exists, err := fsutil.FileExists(eventsPath)
	if err != nil || !exists {
		return nil, err
	}
	points, err := metrics.LoadPoints(eventsPath)
	if err != nil {
		return nil, err
	}
	selected := points[:0]
	for _, point := range points {
		if point.Kind != metrics.KindScalar {
			continue
		}
		if namesMatcher != nil || types != nil {
			foundName := namesMatcher != nil && namesMatcher.MatchString(point.Name)
			foundType := types != nil && types.Has(point.MetricType)
			if !foundName && !foundType {
				continue
			}
		}
		selected = append(selected, point)
	}
	// Steps may repeat when a run is resumed: the stable sort keeps the latest value last.
	slices.SortStableFunc(selected, func(a, b metrics.Point) int {
		switch {
		case a.Step < b.Step:
			return -1
		case a.Step > b.Step:
			return 1
		}
		return 0
	})
	return selected, nil
}

// Metrics reports (-metrics) and plots (-plot) the scalar metrics of the runs.
func Metrics(runs []*Run) error {
	var namesMatcher *regexp.Regexp
	if *flagMetricsNames != "" {
		var err error
		namesMatcher, err = regexp.Compile(*flagMetricsNames)
		if err != nil {
			return errors.Wrapf(err, "failed to compile -metrics_names=%q", *flagMetricsNames)
		}
	}
	var types sets.Set[string]
	if *flagMetricsTypes != "" {
		types = sets.MakeWith(strings.Split(*flagMetricsTypes, ",")...)
	}

	points := make([][]metrics.Point, len(runs))
	foundSomething := false
	for ii, run := range runs {
		var err error
		points[ii], err = loadScalars(run, namesMatcher, types)
		if err != nil {
			return err
		}
		foundSomething = foundSomething || len(points[ii]) > 0
	}
	if !foundSomething {
		klog.Errorf("No metrics found in file %q of the runs", metrics.EventsFileName)
		return nil
	}

	if *flagMetrics {
		ReportMetrics(runs, points)
	}
	if *flagPlot {
		for ii, run := range runs {
			if len(points[ii]) == 0 {
				continue
			}
			scalars := make(map[string][]metrics.ScalarRecord)
			for _, point := range points[ii] {
				scalars[point.Name] = append(scalars[point.Name],
					metrics.ScalarRecord{point.WallTime, float64(point.Step), point.Value})
			}
			plotPath := filepath.Join(run.Dir, metrics.ScalarsPlotFileName)
			if err := metrics.PlotScalars(scalars, plotPath); err != nil {
				return err
			}
			fmt.Printf("Plotted metrics of %q to %q\n", run.Name, plotPath)
		}
	}
	return nil
}

// ReportMetrics prints one row per global step, and one column per run and metric.
func ReportMetrics(runs []*Run, points [][]metrics.Point) {
	numRuns := len(runs)
	used := sets.Make[RunAndMetric]()
	for ii, pointsPerRun := range points {
		for _, point := range pointsPerRun {
			used.Insert(RunAndMetric{runs[ii].Name, point.Name})
		}
	}
	columns := slices.SortedFunc(maps.Keys(used), func(a, b RunAndMetric) int {
		if c := strings.Compare(a.MetricName, b.MetricName); c != 0 {
			return c
		}
		return strings.Compare(a.RunName, b.RunName)
	})
	columnOf := make(map[RunAndMetric]int, len(columns))
	header := make([]string, 1+len(columns))
	header[0] = "Global Step"
	for idx, column := range columns {
		columnOf[column] = idx + 1
		if numRuns == 1 {
			header[idx+1] = column.MetricName
		} else {
			header[idx+1] = fmt.Sprintf("%s: %s", column.RunName, column.MetricName)
		}
	}

	fmt.Println(titleStyle.Render("Metrics Table"))
	table := newPlainTable(true, lipgloss.Right)
	table.Headers(header...)

	// Merge the points of all runs, one global step at a time.
	indices := make([]int, numRuns)
	for {
		step := int64(-1)
		for runIdx, pointsPerRun := range points {
			if indices[runIdx] < len(pointsPerRun) {
				if s := pointsPerRun[indices[runIdx]].Step; step == -1 || s < step {
					step = s
				}
			}
		}
		if step == -1 {
			break
		}
		row := make([]string, 1+len(columns))
		row[0] = humanize.Comma(step)
		for runIdx, pointsPerRun := range points {
			for indices[runIdx] < len(pointsPerRun) && pointsPerRun[indices[runIdx]].Step == step {
				point := pointsPerRun[indices[runIdx]]
				indices[runIdx]++
				row[columnOf[RunAndMetric{runs[runIdx].Name, point.Name}]] = fmt.Sprintf("%.3g", point.Value)
			}
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
