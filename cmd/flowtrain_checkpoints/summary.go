// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/speech2face/flowtrain/pkg/ml/checkpoints"
	"k8s.io/klog/v2"
)

// groupSizes returns the number of tensors, of values and of stored bytes of the group in the checkpoint.
func groupSizes(metadata *checkpoints.Metadata, group string) (numTensors, numValues, numBytes int) {
	for _, v := range metadata.Variables {
		if v.Group != group {
			continue
		}
		numTensors++
		size := 1
		for _, dim := range v.Dimensions {
			size *= dim
		}
		numValues += size
		numBytes += v.Length
	}
	return
}

// Summary prints a table with one column per run.
func Summary(runs []*Run) {
	numRuns := len(runs)
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	row := func(label string, fn func(run *Run) string) {
		values := make([]string, numRuns+1)
		values[0] = label
		for ii, run := range runs {
			if run.Metadata == nil {
				continue
			}
			values[ii+1] = fn(run)
		}
		table.Row(values...)
	}
	names := make([]string, numRuns+1)
	names[0] = "run"
	for ii, run := range runs {
		names[ii+1] = run.Name
	}
	table.Row(names...)
	row("global_step", func(run *Run) string { return humanize.Comma(run.Metadata.Step) })
	row("created", func(run *Run) string { return humanize.Time(run.Metadata.CreatedAt) })
	row("dtype", func(run *Run) string { return run.Metadata.DType })
	row("format", func(run *Run) string { return run.Metadata.BinFormat })
	for _, group := range []string{checkpoints.ModelGroup, checkpoints.OptimizerGroup} {
		row("# "+group+" tensors", func(run *Run) string {
			n, _, _ := groupSizes(run.Metadata, group)
			return humanize.Comma(int64(n))
		})
		row("# "+group+" values", func(run *Run) string {
			_, n, _ := groupSizes(run.Metadata, group)
			return humanize.Comma(int64(n))
		})
		row("# "+group+" bytes", func(run *Run) string {
			_, _, n := groupSizes(run.Metadata, group)
			return humanize.Bytes(uint64(n))
		})
	}
	fmt.Println(table.Render())
}

// ListCheckpoints of the run, older first, marking the latest and best ones.
func ListCheckpoints(run *Run) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints of %q", run.Name)))
	ids, err := run.Handler.ListCheckpoints()
	if err != nil {
		klog.Errorf("Failed to list checkpoints in %q: %+v", run.Handler.Dir(), err)
		return
	}
	latest, _ := run.Handler.Pointer(checkpoints.Latest)
	best, _ := run.Handler.Pointer(checkpoints.Best)
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	table.Headers("Id", "Global Step", "Age", "Pointers")
	for _, id := range ids {
		metadata, err := run.Handler.Metadata(id)
		if err != nil {
			table.Row(id, "<invalid>", "", "")
			continue
		}
		var pointers string
		if id == latest {
			pointers = checkpoints.Latest
		}
		if id == best {
			if pointers != "" {
				pointers += ", "
			}
			pointers += checkpoints.Best
		}
		table.Row(id, humanize.Comma(metadata.Step), humanize.RelTime(metadata.CreatedAt, time.Now(), "ago", ""), pointers)
	}
	fmt.Println(table.Render())
}
