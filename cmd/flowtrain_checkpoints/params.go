// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/speech2face/flowtrain/pkg/ml/hparams"
	"github.com/speech2face/flowtrain/pkg/support/sets"
	"github.com/speech2face/flowtrain/pkg/support/xslices"
)

// Params prints the hyperparameters of the runs, one column per run. Rows whose values differ
// across the runs are highlighted.
func Params(runs []*Run) {
	numRuns := len(runs)
	numCols := numRuns + 3

	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newPlainTableWithReds(true)
	headers := make([]string, 0, numCols)
	headers = append(headers, "Section", "Name", "Type")
	if numRuns == 1 {
		headers = append(headers, "Value")
	} else {
		for _, run := range runs {
			headers = append(headers, run.Name)
		}
	}
	table.Table.Headers(headers...)

	// Union of the parameters of all runs.
	pathSet := sets.Make[string]()
	for _, run := range runs {
		if run.Params != nil {
			pathSet.Insert(run.Params.Keys()...)
		}
	}
	paths := xslices.SortedKeys(pathSet)

	for _, path := range paths {
		row := make([]string, numCols)
		row[0], row[1] = hparams.SplitPath(path)
		for ii, run := range runs {
			if run.Params == nil {
				continue
			}
			value, found := run.Params.Get(path)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.Row(!isAllEqual(row[3:]), row...)
	}
	fmt.Println(table.Table.Render())
}
