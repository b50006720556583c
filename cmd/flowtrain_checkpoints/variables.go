// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/checkpoints"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"gonum.org/v1/gonum/floats"
)

var (
	flagVars = flag.Bool("vars", false, "Lists the tensors of the checkpoint, with statistics of their values.")
	flagOpt  = flag.Bool("optimizer", false, "Whether -vars also lists the optimizer state tensors.")

	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs the model parameters of the checkpoint by <x>: it multiplies the values by 1.0+(RandomUniform(-1, 1)*x), "+
			"and saves the result as a new checkpoint with the same global step.")
)

// valuesStats returns the mean absolute value, the root-mean-square and the max absolute value.
func valuesStats(t *tensors.Tensor) (mav, rms, maxAV float64) {
	values := make([]float64, t.Size())
	for ii, v := range t.Data() {
		values[ii] = float64(v)
	}
	n := float64(max(len(values), 1))
	mav = floats.Norm(values, 1) / n
	rms = floats.Norm(values, 2) / math.Sqrt(n)
	maxAV = floats.Norm(values, math.Inf(1))
	return
}

// ListVariables of the checkpoint selected with -which, with their shape, MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value).
func ListVariables(run *Run) error {
	state, err := run.Handler.Load(*flagWhich)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Tensors of %q at global step %s", run.Name, humanize.Comma(state.Step))))
	table := newPlainTable(true)
	table.Headers("Group", "Name", "Shape", "Size", "Scalar/MAV", "RMS", "MaxAV")
	groups := []struct {
		name  string
		state model.StateDict
	}{{checkpoints.ModelGroup, state.Model}}
	if *flagOpt {
		groups = append(groups, struct {
			name  string
			state model.StateDict
		}{checkpoints.OptimizerGroup, state.Optimizer})
	}
	for _, group := range groups {
		for _, name := range group.state.Keys() {
			t := group.state[name]
			var mavStr, rmsStr, maxAVStr string
			if t.Size() == 1 {
				mavStr = fmt.Sprintf("%8v", t.Data()[0])
			} else {
				mav, rms, maxAV := valuesStats(t)
				mavStr = fmt.Sprintf("%.3g", mav)
				rmsStr = fmt.Sprintf("%.3g", rms)
				maxAVStr = fmt.Sprintf("%.3g", maxAV)
			}
			table.Row(group.name, name, fmt.Sprintf("%v", t.Shape()), humanize.Comma(int64(t.Size())),
				mavStr, rmsStr, maxAVStr)
		}
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If the tensor is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
	return nil
}

// PerturbVars multiplies the model parameters of the checkpoint by 1+U(-1, 1)*amount, and saves
// them, with the unchanged optimizer state, as a new checkpoint. It returns the id of the new checkpoint.
func PerturbVars(handler *checkpoints.Handler, which string, amount float64) (string, error) {
	if amount <= 0 || amount >= 1 {
		return "", errors.Errorf("perturbation amount must be in (0, 1), got %g", amount)
	}
	metadata, err := handler.Metadata(which)
	if err != nil {
		return "", err
	}
	state, err := handler.Load(which)
	if err != nil {
		return "", err
	}
	rng := rand.New(rand.NewSource(rand.Int63()))
	for _, t := range state.Model {
		values := t.Data()
		for ii := range values {
			values[ii] *= float32(1.0 + (2*rng.Float64()-1)*amount)
		}
	}

	// Re-open the directory keeping all checkpoints, so the rotation doesn't remove any.
	ids, err := handler.ListCheckpoints()
	if err != nil {
		return "", err
	}
	writer, err := checkpoints.Build(handler.Dir()).
		Keep(len(ids) + 1).
		HalfPrecision(metadata.DType == "float16").
		WithCompression(metadata.BinFormat == "gzip").
		Done()
	if err != nil {
		return "", err
	}
	return writer.Save(state.Step, state.Model, state.Optimizer, false)
}
