// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"

	"github.com/speech2face/flowtrain/pkg/ml/model"
	"gonum.org/v1/gonum/floats"
)

// ClipGradValue clips every gradient element of params to [-threshold, threshold].
func ClipGradValue(params []model.Parameter, threshold float64) {
	limit := float32(threshold)
	for _, p := range params {
		grad := p.Grad()
		for ii, g := range grad {
			grad[ii] = min(max(g, -limit), limit)
		}
	}
}

// GradNorm returns the global L2 norm of the gradients of params.
func GradNorm(params []model.Parameter) float64 {
	var buf []float64
	var sumSquares float64
	for _, p := range params {
		buf = toFloat64(buf, p.Grad())
		sumSquares += floats.Dot(buf, buf)
	}
	return math.Sqrt(sumSquares)
}

// ClipGradNorm rescales the gradients of params so that their global L2 norm is at most maxNorm.
// It returns the norm before clipping.
func ClipGradNorm(params []model.Parameter, maxNorm float64) (norm float64) {
	norm = GradNorm(params)
	scale := maxNorm / (norm + 1e-6)
	if scale >= 1 || math.IsNaN(scale) {
		return
	}
	var buf []float64
	for _, p := range params {
		grad := p.Grad()
		buf = toFloat64(buf, grad)
		floats.Scale(scale, buf)
		for ii, v := range buf {
			grad[ii] = float32(v)
		}
	}
	return
}

// toFloat64 converts values to float64, reusing buf if it has enough capacity.
func toFloat64(buf []float64, values []float32) []float64 {
	if cap(buf) < len(values) {
		buf = make([]float64, len(values))
	}
	buf = buf[:len(values)]
	for ii, v := range values {
		buf[ii] = float64(v)
	}
	return buf
}
