// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LossGenerative is the mean of the per-example negative log-likelihoods. It also returns its
// gradient with respect to each nll.
func LossGenerative(nll []float64) (loss float64, grads []float64) {
	if len(nll) == 0 {
		return 0, nil
	}
	loss = stat.Mean(nll, nil)
	grads = make([]float64, len(nll))
	floats.AddConst(1/float64(len(nll)), grads)
	return
}

// CrossEntropy of logits shaped [B, K] against class indices, averaged over the batch.
// It also returns the gradient with respect to the logits.
func CrossEntropy(logits *tensors.Tensor, labels []int) (loss float64, grads *tensors.Tensor, err error) {
	batchSize := logits.BatchSize()
	if logits.Rank() != 2 || len(labels) != batchSize || batchSize == 0 {
		return 0, nil, errors.Errorf("CrossEntropy: logits shape %v doesn't match %d labels", logits.Shape(), len(labels))
	}
	numClasses := logits.Shape()[1]
	grads = tensors.FromShape(batchSize, numClasses)
	row := make([]float64, numClasses)
	invBatch := 1 / float64(batchSize)
	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return 0, nil, errors.Errorf("CrossEntropy: label %d of example #%d out of range [0, %d)", label, i, numClasses)
		}
		row = toFloat64(row, logits.Data()[i*numClasses:(i+1)*numClasses])
		logSumExp := floats.LogSumExp(row)
		loss += (logSumExp - row[label]) * invBatch
		g := grads.Data()[i*numClasses : (i+1)*numClasses]
		for j, v := range row {
			softmax := math.Exp(v - logSumExp)
			if j == label {
				softmax -= 1
			}
			g[j] = float32(softmax * invBatch)
		}
	}
	return
}

// BinaryCrossEntropyWithLogits of logits against targets of the same shape, with values in [0, 1],
// averaged over all elements. It also returns the gradient with respect to the logits.
func BinaryCrossEntropyWithLogits(logits, targets *tensors.Tensor) (loss float64, grads *tensors.Tensor, err error) {
	if logits.Size() != targets.Size() || logits.Size() == 0 {
		return 0, nil, errors.Errorf("BinaryCrossEntropyWithLogits: logits shape %v doesn't match targets shape %v",
			logits.Shape(), targets.Shape())
	}
	grads = tensors.FromShape(logits.Shape()...)
	invSize := 1 / float64(logits.Size())
	for ii, v := range logits.Data() {
		x, t := float64(v), float64(targets.Data()[ii])
		// Numerically stable form of -t*log(σ(x)) - (1-t)*log(1-σ(x)).
		loss += (max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))) * invSize
		grads.Data()[ii] = float32((sigmoid(x) - t) * invSize)
	}
	return
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
