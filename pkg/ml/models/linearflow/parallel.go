// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linearflow

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"golang.org/x/sync/errgroup"
)

// Parallelize implements model.Parallelizable: the returned model splits each batch in one shard
// per device and runs the shards concurrently. Parameters are shared with m.
func (m *Model) Parallelize(devices []string) (model.Model, error) {
	if len(devices) == 0 {
		return nil, errors.New("linearflow: Parallelize requires at least one device")
	}
	return &DataParallel{Model: m, devices: slices.Clone(devices)}, nil
}

// DataParallel runs the forward pass of a Model split over devices.
type DataParallel struct {
	*Model
	devices []string

	// shards of the last Forward, for Backward.
	shards []*forwardCache
}

// Devices the batches are split over.
func (dp *DataParallel) Devices() []string {
	return slices.Clone(dp.devices)
}

// shardBounds splits n examples in len(devices) contiguous shards. Trailing shards may be empty.
func (dp *DataParallel) shardBounds(n int) [][2]int {
	numShards := len(dp.devices)
	per := (n + numShards - 1) / numShards
	bounds := make([][2]int, 0, numShards)
	for start := 0; start < n; start += per {
		bounds = append(bounds, [2]int{start, min(start+per, n)})
	}
	return bounds
}

func sliceOrNil(t *tensors.Tensor, from, to int) *tensors.Tensor {
	if t == nil {
		return nil
	}
	return t.Slice(from, to)
}

// Forward implements model.Model.
func (dp *DataParallel) Forward(inputs model.ForwardInputs) (*model.ForwardOutputs, error) {
	if inputs.X == nil {
		return nil, errors.New("linearflow: missing input")
	}
	bounds := dp.shardBounds(inputs.X.BatchSize())
	outputs := make([]*model.ForwardOutputs, len(bounds))
	caches := make([]*forwardCache, len(bounds))
	var g errgroup.Group
	for ii, bound := range bounds {
		device := dp.devices[ii]
		g.Go(func() error {
			shard := model.ForwardInputs{
				X:            onDevice(inputs.X.Slice(bound[0], bound[1]), device),
				Conditioning: onDevice(sliceOrNil(inputs.Conditioning, bound[0], bound[1]), device),
				OneHot:       onDevice(sliceOrNil(inputs.OneHot, bound[0], bound[1]), device),
			}
			var err error
			outputs[ii], caches[ii], err = dp.Model.forward(shard)
			return errors.WithMessagef(err, "shard #%d on device %q", ii, device)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	merged := &model.ForwardOutputs{}
	var zs, logits []*tensors.Tensor
	for _, out := range outputs {
		zs = append(zs, out.Z)
		merged.NLL = append(merged.NLL, out.NLL...)
		if out.Logits != nil {
			logits = append(logits, out.Logits)
		}
	}
	var err error
	if merged.Z, err = tensors.Concatenate(zs...); err != nil {
		return nil, err
	}
	if len(logits) > 0 {
		if merged.Logits, err = tensors.Concatenate(logits...); err != nil {
			return nil, err
		}
	}
	if dp.gradEnabled {
		dp.shards = caches
	}
	return merged, nil
}

func onDevice(t *tensors.Tensor, device string) *tensors.Tensor {
	if t == nil {
		return nil
	}
	moved, err := t.ToDevice(device)
	if err != nil {
		return t
	}
	return moved.(*tensors.Tensor)
}

// Backward implements model.Model. Gradients of the shards are accumulated in order, so the result
// doesn't depend on the number of devices (up to float rounding).
func (dp *DataParallel) Backward(grads model.LossGradients) error {
	if !dp.gradEnabled {
		return errors.New("linearflow: Backward called with gradients disabled")
	}
	if dp.shards == nil {
		return errors.New("linearflow: Backward called without a preceding Forward")
	}
	shards := dp.shards
	dp.shards = nil
	start := 0
	for ii, cache := range shards {
		end := start + cache.batchSize
		if end > len(grads.NLL) {
			return errors.Errorf("linearflow: %d NLL gradients for a batch of at least %d", len(grads.NLL), end)
		}
		shardGrads := model.LossGradients{NLL: grads.NLL[start:end], Logits: sliceOrNil(grads.Logits, start, end)}
		if err := dp.Model.backward(cache, shardGrads); err != nil {
			return errors.WithMessagef(err, "shard #%d", ii)
		}
		start = end
	}
	if start != len(grads.NLL) {
		return errors.Errorf("linearflow: %d NLL gradients for a batch of %d", len(grads.NLL), start)
	}
	return nil
}

// SetGradEnabled implements model.GradientTracker.
func (dp *DataParallel) SetGradEnabled(enabled bool) (previous bool) {
	if !enabled {
		dp.shards = nil
	}
	return dp.Model.SetGradEnabled(enabled)
}
