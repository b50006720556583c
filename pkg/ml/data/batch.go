// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Field names of a Batch.
const (
	// FieldX is the primary input: the video (face) features to model, shaped [B, C, T, 1].
	FieldX = "x"

	// FieldAudioFeatures holds the conditioning audio features, shaped [B, ...].
	FieldAudioFeatures = "audio_features"

	// FieldY holds class indices ([]int) for single-class conditioning.
	FieldY = "y"

	// FieldYOneHot holds the one-hot (or multi-hot) labels, shaped [B, NumClasses].
	FieldYOneHot = "y_onehot"

	// FieldAudioPath and FieldVideoPath hold the source file paths ([]string) of each example.
	// Only used by evaluation.
	FieldAudioPath = "audio_path"
	FieldVideoPath = "video_path"

	// FieldFirstFrame holds the reference first video frame of each example. Only used by evaluation.
	FieldFirstFrame = "first_frame"
)

// Batch maps field names to per-example containers. Values are usually *tensors.Tensor
// (leading axis is the batch), []int or []string.
type Batch map[string]any

// Transferable is implemented by batch values that can be moved to a compute device.
type Transferable interface {
	ToDevice(device string) (any, error)
}

// fieldBatchSize returns the number of examples held by a field value, or -1 if unknown.
func fieldBatchSize(value any) int {
	switch v := value.(type) {
	case *tensors.Tensor:
		return v.BatchSize()
	case []int:
		return len(v)
	case []string:
		return len(v)
	case []*tensors.Tensor:
		return len(v)
	}
	return -1
}

// sortedFields returns the batch field names in a deterministic order.
func (b Batch) sortedFields() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BatchSize returns the number of examples in the batch, taken from its primary input if present.
func (b Batch) BatchSize() int {
	if size := fieldBatchSize(b[FieldX]); size >= 0 {
		return size
	}
	for _, name := range b.sortedFields() {
		if size := fieldBatchSize(b[name]); size >= 0 {
			return size
		}
	}
	return 0
}

// Validate checks that every field of known type has the same batch size.
func (b Batch) Validate() error {
	want := b.BatchSize()
	for _, name := range b.sortedFields() {
		size := fieldBatchSize(b[name])
		if size >= 0 && size != want {
			return errors.Errorf("batch field %q has %d examples, but the batch size is %d", name, size, want)
		}
	}
	return nil
}

// Has returns whether the batch has the field set (to a non-nil value).
func (b Batch) Has(name string) bool {
	value, found := b[name]
	return found && value != nil
}

// Tensor returns the field as a tensor.
func (b Batch) Tensor(name string) (*tensors.Tensor, error) {
	value, found := b[name]
	if !found || value == nil {
		return nil, errors.Errorf("batch has no field %q", name)
	}
	t, ok := value.(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("batch field %q is a %T, not a *tensors.Tensor", name, value)
	}
	return t, nil
}

// Ints returns the field as a list of integers (e.g.: class indices).
func (b Batch) Ints(name string) ([]int, error) {
	value, found := b[name]
	if !found || value == nil {
		return nil, errors.Errorf("batch has no field %q", name)
	}
	ints, ok := value.([]int)
	if !ok {
		return nil, errors.Errorf("batch field %q is a %T, not a []int", name, value)
	}
	return ints, nil
}

// Strings returns the field as a list of strings (e.g.: file paths).
func (b Batch) Strings(name string) ([]string, error) {
	value, found := b[name]
	if !found || value == nil {
		return nil, errors.Errorf("batch has no field %q", name)
	}
	strs, ok := value.([]string)
	if !ok {
		return nil, errors.Errorf("batch field %q is a %T, not a []string", name, value)
	}
	return strs, nil
}

// ToDevice moves every transferable field to device, in place. Fields that are not transferable,
// or whose transfer fails, keep their original placement: this is not an error.
//
// It returns the names of the fields moved.
func (b Batch) ToDevice(device string) (moved []string) {
	for _, name := range b.sortedFields() {
		transferable, ok := b[name].(Transferable)
		if !ok {
			continue
		}
		value, err := transferable.ToDevice(device)
		if err != nil {
			klog.V(2).Infof("batch field %q kept in its current placement: %v", name, err)
			continue
		}
		b[name] = value
		moved = append(moved, name)
	}
	return
}

// Take returns a new batch with the first n examples of every field of known type.
// Other fields are shared as is.
func (b Batch) Take(n int) Batch {
	out := make(Batch, len(b))
	for name, value := range b {
		switch v := value.(type) {
		case *tensors.Tensor:
			if v.Rank() > 0 && n <= v.BatchSize() {
				out[name] = v.Slice(0, n)
				continue
			}
		case []int:
			if n <= len(v) {
				out[name] = v[:n]
				continue
			}
		case []string:
			if n <= len(v) {
				out[name] = v[:n]
				continue
			}
		case []*tensors.Tensor:
			if n <= len(v) {
				out[name] = v[:n]
				continue
			}
		}
		out[name] = value
	}
	return out
}

// OneHot converts class indices to a one-hot tensor shaped [len(labels), numClasses].
func OneHot(labels []int, numClasses int) (*tensors.Tensor, error) {
	t := tensors.FromShape(len(labels), numClasses)
	data := t.Data()
	for ii, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, errors.Errorf("label %d of example #%d is out of range for %d classes", label, ii, numClasses)
		}
		data[ii*numClasses+label] = 1
	}
	return t, nil
}
