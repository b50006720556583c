// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the host-side Tensor exchanged between the training loop and its
// collaborators: batch fields, model parameters, gradients and optimizer state.
//
// A Tensor is a dense row-major float32 array with a shape and the name of the device it is
// placed on. Placement is metadata only: moving a tensor to another device shares the
// underlying data.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// HostDevice is the default device of newly created tensors.
const HostDevice = "cpu"

// Tensor is a dense float32 array with a shape. See package documentation.
type Tensor struct {
	shape  []int
	data   []float32
	device string
}

// sizeOf returns the number of elements of a shape. A scalar (no dimensions) has size 1.
func sizeOf(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// FromShape creates a zero-initialized tensor with the given dimensions.
func FromShape(dims ...int) *Tensor {
	for _, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensors.FromShape(%v): negative dimension", dims)
		}
	}
	return &Tensor{
		shape:  slices.Clone(dims),
		data:   make([]float32, sizeOf(dims)),
		device: HostDevice,
	}
}

// FromData creates a tensor that owns data, with the given dimensions.
// It returns an error if the number of elements doesn't match the shape.
func FromData(data []float32, dims ...int) (*Tensor, error) {
	if len(data) != sizeOf(dims) {
		return nil, errors.Errorf("tensors.FromData: %d elements given for shape %v (size %d)",
			len(data), dims, sizeOf(dims))
	}
	return &Tensor{shape: slices.Clone(dims), data: data, device: HostDevice}, nil
}

// FromValues converts values of any numeric type to a new tensor with the given dimensions.
// It panics if the number of values doesn't match the shape.
func FromValues[T constraints.Integer | constraints.Float](values []T, dims ...int) *Tensor {
	if len(values) != sizeOf(dims) {
		exceptions.Panicf("tensors.FromValues: %d values given for shape %v", len(values), dims)
	}
	t := FromShape(dims...)
	for ii, v := range values {
		t.data[ii] = float32(v)
	}
	return t
}

// Shape returns a copy of the dimensions of the tensor.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Rank is the number of axes.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Size is the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// BatchSize returns the leading dimension, or 0 for scalars.
func (t *Tensor) BatchSize() int {
	if len(t.shape) == 0 {
		return 0
	}
	return t.shape[0]
}

// Data returns the flat underlying data. It is not a copy: changes are visible in the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Device where the tensor is placed.
func (t *Tensor) Device() string {
	return t.device
}

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), device: t.device}
}

// ToDevice returns the tensor placed on device. The data is shared with t.
//
// The return type is `any` so Tensor satisfies the batch-field transfer interface of package data.
func (t *Tensor) ToDevice(device string) (any, error) {
	if t == nil {
		return nil, errors.New("tensors.ToDevice on nil Tensor")
	}
	if device == "" {
		device = HostDevice
	}
	return &Tensor{shape: t.shape, data: t.data, device: device}, nil
}

// strideOfAxis0 is the number of elements of one entry along the leading axis.
func (t *Tensor) strideOfAxis0() int {
	return sizeOf(t.shape[1:])
}

// Slice returns the entries [from, to) along the leading axis. Data is shared with t.
func (t *Tensor) Slice(from, to int) *Tensor {
	if t.Rank() == 0 {
		exceptions.Panicf("tensors.Slice(%d, %d) of a scalar", from, to)
	}
	if from < 0 || to > t.shape[0] || from > to {
		exceptions.Panicf("tensors.Slice(%d, %d) out of range for shape %v", from, to, t.shape)
	}
	stride := t.strideOfAxis0()
	shape := slices.Clone(t.shape)
	shape[0] = to - from
	return &Tensor{shape: shape, data: t.data[from*stride : to*stride], device: t.device}
}

// Index returns entry i along the leading axis, with that axis removed. Data is shared with t.
func (t *Tensor) Index(i int) *Tensor {
	s := t.Slice(i, i+1)
	s.shape = s.shape[1:]
	return s
}

// TransposeFirstAxes returns a copy of t with its first two axes swapped.
// E.g.: shape [C, T, 1] becomes [T, C, 1].
func (t *Tensor) TransposeFirstAxes() *Tensor {
	if t.Rank() < 2 {
		exceptions.Panicf("tensors.TransposeFirstAxes requires rank >= 2, got shape %v", t.shape)
	}
	rows, cols := t.shape[0], t.shape[1]
	inner := sizeOf(t.shape[2:])
	shape := slices.Clone(t.shape)
	shape[0], shape[1] = cols, rows
	out := &Tensor{shape: shape, data: make([]float32, len(t.data)), device: t.device}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			src := (r*cols + c) * inner
			dst := (c*rows + r) * inner
			copy(out.data[dst:dst+inner], t.data[src:src+inner])
		}
	}
	return out
}

// Concatenate joins tensors along the leading axis. All must have the same trailing dimensions.
func Concatenate(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concatenate: no tensors given")
	}
	first := parts[0]
	if first.Rank() == 0 {
		return nil, errors.New("tensors.Concatenate: scalars can't be concatenated")
	}
	shape := first.Shape()
	shape[0] = 0
	var data []float32
	for ii, part := range parts {
		if !slices.Equal(part.shape[1:], first.shape[1:]) {
			return nil, errors.Errorf("tensors.Concatenate: part #%d has shape %v, incompatible with %v",
				ii, part.shape, first.shape)
		}
		shape[0] += part.shape[0]
		data = append(data, part.data...)
	}
	return &Tensor{shape: shape, data: data, device: first.device}, nil
}

// String implements fmt.Stringer. Only the shape and a few values are printed.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	const maxValues = 6
	parts := make([]string, 0, maxValues+1)
	for ii, v := range t.data {
		if ii == maxValues {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%g", v))
	}
	return fmt.Sprintf("Tensor(shape=%v, device=%s)[%s]", t.shape, t.device, strings.Join(parts, " "))
}
