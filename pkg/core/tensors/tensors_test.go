// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceAndIndex(t *testing.T) {
	x := FromValues([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 3, 2, 2)
	assert.Equal(t, 3, x.BatchSize())

	s := x.Slice(1, 3)
	assert.Equal(t, []int{2, 2, 2}, s.Shape())
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9, 10, 11}, s.Data())

	row := x.Index(2)
	assert.Equal(t, []int{2, 2}, row.Shape())
	assert.Equal(t, []float32{8, 9, 10, 11}, row.Data())

	// Slices share data.
	row.Data()[0] = -1
	assert.Equal(t, float32(-1), x.Data()[8])

	assert.Panics(t, func() { x.Slice(2, 4) })
}

func TestTransposeFirstAxes(t *testing.T) {
	// Shape [C=2, T=3, 1].
	x := FromValues([]float64{1, 2, 3, 4, 5, 6}, 2, 3, 1)
	y := x.TransposeFirstAxes()
	assert.Equal(t, []int{3, 2, 1}, y.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y.Data())
}

func TestToDevice(t *testing.T) {
	x := FromShape(2, 2)
	assert.Equal(t, HostDevice, x.Device())
	movedAny, err := x.ToDevice("cuda:0")
	require.NoError(t, err)
	moved := movedAny.(*Tensor)
	assert.Equal(t, "cuda:0", moved.Device())
	assert.Equal(t, HostDevice, x.Device(), "original placement is unchanged")

	var nilTensor *Tensor
	_, err = nilTensor.ToDevice("cuda:0")
	require.Error(t, err)
}

func TestConcatenate(t *testing.T) {
	a := FromValues([]int{1, 2}, 1, 2)
	b := FromValues([]int{3, 4, 5, 6}, 2, 2)
	c, err := Concatenate(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, c.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data())

	_, err = Concatenate(a, FromShape(1, 3))
	require.Error(t, err)

	_, err = FromData([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
}
