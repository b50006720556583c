// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeExamples(n int) []Example {
	examples := make([]Example, n)
	for ii := range examples {
		examples[ii] = Example{
			FieldX:         tensors.FromValues([]int{ii, 10 * ii}, 2),
			FieldY:         ii % 3,
			FieldAudioPath: "audio.wav",
		}
	}
	return examples
}

func firstValues(t *testing.T, batch Batch) []float32 {
	x, err := batch.Tensor(FieldX)
	require.NoError(t, err)
	values := make([]float32, x.BatchSize())
	for ii := range values {
		values[ii] = x.Index(ii).Data()[0]
	}
	return values
}

func TestInMemoryDataset(t *testing.T) {
	ds, err := InMemory("toy", makeExamples(5))
	require.NoError(t, err)
	ds.BatchSize(2, false)
	assert.Equal(t, 3, ds.Len())

	var sizes []int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, batch.Validate())
		sizes = append(sizes, batch.BatchSize())
		x, err := batch.Tensor(FieldX)
		require.NoError(t, err)
		assert.Equal(t, 2, x.Shape()[1])
		paths, err := batch.Strings(FieldAudioPath)
		require.NoError(t, err)
		assert.Len(t, paths, batch.BatchSize())
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	// Dropping the incomplete batch.
	ds.BatchSize(2, true)
	ds.Reset()
	assert.Equal(t, 2, ds.Len())
	count := 0
	for {
		_, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestInMemoryShuffle(t *testing.T) {
	ds, err := InMemory("toy", makeExamples(8))
	require.NoError(t, err)
	ds.BatchSize(8, true).Shuffle().WithRand(rand.New(rand.NewSource(42)))
	batch, err := ds.Yield()
	require.NoError(t, err)
	values := firstValues(t, batch)
	sorted := append([]float32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7}, sorted, "every example is yielded exactly once")

	y, err := batch.Ints(FieldY)
	require.NoError(t, err)
	for ii, v := range values {
		assert.Equal(t, int(v)%3, y[ii], "fields of the same example stay aligned")
	}
}

func TestBatchHelpers(t *testing.T) {
	batch := Batch{
		FieldX:         tensors.FromShape(4, 3),
		FieldY:         []int{0, 1, 2, 0},
		FieldVideoPath: []string{"a", "b", "c", "d"},
	}
	require.NoError(t, batch.Validate())
	assert.Equal(t, 4, batch.BatchSize())

	sub := batch.Take(2)
	assert.Equal(t, 2, sub.BatchSize())
	require.NoError(t, sub.Validate())
	assert.Equal(t, 4, batch.BatchSize(), "Take doesn't change the original batch")

	batch[FieldY] = []int{0, 1}
	require.Error(t, batch.Validate())

	_, err := batch.Tensor(FieldYOneHot)
	require.Error(t, err)
	_, err = batch.Ints(FieldX)
	require.Error(t, err)
}

type failingTransfer struct{}

func (failingTransfer) ToDevice(string) (any, error) { return nil, errors.New("no such device") }

func TestBatchToDevice(t *testing.T) {
	batch := Batch{
		FieldX:          tensors.FromShape(2, 3),
		FieldAudioPath:  []string{"a", "b"},
		FieldFirstFrame: failingTransfer{},
	}
	moved := batch.ToDevice("cuda:0")
	assert.Equal(t, []string{FieldX}, moved)
	x, err := batch.Tensor(FieldX)
	require.NoError(t, err)
	assert.Equal(t, "cuda:0", x.Device())
	assert.Equal(t, failingTransfer{}, batch[FieldFirstFrame], "fields that can't move keep their placement")
}

func TestOneHot(t *testing.T) {
	oneHot, err := OneHot([]int{2, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, oneHot.Shape())
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0}, oneHot.Data())

	_, err = OneHot([]int{3}, 3)
	require.Error(t, err)
}

type errorDataset struct{}

func (ds *errorDataset) Name() string { return "error" }
func (ds *errorDataset) Reset()       {}
func (ds *errorDataset) Yield() (Batch, error) {
	return nil, errors.New("broken record")
}

func TestParallel(t *testing.T) {
	ds, err := InMemory("toy", makeExamples(10))
	require.NoError(t, err)
	ds.BatchSize(1, false)
	pd := CustomParallel(ds).Parallelism(3).Buffer(2).Start()
	defer pd.Done()
	assert.Equal(t, 10, pd.Len())

	for epoch := range 2 {
		var seen []float32
		for {
			batch, err := pd.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			seen = append(seen, firstValues(t, batch)...)
		}
		sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
		assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen, "epoch %d", epoch)
		pd.Reset()
	}

	// Reset in the middle of an epoch restarts from the beginning.
	_, err = pd.Yield()
	require.NoError(t, err)
	pd.Reset()
	count := 0
	for {
		_, err := pd.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 10, count)
}

func TestParallelError(t *testing.T) {
	pd := CustomParallel(&errorDataset{}).Parallelism(2).Start()
	defer pd.Done()
	_, err := pd.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken record")
	// Subsequent calls keep returning the error.
	_, err = pd.Yield()
	require.Error(t, err)
}
