// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data defines the Batch exchanged with the training loop, the Dataset interface,
// an in-memory dataset and a background prefetching wrapper.
package data

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
)

// Dataset provides the data, one batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and logging.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation on a validation dataset.
	Reset()

	// Yield one batch or an error. The error io.EOF indicates the end of the epoch.
	Yield() (Batch, error)
}

// Sized is optionally implemented by datasets that know how many batches they yield per epoch.
type Sized interface {
	Len() int
}

// Example is one record of an InMemoryDataset: field name to per-example value.
// Tensor values must not include the batch axis.
type Example map[string]any

// InMemoryDataset holds all its examples in memory, and yields them in batches, optionally shuffled.
// All examples must have the same fields, and tensor fields the same shape.
type InMemoryDataset struct {
	name     string
	examples []Example

	// muSampling serializes the sampling information, all the member variables below.
	muSampling sync.Mutex

	batchSize           int
	dropIncompleteBatch bool
	next                int
	shuffle             []int
	rng                 *rand.Rand
}

// InMemory creates a dataset with the given examples. It is initially not shuffled and
// yields one example per batch. Configure it with BatchSize and Shuffle.
func InMemory(name string, examples []Example) (*InMemoryDataset, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("InMemory(%q): no examples given", name)
	}
	for ii, example := range examples[1:] {
		if len(example) != len(examples[0]) {
			return nil, errors.Errorf("InMemory(%q): example #%d has %d fields, example #0 has %d",
				name, ii+1, len(example), len(examples[0]))
		}
	}
	return &InMemoryDataset{
		name:      name,
		examples:  examples,
		batchSize: 1,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// BatchSize configures the number of examples per batch. If dropIncompleteBatch is true, the
// last batch of an epoch is dropped if there are not enough examples to fill it.
//
// It returns the modified InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = max(n, 1)
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// Shuffle configures the dataset to yield examples in random order, reshuffled at each Reset.
//
// It returns the modified InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.shuffleLocked()
	return mds
}

// WithRand sets the random number generator used for shuffling, for deterministic orders.
// If the dataset is shuffled, it is reshuffled immediately.
//
// It returns the modified InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) WithRand(rng *rand.Rand) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rng
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// shuffleLocked shuffles the yield order. It assumes muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	mds.shuffle = mds.rng.Perm(len(mds.examples))
}

// Name implements Dataset.
func (mds *InMemoryDataset) Name() string {
	return mds.name
}

// NumExamples in the dataset.
func (mds *InMemoryDataset) NumExamples() int {
	return len(mds.examples)
}

// Len implements Sized: the number of batches per epoch.
func (mds *InMemoryDataset) Len() int {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.dropIncompleteBatch {
		return len(mds.examples) / mds.batchSize
	}
	return (len(mds.examples) + mds.batchSize - 1) / mds.batchSize
}

// Reset implements Dataset.
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// indicesNextYield returns the example indices of the next batch, or nil at the end of the epoch.
func (mds *InMemoryDataset) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	n := mds.batchSize
	remaining := len(mds.examples) - mds.next
	if remaining <= 0 || (remaining < n && mds.dropIncompleteBatch) {
		mds.next = len(mds.examples)
		return nil
	}
	n = min(n, remaining)
	indices = make([]int, n)
	for ii := range indices {
		if mds.shuffle != nil {
			indices[ii] = mds.shuffle[mds.next]
		} else {
			indices[ii] = mds.next
		}
		mds.next++
	}
	return indices
}

// Yield implements Dataset.
func (mds *InMemoryDataset) Yield() (Batch, error) {
	indices := mds.indicesNextYield()
	if indices == nil {
		return nil, io.EOF
	}
	batch := make(Batch, len(mds.examples[0]))
	for name, first := range mds.examples[0] {
		var err error
		switch firstValue := first.(type) {
		case *tensors.Tensor:
			batch[name], err = mds.gatherTensors(name, firstValue, indices)
		case int:
			values := make([]int, len(indices))
			for ii, idx := range indices {
				values[ii], _ = mds.examples[idx][name].(int)
			}
			batch[name] = values
		case string:
			values := make([]string, len(indices))
			for ii, idx := range indices {
				values[ii], _ = mds.examples[idx][name].(string)
			}
			batch[name] = values
		default:
			err = errors.Errorf("InMemoryDataset(%q): field %q has unsupported type %T", mds.name, name, first)
		}
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// gatherTensors stacks the tensors of field name for the given examples, adding a batch axis.
func (mds *InMemoryDataset) gatherTensors(name string, first *tensors.Tensor, indices []int) (*tensors.Tensor, error) {
	exampleShape := first.Shape()
	parts := make([]*tensors.Tensor, len(indices))
	for ii, idx := range indices {
		t, ok := mds.examples[idx][name].(*tensors.Tensor)
		if !ok || t.Size() != first.Size() {
			return nil, errors.Errorf("InMemoryDataset(%q): example #%d field %q doesn't match shape %v",
				mds.name, idx, name, exampleShape)
		}
		withBatchAxis, err := tensors.FromData(t.Data(), append([]int{1}, exampleShape...)...)
		if err != nil {
			return nil, err
		}
		parts[ii] = withBatchAxis
	}
	stacked, err := tensors.Concatenate(parts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "InMemoryDataset(%q): field %q", mds.name, name)
	}
	return stacked, nil
}

// String implements fmt.Stringer.
func (mds *InMemoryDataset) String() string {
	return fmt.Sprintf("InMemoryDataset(%q, %d examples, batch size %d)", mds.name, len(mds.examples), mds.batchSize)
}
