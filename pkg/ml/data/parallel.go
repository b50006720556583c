// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset wraps a thread-safe Dataset and calls its Yield from background goroutines,
// prefetching batches into a buffer.
//
// With a parallelism larger than 1 the order of the batches is not preserved.
type ParallelDataset struct {
	Dataset Dataset

	name            string
	parallelism     int
	extraBufferSize int

	impl *parallelImpl
}

// parallelImpl holds the state of one started ParallelDataset.
type parallelImpl struct {
	ds          Dataset
	parallelism int

	muErr sync.Mutex
	err   error

	buffer                                chan Batch
	epochFinished, stopEpoch, stopDataset chan struct{}
	stopEpochOnce, stopDatasetOnce        *sync.Once
	workers                               sync.WaitGroup
}

// Parallel prefetches batches of ds in the background, using one goroutine and a buffer of 2 batches.
// Call ParallelDataset.Done when finished, to stop the goroutines.
func Parallel(ds Dataset) *ParallelDataset {
	return CustomParallel(ds).Parallelism(1).Buffer(2).Start()
}

// CustomParallel builds a ParallelDataset that can be further configured (see Parallelism and Buffer).
// Start must be called before it is used.
func CustomParallel(ds Dataset) *ParallelDataset {
	pd := &ParallelDataset{
		name:    ds.Name(),
		Dataset: ds,
	}
	return pd.Parallelism(0)
}

// Parallelism is the number of goroutines calling the underlying Yield. If set to 0, it takes the
// number of cores plus 1.
//
// This must be called before Start. It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Warningf("ParallelDataset(%q): Parallelism changed after Start, ignored", pd.name)
		return pd
	}
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// Buffer is the number of prefetched batches kept in the channel, in addition to the ones being
// generated by the goroutines.
//
// This must be called before Start. It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Warningf("ParallelDataset(%q): Buffer changed after Start, ignored", pd.name)
		return pd
	}
	pd.extraBufferSize = max(n, 0)
	return pd
}

// Start the background goroutines. Calling it more than once is a no-op.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		return pd
	}
	impl := &parallelImpl{
		ds:              pd.Dataset,
		parallelism:     pd.parallelism,
		buffer:          make(chan Batch, pd.extraBufferSize),
		stopDataset:     make(chan struct{}),
		stopDatasetOnce: &sync.Once{},
	}
	pd.impl = impl
	impl.startEpoch()
	return pd
}

func (impl *parallelImpl) closeStopEpoch() {
	impl.stopEpochOnce.Do(func() { close(impl.stopEpoch) })
}

func (impl *parallelImpl) closeStopDataset() {
	impl.stopDatasetOnce.Do(func() { close(impl.stopDataset) })
}

func (impl *parallelImpl) startEpoch() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	impl.stopEpochOnce = &sync.Once{}
	stopEpoch, stopDataset, epochFinished := impl.stopEpoch, impl.stopDataset, impl.epochFinished
	var epochWorkers sync.WaitGroup
	for range impl.parallelism {
		epochWorkers.Add(1)
		impl.workers.Add(1)
		go func() {
			defer impl.workers.Done()
			defer epochWorkers.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-stopDataset:
					return
				default:
				}
				batch, err := impl.ds.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					klog.Errorf("ParallelDataset(%q): %+v", impl.ds.Name(), err)
					impl.muErr.Lock()
					if impl.err == nil {
						impl.err = err
					}
					impl.muErr.Unlock()
					impl.closeStopDataset()
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-stopDataset:
					return
				case impl.buffer <- batch:
				}
			}
		}()
	}
	go func() {
		epochWorkers.Wait()
		close(epochFinished)
	}()
}

// Name implements Dataset.
func (pd *ParallelDataset) Name() string {
	return pd.name
}

// Len implements Sized if the underlying dataset does.
func (pd *ParallelDataset) Len() int {
	if sized, ok := pd.Dataset.(Sized); ok {
		return sized.Len()
	}
	return 0
}

// Done stops the background goroutines and waits for them to finish.
func (pd *ParallelDataset) Done() {
	impl := pd.impl
	if impl == nil {
		return
	}
	pd.impl = nil
	impl.closeStopDataset()
	impl.workers.Wait()
}

// Reset implements Dataset: it stops the current epoch, discards prefetched batches, resets the
// underlying dataset and starts prefetching again.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("ParallelDataset(%q).Reset called before Start or after Done", pd.name)
		return
	}
	impl.closeStopEpoch()
drain:
	for {
		select {
		case <-impl.stopDataset:
			return
		case <-impl.epochFinished:
			break drain
		case <-impl.buffer:
		}
	}
	// Batches queued before the workers noticed the stop.
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}
	impl.ds.Reset()
	impl.startEpoch()
}

// Yield implements Dataset.
func (pd *ParallelDataset) Yield() (Batch, error) {
	impl := pd.impl
	if impl == nil {
		return nil, errors.Errorf("ParallelDataset(%q).Yield called before Start or after Done", pd.name)
	}
	select {
	case batch := <-impl.buffer:
		return batch, nil
	case <-impl.stopDataset:
		return nil, pd.stoppedError(impl)
	case <-impl.epochFinished:
		select {
		case batch := <-impl.buffer:
			return batch, nil
		case <-impl.stopDataset:
			return nil, pd.stoppedError(impl)
		default:
			return nil, io.EOF
		}
	}
}

// stoppedError returns the error that stopped the dataset.
func (pd *ParallelDataset) stoppedError(impl *parallelImpl) error {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	if impl.err == nil {
		return errors.Errorf("ParallelDataset(%q) was stopped", pd.name)
	}
	return impl.err
}
