// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
)

// Trigger requests an on-demand generation pass, regardless of the inference interval.
// The loop polls it once per step, and clears it after a generation pass it caused.
type Trigger interface {
	// Pending returns whether a generation pass was requested.
	Pending() (bool, error)

	// Clear the request.
	Clear() error
}

// DoInferenceFileName is the name of the file watched by FileTrigger.
const DoInferenceFileName = "do_inference"

// FileTrigger is pending while a file exists. Clear removes the file.
type FileTrigger struct {
	Path string
}

// NewFileTrigger watches for the file DoInferenceFileName in dir.
func NewFileTrigger(dir string) *FileTrigger {
	return &FileTrigger{Path: filepath.Join(dir, DoInferenceFileName)}
}

// Pending implements Trigger.
func (t *FileTrigger) Pending() (bool, error) {
	return fsutil.FileExists(t.Path)
}

// Clear implements Trigger. It's not an error if the file no longer exists.
func (t *FileTrigger) Clear() error {
	err := os.Remove(t.Path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove trigger file %q", t.Path)
	}
	return nil
}

// ChannelTrigger is an in-process Trigger: Request can be called from any goroutine.
type ChannelTrigger struct {
	requests chan struct{}

	mu      sync.Mutex
	pending bool
}

// NewChannelTrigger creates a new ChannelTrigger with no pending request.
func NewChannelTrigger() *ChannelTrigger {
	return &ChannelTrigger{requests: make(chan struct{}, 1)}
}

// Request a generation pass. Requests made before the pass runs are merged into one.
func (t *ChannelTrigger) Request() {
	select {
	case t.requests <- struct{}{}:
	default:
	}
}

// Pending implements Trigger.
func (t *ChannelTrigger) Pending() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.requests:
		t.pending = true
	default:
	}
	return t.pending, nil
}

// Clear implements Trigger.
func (t *ChannelTrigger) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = false
	return nil
}

// noTrigger is never pending.
type noTrigger struct{}

func (noTrigger) Pending() (bool, error) { return false, nil }
func (noTrigger) Clear() error           { return nil }
