// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handle holds the model driven by the training loop, either as given (unwrapped) or wrapped
// for data-parallel execution. The base model is always reachable, e.g. for saving its state.
type Handle struct {
	base    Model
	wrapped Model
	devices []string
}

// NewHandle returns an unwrapped handle for m.
func NewHandle(m Model) *Handle {
	return &Handle{base: m}
}

// Model to run forward/backward passes with: the wrapped one if installed, else the base model.
func (h *Handle) Model() Model {
	if h.wrapped != nil {
		return h.wrapped
	}
	return h.base
}

// Base returns the unwrapped model.
func (h *Handle) Base() Model {
	return h.base
}

// IsParallel returns whether the data-parallel wrapper was installed.
func (h *Handle) IsParallel() bool {
	return h.wrapped != nil
}

// Devices used by the data-parallel wrapper, nil if not installed.
func (h *Handle) Devices() []string {
	return slices.Clone(h.devices)
}

// EnsureParallel installs the data-parallel wrapper over devices, if not yet installed.
// It is idempotent: subsequent calls are no-ops.
//
// It fails if the base model doesn't implement Parallelizable.
func (h *Handle) EnsureParallel(devices []string) error {
	if h.wrapped != nil {
		return nil
	}
	p, ok := h.base.(Parallelizable)
	if !ok {
		return errors.Errorf("model %T doesn't support data-parallel execution over devices %v", h.base, devices)
	}
	wrapped, err := p.Parallelize(slices.Clone(devices))
	if err != nil {
		return errors.WithMessagef(err, "failed to parallelize model over devices %v", devices)
	}
	h.wrapped = wrapped
	h.devices = slices.Clone(devices)
	klog.V(1).Infof("model wrapped for data-parallel execution over %v", devices)
	return nil
}
