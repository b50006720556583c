// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the collaborators driven by the training loop: the flow Model with its
// named parameters, the Optimizer, and their serializable StateDict.
package model

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
)

// Mode of the model: Train enables training-only behavior (e.g.: dropout), Eval disables it.
type Mode int

const (
	Train Mode = iota
	Eval
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	}
	return "unknown"
}

// ForwardInputs of a training or validation pass.
type ForwardInputs struct {
	// X is the primary input, shaped [B, ...].
	X *tensors.Tensor

	// Conditioning is the audio features, shaped [B, ...].
	Conditioning *tensors.Tensor

	// OneHot labels, shaped [B, NumClasses]. Nil if the model is not class-conditioned.
	OneHot *tensors.Tensor
}

// ForwardOutputs of a forward pass.
type ForwardOutputs struct {
	// Z is the latent code, same shape as the input X.
	Z *tensors.Tensor

	// NLL is the per-example negative log-likelihood, in nats per dimension.
	NLL []float64

	// Logits is the classification head output, shaped [B, NumClasses]. Nil if not present.
	Logits *tensors.Tensor
}

// ReverseInputs for the generation (sampling) pass.
type ReverseInputs struct {
	Conditioning *tensors.Tensor
	OneHot       *tensors.Tensor

	// NoiseScale is the standard deviation used to sample the latent code (eps_std).
	NoiseScale float64
}

// LossGradients are the partial derivatives of the scalar training loss with respect to
// the forward outputs, handed to Model.Backward.
type LossGradients struct {
	// NLL is d(loss)/d(NLL[i]) for every example.
	NLL []float64

	// Logits is d(loss)/d(Logits), nil if there is no classification loss.
	Logits *tensors.Tensor
}

// Parameter is a named trainable tensor with its accumulated gradient.
type Parameter interface {
	Name() string

	// Value returns the parameter values. The optimizer updates it in place.
	Value() []float32

	// Grad returns the gradient accumulated by Model.Backward, same length as Value.
	Grad() []float32
}

// Model is the normalizing-flow collaborator.
type Model interface {
	// SetMode switches between training and evaluation behavior.
	SetMode(mode Mode)

	// Initialize runs the data-dependent initialization pass on a sub-batch.
	Initialize(inputs ForwardInputs) error

	// Forward maps inputs to latent codes and returns the negative log-likelihood and class logits.
	Forward(inputs ForwardInputs) (*ForwardOutputs, error)

	// Reverse samples from the model, returning tensors shaped like the primary input.
	Reverse(inputs ReverseInputs) (*tensors.Tensor, error)

	// Backward accumulates in the parameters the gradients of the loss of the last Forward.
	Backward(grads LossGradients) error

	// ZeroGrad resets the accumulated gradients.
	ZeroGrad()

	// NamedParameters in a stable order.
	NamedParameters() []Parameter

	// StateDict returns a detached copy of the model state.
	StateDict() StateDict

	// LoadStateDict restores the model state.
	LoadStateDict(state StateDict) error
}

// Parallelizable is implemented by models that can be wrapped for data-parallel execution.
type Parallelizable interface {
	// Parallelize returns a model whose Forward splits the batch over devices.
	// The returned model shares the parameters of the original one.
	Parallelize(devices []string) (Model, error)
}

// GradientTracker is implemented by models that can disable gradient bookkeeping, see NoGrad.
type GradientTracker interface {
	// SetGradEnabled enables or disables gradient tracking and returns the previous setting.
	SetGradEnabled(enabled bool) (previous bool)
}

// Optimizer updates the model parameters from their gradients.
type Optimizer interface {
	// SetLearningRate for all parameter groups.
	SetLearningRate(lr float64)

	// ZeroGrad resets the gradients of the parameters the optimizer manages.
	ZeroGrad()

	// Step applies one update.
	Step() error

	// StateDict returns a detached copy of the optimizer state.
	StateDict() StateDict

	// LoadStateDict restores the optimizer state.
	LoadStateDict(state StateDict) error
}

// StateDict maps names to tensors. It's the serializable state of a Model or an Optimizer.
type StateDict map[string]*tensors.Tensor

// Keys returns the sorted names of the state.
func (s StateDict) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the state.
func (s StateDict) Clone() StateDict {
	out := make(StateDict, len(s))
	for key, t := range s {
		out[key] = t.Clone()
	}
	return out
}

// ParametersState returns a detached copy of the values of the given parameters, shaped flat.
func ParametersState(params []Parameter) StateDict {
	state := make(StateDict, len(params))
	for _, p := range params {
		value := p.Value()
		t := tensors.FromShape(len(value))
		copy(t.Data(), value)
		state[p.Name()] = t
	}
	return state
}

// LoadParametersState copies the values of state into the given parameters. Every parameter must
// be present in the state with a matching size; extra entries in the state are an error.
func LoadParametersState(params []Parameter, state StateDict) error {
	if len(state) != len(params) {
		return errors.Errorf("state has %d entries, model has %d parameters", len(state), len(params))
	}
	for _, p := range params {
		t, found := state[p.Name()]
		if !found {
			return errors.Errorf("state is missing parameter %q", p.Name())
		}
		if t.Size() != len(p.Value()) {
			return errors.Errorf("state of parameter %q has %d values, want %d", p.Name(), t.Size(), len(p.Value()))
		}
	}
	for _, p := range params {
		copy(p.Value(), state[p.Name()].Data())
	}
	return nil
}

// NoGrad runs fn with gradient tracking disabled in m, if m implements GradientTracker, restoring
// the previous setting when fn returns, also on error or panic.
func NoGrad(m Model, fn func() error) error {
	if tracker, ok := m.(GradientTracker); ok {
		previous := tracker.SetGradEnabled(false)
		defer tracker.SetGradEnabled(previous)
	}
	return fn()
}
