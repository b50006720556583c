// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	"github.com/speech2face/flowtrain/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type param struct {
	name        string
	value, grad []float32
}

func (p *param) Name() string     { return p.name }
func (p *param) Value() []float32 { return p.value }
func (p *param) Grad() []float32  { return p.grad }

// minimize (x-3)^2 with Adam.
func TestAdamConverges(t *testing.T) {
	x := &param{name: "x", value: []float32{0}, grad: []float32{0}}
	opt, err := Adam().LearningRate(0.1).Done([]model.Parameter{x})
	require.NoError(t, err)
	for range 500 {
		opt.ZeroGrad()
		x.grad[0] = 2 * (x.value[0] - 3)
		require.NoError(t, opt.Step())
	}
	assert.InDelta(t, 3.0, x.value[0], 1e-2)
	assert.Equal(t, int64(500), opt.NumSteps())
}

func TestAdamFirstStep(t *testing.T) {
	// With bias correction the first update has magnitude ~lr, whatever the gradient scale.
	x := &param{name: "x", value: []float32{1}, grad: []float32{1000}}
	opt, err := Adam().LearningRate(0.01).Done([]model.Parameter{x})
	require.NoError(t, err)
	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.99, x.value[0], 1e-5)

	opt.SetLearningRate(0.5)
	assert.Equal(t, 0.5, opt.LearningRate())
	opt.ZeroGrad()
	assert.Equal(t, float32(0), x.grad[0])
}

func TestAdamStateDict(t *testing.T) {
	x := &param{name: "x", value: []float32{1, 2}, grad: []float32{0.5, -0.5}}
	opt, err := Adam().Done([]model.Parameter{x})
	require.NoError(t, err)
	require.NoError(t, opt.Step())
	require.NoError(t, opt.Step())
	state := opt.StateDict()
	assert.Equal(t, []string{"adam/m/x", "adam/step", "adam/v/x"}, state.Keys())

	y := &param{name: "x", value: []float32{1, 2}, grad: []float32{0, 0}}
	restored, err := Adam().Done([]model.Parameter{y})
	require.NoError(t, err)
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, int64(2), restored.NumSteps())
	assert.Equal(t, state["adam/m/x"].Data(), restored.StateDict()["adam/m/x"].Data())

	delete(state, "adam/v/x")
	require.Error(t, restored.LoadStateDict(state))
}

func TestAdamInvalid(t *testing.T) {
	_, err := Adam().Betas(1, 0.9).Done(nil)
	require.Error(t, err)
	_, err = Adam().Epsilon(0).Done(nil)
	require.Error(t, err)
}
