// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements optimizers over model.Parameter.
package optimizers

import (
	"math"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/model"
)

// Hyperparameter names of Adam, as used in the "Optim" section of the hyperparameters.
const (
	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamEpsilon is added to the denominator for numerical stability.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"
)

// AdamDefaultLearningRate is used if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// AdamConfig holds the configuration of an Adam optimizer, created with Adam and finalized with Done.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// Adam returns a configuration for the Adam optimizer, with the defaults of the
// "Adam: A Method for Stochastic Optimization" paper. Call Done when finished configuring.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// LearningRate sets the initial learning rate. The training loop sets it at every step.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	c.learningRate = lr
	return c
}

// Betas sets the two moving averages constants.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator of the update.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures decoupled weight decay (AdamW). Defaults to 0.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// FromParams configures the optimizer from hyperparameters keyed by ParamAdamBeta1, etc.
// Missing keys keep the current values.
func (c *AdamConfig) FromParams(getParam func(key string, defaultValue float64) float64) *AdamConfig {
	c.beta1 = getParam(ParamAdamBeta1, c.beta1)
	c.beta2 = getParam(ParamAdamBeta2, c.beta2)
	c.epsilon = getParam(ParamAdamEpsilon, c.epsilon)
	c.weightDecay = getParam(ParamAdamWeightDecay, c.weightDecay)
	return c
}

// Done returns the Adam optimizer over the given parameters.
func (c *AdamConfig) Done(params []model.Parameter) (*AdamOptimizer, error) {
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		return nil, errors.Errorf("Adam: betas must be in [0, 1), got (%g, %g)", c.beta1, c.beta2)
	}
	if c.epsilon <= 0 || c.learningRate < 0 || c.weightDecay < 0 {
		return nil, errors.Errorf("Adam: invalid epsilon=%g, learning rate=%g or weight decay=%g",
			c.epsilon, c.learningRate, c.weightDecay)
	}
	o := &AdamOptimizer{config: *c, params: params}
	o.moment1 = make([][]float32, len(params))
	o.moment2 = make([][]float32, len(params))
	for ii, p := range params {
		o.moment1[ii] = make([]float32, len(p.Value()))
		o.moment2[ii] = make([]float32, len(p.Value()))
	}
	return o, nil
}

// AdamOptimizer implements model.Optimizer.
type AdamOptimizer struct {
	config AdamConfig
	params []model.Parameter

	step             int64
	moment1, moment2 [][]float32
}

var _ model.Optimizer = (*AdamOptimizer)(nil)

// LearningRate currently set.
func (o *AdamOptimizer) LearningRate() float64 {
	return o.config.learningRate
}

// SetLearningRate implements model.Optimizer.
func (o *AdamOptimizer) SetLearningRate(lr float64) {
	o.config.learningRate = lr
}

// ZeroGrad implements model.Optimizer.
func (o *AdamOptimizer) ZeroGrad() {
	for _, p := range o.params {
		clear(p.Grad())
	}
}

// NumSteps taken so far.
func (o *AdamOptimizer) NumSteps() int64 {
	return o.step
}

// Step implements model.Optimizer.
func (o *AdamOptimizer) Step() error {
	o.step++
	cfg := &o.config
	debias1 := 1 / (1 - math.Pow(cfg.beta1, float64(o.step)))
	debias2 := 1 / (1 - math.Pow(cfg.beta2, float64(o.step)))
	for ii, p := range o.params {
		value, grad := p.Value(), p.Grad()
		if len(grad) != len(value) {
			return errors.Errorf("Adam: parameter %q has %d values but %d gradients", p.Name(), len(value), len(grad))
		}
		m1, m2 := o.moment1[ii], o.moment2[ii]
		for jj, g := range grad {
			g64 := float64(g)
			m1[jj] = float32(cfg.beta1*float64(m1[jj]) + (1-cfg.beta1)*g64)
			m2[jj] = float32(cfg.beta2*float64(m2[jj]) + (1-cfg.beta2)*g64*g64)
			update := debias1 * float64(m1[jj]) / (math.Sqrt(debias2*float64(m2[jj])) + cfg.epsilon)
			if cfg.weightDecay > 0 {
				update += cfg.weightDecay * float64(value[jj])
			}
			value[jj] -= float32(cfg.learningRate * update)
		}
	}
	return nil
}

const (
	adamStepKey    = "adam/step"
	adamMoment1Key = "adam/m/"
	adamMoment2Key = "adam/v/"
)

// StateDict implements model.Optimizer.
func (o *AdamOptimizer) StateDict() model.StateDict {
	state := make(model.StateDict, 2*len(o.params)+1)
	state[adamStepKey] = tensors.FromValues([]int64{o.step}, 1)
	for ii, p := range o.params {
		state[adamMoment1Key+p.Name()] = momentTensor(o.moment1[ii])
		state[adamMoment2Key+p.Name()] = momentTensor(o.moment2[ii])
	}
	return state
}

func momentTensor(moment []float32) *tensors.Tensor {
	t := tensors.FromShape(len(moment))
	copy(t.Data(), moment)
	return t
}

// LoadStateDict implements model.Optimizer.
func (o *AdamOptimizer) LoadStateDict(state model.StateDict) error {
	stepTensor, found := state[adamStepKey]
	if !found || stepTensor.Size() != 1 {
		return errors.Errorf("Adam state is missing %q", adamStepKey)
	}
	if len(state) != 2*len(o.params)+1 {
		return errors.Errorf("Adam state has %d entries, want %d", len(state), 2*len(o.params)+1)
	}
	for ii, p := range o.params {
		for _, key := range []string{adamMoment1Key + p.Name(), adamMoment2Key + p.Name()} {
			t, found := state[key]
			if !found {
				return errors.Errorf("Adam state is missing %q", key)
			}
			if t.Size() != len(o.moment1[ii]) {
				return errors.Errorf("Adam state %q has %d values, want %d", key, t.Size(), len(o.moment1[ii]))
			}
		}
	}
	o.step = int64(stepTensor.Data()[0])
	for ii, p := range o.params {
		copy(o.moment1[ii], state[adamMoment1Key+p.Name()].Data())
		copy(o.moment2[ii], state[adamMoment2Key+p.Name()].Data())
	}
	return nil
}
