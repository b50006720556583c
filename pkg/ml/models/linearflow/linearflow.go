// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linearflow implements a small conditional normalizing flow, used to exercise the
// training loop end to end: a data-initialized ActNorm layer followed by a conditional affine
// coupling to the audio features and class labels, plus an optional linear classification head
// on the latent code.
//
// For one example with flattened input x (D values), audio features c and one-hot labels y:
//
//	h = (x + a) * exp(s)            // ActNorm
//	z = h - (W·c + U·y + b)          // conditional shift
//	nll = (½·Σz² + ½·D·log(2π) - Σs) / D
//	logits = P·z + q
//
// All gradients are computed analytically.
package linearflow

import (
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"k8s.io/klog/v2"
)

// Config of the model.
type Config struct {
	// InputShape is the shape of one example of the primary input, e.g.: [C, T, 1].
	InputShape []int

	// ConditioningSize is the number of audio features of one example (flattened).
	ConditioningSize int

	// NumClasses of the labels, 0 if not class-conditioned.
	NumClasses int

	// LearnTop adds the classification head.
	LearnTop bool

	// Seed for the parameters initialization and for sampling.
	Seed int64
}

// Param is a trainable parameter, implements model.Parameter.
type Param struct {
	name        string
	shape       []int
	value, grad []float32
}

func newParam(name string, dims ...int) *Param {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return &Param{name: name, shape: dims, value: make([]float32, size), grad: make([]float32, size)}
}

func (p *Param) Name() string     { return p.name }
func (p *Param) Value() []float32 { return p.value }
func (p *Param) Grad() []float32  { return p.grad }

// Shape of the parameter.
func (p *Param) Shape() []int { return slices.Clone(p.shape) }

// Model implements model.Model, model.Parallelizable and model.GradientTracker.
type Model struct {
	config Config
	dim    int // D, the flattened input size.

	// ActNorm.
	actBias, actLogScale *Param
	actInitialized       bool

	// Conditioning.
	condW, classU, bias *Param

	// Classification head.
	headP, headQ *Param

	mode        model.Mode
	gradEnabled bool

	// Cached from the last Forward, for Backward.
	cache *forwardCache

	muRng sync.Mutex
	rng   *rand.Rand
}

var (
	_ model.Model           = (*Model)(nil)
	_ model.Parallelizable  = (*Model)(nil)
	_ model.GradientTracker = (*Model)(nil)
)

// New creates a new model. Conditioning weights are initialized with small random values.
func New(config Config) (*Model, error) {
	if len(config.InputShape) == 0 {
		return nil, errors.New("linearflow: InputShape must be given")
	}
	if config.ConditioningSize < 0 || config.NumClasses < 0 {
		return nil, errors.Errorf("linearflow: invalid ConditioningSize=%d or NumClasses=%d",
			config.ConditioningSize, config.NumClasses)
	}
	if config.LearnTop && config.NumClasses == 0 {
		return nil, errors.New("linearflow: LearnTop requires NumClasses > 0")
	}
	dim := 1
	for _, d := range config.InputShape {
		dim *= d
	}
	m := &Model{
		config:      config,
		dim:         dim,
		actBias:     newParam("actnorm/bias", dim),
		actLogScale: newParam("actnorm/logs", dim),
		condW:       newParam("cond/w", dim, config.ConditioningSize),
		classU:      newParam("cond/u", dim, config.NumClasses),
		bias:        newParam("cond/b", dim),
		gradEnabled: true,
		rng:         rand.New(rand.NewSource(config.Seed)),
	}
	if config.LearnTop {
		m.headP = newParam("head/p", config.NumClasses, dim)
		m.headQ = newParam("head/q", config.NumClasses)
	}
	scale := 0.01
	for _, p := range []*Param{m.condW, m.classU, m.headP} {
		if p == nil {
			continue
		}
		for ii := range p.value {
			p.value[ii] = float32(m.rng.NormFloat64() * scale)
		}
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.config
}

// SetMode implements model.Model.
func (m *Model) SetMode(mode model.Mode) {
	m.mode = mode
}

// Mode returns the current mode.
func (m *Model) Mode() model.Mode {
	return m.mode
}

// SetGradEnabled implements model.GradientTracker.
func (m *Model) SetGradEnabled(enabled bool) (previous bool) {
	previous = m.gradEnabled
	m.gradEnabled = enabled
	if !enabled {
		m.cache = nil
	}
	return
}

// NamedParameters implements model.Model.
func (m *Model) NamedParameters() []model.Parameter {
	params := []model.Parameter{m.actBias, m.actLogScale, m.condW, m.classU, m.bias}
	if m.headP != nil {
		params = append(params, m.headP, m.headQ)
	}
	return params
}

const actInitializedKey = "actnorm/initialized"

// StateDict implements model.Model.
func (m *Model) StateDict() model.StateDict {
	state := model.ParametersState(m.NamedParameters())
	var initialized float32
	if m.actInitialized {
		initialized = 1
	}
	state[actInitializedKey] = tensors.FromValues([]float32{initialized}, 1)
	return state
}

// LoadStateDict implements model.Model.
func (m *Model) LoadStateDict(state model.StateDict) error {
	flag, found := state[actInitializedKey]
	if !found || flag.Size() != 1 {
		return errors.Errorf("linearflow: state is missing %q", actInitializedKey)
	}
	params := make(model.StateDict, len(state)-1)
	for key, t := range state {
		if key != actInitializedKey {
			params[key] = t
		}
	}
	if err := model.LoadParametersState(m.NamedParameters(), params); err != nil {
		return errors.WithMessage(err, "linearflow")
	}
	m.actInitialized = flag.Data()[0] != 0
	return nil
}

// ZeroGrad implements model.Model.
func (m *Model) ZeroGrad() {
	for _, p := range m.NamedParameters() {
		clear(p.Grad())
	}
}

// IsInitialized returns whether the data-dependent initialization was done.
func (m *Model) IsInitialized() bool {
	return m.actInitialized
}

// Initialize implements model.Model: ActNorm parameters are set so the sub-batch has zero mean
// and unit variance per dimension. Subsequent calls are no-ops.
func (m *Model) Initialize(inputs model.ForwardInputs) error {
	if m.actInitialized {
		klog.V(1).Infof("linearflow: already initialized, Initialize ignored")
		return nil
	}
	x, err := m.flatInput(inputs.X)
	if err != nil {
		return err
	}
	n := x.BatchSize()
	if n == 0 {
		return errors.New("linearflow: Initialize called with an empty batch")
	}
	data := x.Data()
	for d := range m.dim {
		var mean float64
		for i := range n {
			mean += float64(data[i*m.dim+d])
		}
		mean /= float64(n)
		var variance float64
		for i := range n {
			diff := float64(data[i*m.dim+d]) - mean
			variance += diff * diff
		}
		variance /= float64(n)
		m.actBias.value[d] = float32(-mean)
		m.actLogScale.value[d] = float32(math.Log(1 / (math.Sqrt(variance) + 1e-6)))
	}
	m.actInitialized = true
	klog.V(1).Infof("linearflow: ActNorm initialized from %d examples", n)
	return nil
}

// flatInput checks x matches the configured input shape, and returns it reshaped to [B, D].
func (m *Model) flatInput(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil {
		return nil, errors.New("linearflow: missing input")
	}
	shape := x.Shape()
	if len(shape) == 0 || !slices.Equal(shape[1:], m.config.InputShape) {
		return nil, errors.Errorf("linearflow: input shape %v doesn't match [B]+%v", shape, m.config.InputShape)
	}
	return tensors.FromData(x.Data(), shape[0], m.dim)
}

// flatConditioning returns the conditioning reshaped to [B, size], or an error if it doesn't match.
func flatConditioning(name string, t *tensors.Tensor, batchSize, size int) (*tensors.Tensor, error) {
	if size == 0 {
		return nil, nil
	}
	if t == nil {
		return nil, errors.Errorf("linearflow: missing %s", name)
	}
	if t.BatchSize() != batchSize || t.Size() != batchSize*size {
		return nil, errors.Errorf("linearflow: %s shape %v doesn't match batch size %d and %d features",
			name, t.Shape(), batchSize, size)
	}
	return tensors.FromData(t.Data(), batchSize, size)
}

// forwardCache holds the per-example values needed by Backward.
type forwardCache struct {
	h, z, c, y []float32 // [B, D], [B, D], [B, A], [B, K]
	batchSize  int
}

// shift returns W·c + U·y + b for example i.
func (m *Model) shift(c, y []float32, out []float32) {
	a, k := m.config.ConditioningSize, m.config.NumClasses
	for d := range m.dim {
		v := m.bias.value[d]
		w := m.condW.value[d*a : (d+1)*a]
		for j, cj := range c {
			v += w[j] * cj
		}
		if y != nil {
			u := m.classU.value[d*k : (d+1)*k]
			for j, yj := range y {
				v += u[j] * yj
			}
		}
		out[d] = v
	}
}

// forward computes the outputs and the cache for the given batch, without changing the model.
func (m *Model) forward(inputs model.ForwardInputs) (*model.ForwardOutputs, *forwardCache, error) {
	x, err := m.flatInput(inputs.X)
	if err != nil {
		return nil, nil, err
	}
	n := x.BatchSize()
	c, err := flatConditioning("audio features", inputs.Conditioning, n, m.config.ConditioningSize)
	if err != nil {
		return nil, nil, err
	}
	var y *tensors.Tensor
	if m.config.NumClasses > 0 && inputs.OneHot != nil {
		y, err = flatConditioning("labels", inputs.OneHot, n, m.config.NumClasses)
		if err != nil {
			return nil, nil, err
		}
	}
	cache := &forwardCache{
		h:         make([]float32, n*m.dim),
		z:         make([]float32, n*m.dim),
		batchSize: n,
	}
	if c != nil {
		cache.c = c.Data()
	}
	if y != nil {
		cache.y = y.Data()
	}
	out := &model.ForwardOutputs{
		Z:   tensors.FromShape(append([]int{n}, m.config.InputShape...)...),
		NLL: make([]float64, n),
	}
	var sumLogScale float64
	for _, s := range m.actLogScale.value {
		sumLogScale += float64(s)
	}
	const halfLog2Pi = 0.9189385332046727
	mu := make([]float32, m.dim)
	for i := range n {
		m.shift(cache.exampleC(i, m.config.ConditioningSize), cache.exampleY(i, m.config.NumClasses), mu)
		var sumSq float64
		for d := range m.dim {
			idx := i*m.dim + d
			h := (x.Data()[idx] + m.actBias.value[d]) * float32(math.Exp(float64(m.actLogScale.value[d])))
			z := h - mu[d]
			cache.h[idx], cache.z[idx] = h, z
			sumSq += float64(z) * float64(z)
		}
		out.NLL[i] = (0.5*sumSq + float64(m.dim)*halfLog2Pi - sumLogScale) / float64(m.dim)
	}
	copy(out.Z.Data(), cache.z)
	if m.headP != nil {
		k := m.config.NumClasses
		out.Logits = tensors.FromShape(n, k)
		logits := out.Logits.Data()
		for i := range n {
			z := cache.z[i*m.dim : (i+1)*m.dim]
			for j := range k {
				v := m.headQ.value[j]
				p := m.headP.value[j*m.dim : (j+1)*m.dim]
				for d, zd := range z {
					v += p[d] * zd
				}
				logits[i*k+j] = v
			}
		}
	}
	return out, cache, nil
}

func (c *forwardCache) exampleC(i, size int) []float32 {
	if c.c == nil {
		return nil
	}
	return c.c[i*size : (i+1)*size]
}

func (c *forwardCache) exampleY(i, size int) []float32 {
	if c.y == nil {
		return nil
	}
	return c.y[i*size : (i+1)*size]
}

// Forward implements model.Model. With gradients enabled, it keeps what Backward needs.
func (m *Model) Forward(inputs model.ForwardInputs) (*model.ForwardOutputs, error) {
	out, cache, err := m.forward(inputs)
	if err != nil {
		return nil, err
	}
	if m.gradEnabled {
		m.cache = cache
	}
	return out, nil
}

// Backward implements model.Model: it accumulates the gradients of the loss of the last Forward.
func (m *Model) Backward(grads model.LossGradients) error {
	if !m.gradEnabled {
		return errors.New("linearflow: Backward called with gradients disabled")
	}
	if m.cache == nil {
		return errors.New("linearflow: Backward called without a preceding Forward")
	}
	cache := m.cache
	m.cache = nil
	return m.backward(cache, grads)
}

func (m *Model) backward(cache *forwardCache, grads model.LossGradients) error {
	n := cache.batchSize
	if len(grads.NLL) != n {
		return errors.Errorf("linearflow: %d NLL gradients for a batch of %d", len(grads.NLL), n)
	}
	k := m.config.NumClasses
	var gLogits []float32
	if grads.Logits != nil {
		if m.headP == nil {
			return errors.New("linearflow: logits gradients given, but the model has no classification head")
		}
		if grads.Logits.Size() != n*k {
			return errors.Errorf("linearflow: logits gradients shape %v, want [%d, %d]", grads.Logits.Shape(), n, k)
		}
		gLogits = grads.Logits.Data()
	}
	a := m.config.ConditioningSize
	invDim := 1 / float64(m.dim)
	scale := make([]float64, m.dim)
	for d, s := range m.actLogScale.value {
		scale[d] = math.Exp(float64(s))
	}
	gz := make([]float64, m.dim)
	for i := range n {
		g := grads.NLL[i]
		z := cache.z[i*m.dim : (i+1)*m.dim]
		h := cache.h[i*m.dim : (i+1)*m.dim]
		for d := range m.dim {
			gz[d] = g * float64(z[d]) * invDim
		}
		if gLogits != nil {
			gl := gLogits[i*k : (i+1)*k]
			for j, glj := range gl {
				m.headQ.grad[j] += glj
				p := m.headP.value[j*m.dim : (j+1)*m.dim]
				pGrad := m.headP.grad[j*m.dim : (j+1)*m.dim]
				for d := range m.dim {
					pGrad[d] += glj * z[d]
					gz[d] += float64(glj * p[d])
				}
			}
		}
		c := cache.exampleC(i, a)
		y := cache.exampleY(i, k)
		for d := range m.dim {
			m.actBias.grad[d] += float32(gz[d] * scale[d])
			m.actLogScale.grad[d] += float32(gz[d]*float64(h[d]) - g*invDim)
			m.bias.grad[d] -= float32(gz[d])
			wGrad := m.condW.grad[d*a : (d+1)*a]
			for j, cj := range c {
				wGrad[j] -= float32(gz[d]) * cj
			}
			if y != nil {
				uGrad := m.classU.grad[d*k : (d+1)*k]
				for j, yj := range y {
					uGrad[j] -= float32(gz[d]) * yj
				}
			}
		}
	}
	return nil
}

// Reverse implements model.Model: it samples z ~ N(0, NoiseScale²) and inverts the flow.
func (m *Model) Reverse(inputs model.ReverseInputs) (*tensors.Tensor, error) {
	n := -1
	if inputs.Conditioning != nil {
		n = inputs.Conditioning.BatchSize()
	} else if inputs.OneHot != nil {
		n = inputs.OneHot.BatchSize()
	}
	if n < 0 {
		return nil, errors.New("linearflow: Reverse requires audio features or labels to know the batch size")
	}
	c, err := flatConditioning("audio features", inputs.Conditioning, n, m.config.ConditioningSize)
	if err != nil {
		return nil, err
	}
	var y *tensors.Tensor
	if m.config.NumClasses > 0 && inputs.OneHot != nil {
		if y, err = flatConditioning("labels", inputs.OneHot, n, m.config.NumClasses); err != nil {
			return nil, err
		}
	}
	cache := &forwardCache{}
	if c != nil {
		cache.c = c.Data()
	}
	if y != nil {
		cache.y = y.Data()
	}
	out := tensors.FromShape(append([]int{n}, m.config.InputShape...)...)
	data := out.Data()
	mu := make([]float32, m.dim)
	m.muRng.Lock()
	defer m.muRng.Unlock()
	for i := range n {
		m.shift(cache.exampleC(i, m.config.ConditioningSize), cache.exampleY(i, m.config.NumClasses), mu)
		for d := range m.dim {
			z := m.rng.NormFloat64() * inputs.NoiseScale
			h := z + float64(mu[d])
			x := h*math.Exp(-float64(m.actLogScale.value[d])) - float64(m.actBias.value[d])
			data[i*m.dim+d] = float32(x)
		}
	}
	return out, nil
}
