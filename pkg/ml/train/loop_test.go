// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/checkpoints"
	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/metrics"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"github.com/speech2face/flowtrain/pkg/ml/train/schedules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNumClasses = 3

type fakeParam struct {
	name        string
	value, grad []float32
}

func (p *fakeParam) Name() string     { return p.name }
func (p *fakeParam) Value() []float32 { return p.value }
func (p *fakeParam) Grad() []float32  { return p.grad }

// fakeModel counts the calls the loop makes, and returns a constant negative log-likelihood.
type fakeModel struct {
	params      []*fakeParam
	mode        model.Mode
	gradEnabled bool

	nll       float64
	gradValue float32
	withHead  bool

	// panicAtForward makes the n-th call to Forward panic, 0 disables it.
	panicAtForward int

	initCalls, parallelizeCalls, forwardCalls, noGradForwards, backwardCalls int
	initBatchSize                                                             int
	lastReverse                                                               model.ReverseInputs
	lastForward                                                               model.ForwardInputs
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		params: []*fakeParam{
			{name: "w", value: []float32{1, 1, 1, 1}, grad: make([]float32, 4)},
			{name: "b", value: []float32{0, 0}, grad: make([]float32, 2)},
		},
		mode:        model.Eval,
		gradEnabled: true,
		nll:         1,
		gradValue:   0.5,
	}
}

func (m *fakeModel) SetMode(mode model.Mode) { m.mode = mode }

func (m *fakeModel) Initialize(inputs model.ForwardInputs) error {
	m.initCalls++
	m.initBatchSize = inputs.X.BatchSize()
	return nil
}

func (m *fakeModel) Forward(inputs model.ForwardInputs) (*model.ForwardOutputs, error) {
	m.forwardCalls++
	m.lastForward = inputs
	if m.forwardCalls == m.panicAtForward {
		exceptions.Panicf("boom at forward #%d", m.forwardCalls)
	}
	if !m.gradEnabled {
		m.noGradForwards++
	}
	batchSize := inputs.X.BatchSize()
	outputs := &model.ForwardOutputs{Z: inputs.X.Clone(), NLL: make([]float64, batchSize)}
	for ii := range outputs.NLL {
		outputs.NLL[ii] = m.nll
	}
	if m.withHead && inputs.OneHot != nil {
		outputs.Logits = tensors.FromShape(batchSize, testNumClasses)
	}
	return outputs, nil
}

func (m *fakeModel) Reverse(inputs model.ReverseInputs) (*tensors.Tensor, error) {
	m.lastReverse = inputs
	return tensors.FromShape(inputs.Conditioning.BatchSize(), 2, 3, 1), nil
}

func (m *fakeModel) Backward(model.LossGradients) error {
	if !m.gradEnabled {
		return errors.New("backward with gradients disabled")
	}
	m.backwardCalls++
	for _, p := range m.params {
		for ii := range p.grad {
			p.grad[ii] = m.gradValue
		}
	}
	return nil
}

func (m *fakeModel) ZeroGrad() {
	for _, p := range m.params {
		clear(p.grad)
	}
}

func (m *fakeModel) NamedParameters() []model.Parameter {
	params := make([]model.Parameter, len(m.params))
	for ii, p := range m.params {
		params[ii] = p
	}
	return params
}

func (m *fakeModel) StateDict() model.StateDict { return model.ParametersState(m.NamedParameters()) }

func (m *fakeModel) LoadStateDict(state model.StateDict) error {
	return model.LoadParametersState(m.NamedParameters(), state)
}

func (m *fakeModel) SetGradEnabled(enabled bool) (previous bool) {
	previous = m.gradEnabled
	m.gradEnabled = enabled
	return
}

func (m *fakeModel) Parallelize(devices []string) (model.Model, error) {
	m.parallelizeCalls++
	return &fakeParallel{fakeModel: m, devices: devices}, nil
}

type fakeParallel struct {
	*fakeModel
	devices []string
}

// plainModel hides the Parallelize method of the model it wraps.
type plainModel struct {
	model.Model
}

type fakeOptimizer struct {
	rates            []float64
	steps, zeroGrads int
}

func (o *fakeOptimizer) SetLearningRate(lr float64) { o.rates = append(o.rates, lr) }
func (o *fakeOptimizer) ZeroGrad()                  { o.zeroGrads++ }

func (o *fakeOptimizer) Step() error {
	o.steps++
	return nil
}

func (o *fakeOptimizer) StateDict() model.StateDict {
	return model.StateDict{"fake/steps": tensors.FromValues([]int{o.steps}, 1)}
}

func (o *fakeOptimizer) LoadStateDict(state model.StateDict) error {
	t, found := state["fake/steps"]
	if !found {
		return errors.New("missing fake/steps")
	}
	o.steps = int(t.Data()[0])
	return nil
}

type fakeRenderer struct {
	paths   []string
	samples []*tensors.Tensor
}

func (r *fakeRenderer) Extension() string { return ".png" }

func (r *fakeRenderer) Render(path string, sample *tensors.Tensor, _, _ string, _ *tensors.Tensor) error {
	r.paths = append(r.paths, path)
	r.samples = append(r.samples, sample)
	return nil
}

// unsizedDataset hides the Len method of the dataset it wraps.
type unsizedDataset struct {
	data.Dataset
}

func makeExamples(n int, withLabels bool) []data.Example {
	examples := make([]data.Example, n)
	for ii := range examples {
		e := data.Example{
			data.FieldX:             tensors.FromValues([]float32{float32(ii), 1, 2, 3, 4, 5}, 2, 3, 1),
			data.FieldAudioFeatures: tensors.FromValues([]float32{0.1, 0.2, 0.3, float32(ii)}, 4),
			data.FieldAudioPath:     fmt.Sprintf("audio-%d.wav", ii),
		}
		if withLabels {
			oneHot := make([]float32, testNumClasses)
			oneHot[ii%testNumClasses] = 1
			e[data.FieldYOneHot] = tensors.FromValues(oneHot, testNumClasses)
			e[data.FieldY] = ii % testNumClasses
		}
		examples[ii] = e
	}
	return examples
}

func makeDataset(t *testing.T, name string, n, batchSize int, withLabels bool) *data.InMemoryDataset {
	ds, err := data.InMemory(name, makeExamples(n, withLabels))
	require.NoError(t, err)
	return ds.BatchSize(batchSize, false)
}

func firstBatch(t *testing.T, ds data.Dataset) data.Batch {
	batch, err := ds.Yield()
	require.NoError(t, err)
	ds.Reset()
	return batch
}

func testConfig() Config {
	return Config{
		Devices:        []string{"cpu"},
		DataDevice:     "cpu",
		BatchSize:      2,
		NumBatches:     6,
		NumEpochs:      1,
		MaxCheckpoints: 3,
		WeightY:        0.5,
		Criterion:      MultiClasses,
		YClasses:       testNumClasses,
		NoiseScale:     1,
		Schedule:       schedules.Params{Kind: schedules.Constant, BaseRate: 0.01},
	}
}

func TestBuildValidation(t *testing.T) {
	trainDS := makeDataset(t, "train", 4, 2, false)
	newLoop := func(cfg Config, m model.Model, configure func(b *Builder)) error {
		b := Build(cfg, m, &fakeOptimizer{}).Datasets(trainDS, nil)
		if configure != nil {
			configure(b)
		}
		_, err := b.Done()
		return err
	}

	require.NoError(t, newLoop(testConfig(), newFakeModel(), nil))

	err := newLoop(testConfig(), nil, nil)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	cfg := testConfig()
	cfg.CheckpointInterval = 10
	err = newLoop(cfg, newFakeModel(), nil)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err), "checkpoints without a handler: %v", err)

	cfg = testConfig()
	cfg.InferenceInterval = 10
	err = newLoop(cfg, newFakeModel(), func(b *Builder) { b.Renderer(&fakeRenderer{}).LogDir(t.TempDir()) })
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err), "generation without validation data: %v", err)

	err = newLoop(cfg, newFakeModel(), func(b *Builder) { b.Datasets(trainDS, trainDS).LogDir(t.TempDir()) })
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err), "generation without renderer: %v", err)

	cfg = testConfig()
	cfg.Devices = []string{"cpu:0", "cpu:1"}
	err = newLoop(cfg, plainModel{newFakeModel()}, nil)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err), "multiple devices without a parallelizable model: %v", err)
	require.NoError(t, newLoop(cfg, newFakeModel(), nil))

	err = newLoop(testConfig(), newFakeModel(), func(b *Builder) { b.LoadedStep(-1) })
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	cfg = testConfig()
	cfg.BatchSize = 0
	err = newLoop(cfg, newFakeModel(), nil)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestRun(t *testing.T) {
	m := newFakeModel()
	opt := &fakeOptimizer{}
	recorder := &metrics.Recorder{}
	// 5 examples in batches of 2: 3 batches per epoch, so 6 batches take 2 epochs.
	loop, err := Build(testConfig(), m, opt).
		Datasets(makeDataset(t, "train", 5, 2, false), nil).
		Sink(recorder).
		Done()
	require.NoError(t, err)
	assert.Equal(t, 2, loop.NumEpochs())

	var steps []int64
	loop.OnStep("collect", 0, func(loop *Loop, metrics *StepMetrics) error {
		steps = append(steps, metrics.Step)
		assert.Equal(t, loop.GlobalStep(), metrics.Step)
		return nil
	})
	var endCalls int
	loop.OnEnd("end", 0, func(_ *Loop, metrics *StepMetrics) error {
		endCalls++
		require.NotNil(t, metrics)
		assert.Equal(t, int64(5), metrics.Step)
		return nil
	})
	require.NoError(t, loop.Run())

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, steps)
	assert.Equal(t, int64(6), loop.GlobalStep())
	assert.Equal(t, int64(6), loop.EndStep)
	assert.Equal(t, 1, endCalls)
	assert.Equal(t, 1, m.initCalls)
	assert.Equal(t, 2, m.initBatchSize)
	assert.Equal(t, 6, m.backwardCalls)
	assert.Equal(t, model.Eval, m.mode)
	assert.Equal(t, 6, opt.steps)
	assert.Len(t, opt.rates, 6)
	for _, rate := range opt.rates {
		assert.InDelta(t, 0.01, rate, 1e-12)
	}
	assert.Len(t, loop.TrainStepDurations, 6)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// The sink is closed exactly once.
	assert.Equal(t, 1, recorder.Closes)
	require.NoError(t, loop.Close())
	assert.Equal(t, 1, recorder.Closes)
}

func TestRunUnsized(t *testing.T) {
	cfg := testConfig()
	cfg.NumEpochs = 2
	loop, err := Build(cfg, newFakeModel(), &fakeOptimizer{}).
		Datasets(unsizedDataset{makeDataset(t, "train", 4, 2, false)}, nil).
		Done()
	require.NoError(t, err)
	assert.Equal(t, 2, loop.NumEpochs())
	var endSteps []int64
	loop.OnStep("end_step", 0, func(loop *Loop, _ *StepMetrics) error {
		endSteps = append(endSteps, loop.EndStep)
		return nil
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, int64(4), loop.GlobalStep())
	// Unknown during the first epoch, then extrapolated.
	assert.Equal(t, []int64{-1, -1, 4, 4}, endSteps)
}

func TestResume(t *testing.T) {
	m := newFakeModel()
	cfg := testConfig()
	cfg.NumBatches = 3
	loop, err := Build(cfg, m, &fakeOptimizer{}).
		Datasets(makeDataset(t, "train", 6, 2, false), nil).
		LoadedStep(10).
		Done()
	require.NoError(t, err)
	assert.Equal(t, int64(10), loop.GlobalStep())

	var steps []int64
	loop.OnStep("collect", 0, func(_ *Loop, metrics *StepMetrics) error {
		steps = append(steps, metrics.Step)
		return nil
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []int64{10, 11, 12}, steps)
	assert.Equal(t, int64(10), loop.StartStep)
	assert.Equal(t, int64(13), loop.EndStep)
	assert.Equal(t, 0, m.initCalls, "initialization must be skipped when resuming")
}

func TestParallelInstalledOnce(t *testing.T) {
	m := newFakeModel()
	cfg := testConfig()
	cfg.Devices = []string{"cpu:0", "cpu:1"}
	ds := makeDataset(t, "train", 4, 2, false)
	loop, err := Build(cfg, m, &fakeOptimizer{}).Datasets(ds, nil).Done()
	require.NoError(t, err)
	assert.False(t, loop.Handle().IsParallel())

	batch := firstBatch(t, ds)
	for range 3 {
		_, err = loop.Step(batch)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.parallelizeCalls)
	assert.True(t, loop.Handle().IsParallel())
	assert.Equal(t, []string{"cpu:0", "cpu:1"}, loop.Handle().Devices())
	wrapped, ok := loop.Model().(*fakeParallel)
	require.True(t, ok)
	assert.Equal(t, cfg.Devices, wrapped.devices)
	assert.Same(t, m, loop.Handle().Base())

	// Initialization on the per-device sub-batch, before wrapping.
	assert.Equal(t, 1, m.initCalls)
	assert.Equal(t, 1, m.initBatchSize)
}

func TestMissingLabels(t *testing.T) {
	for _, criterion := range []string{MultiClasses, SingleClass} {
		t.Run(criterion, func(t *testing.T) {
			m := newFakeModel()
			opt := &fakeOptimizer{}
			cfg := testConfig()
			cfg.YCondition = true
			cfg.Criterion = criterion
			ds := makeDataset(t, "train", 4, 2, false)
			loop, err := Build(cfg, m, opt).Datasets(ds, nil).Done()
			require.NoError(t, err)

			_, err = loop.Step(firstBatch(t, ds))
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err), "got %v", err)
			assert.Equal(t, int64(0), loop.GlobalStep())
			assert.Empty(t, opt.rates)
			assert.Zero(t, opt.steps)
			assert.Zero(t, opt.zeroGrads)
			assert.Zero(t, m.initCalls)
			assert.Zero(t, m.forwardCalls)
		})
	}
}

func TestClassConditioning(t *testing.T) {
	for _, criterion := range []string{MultiClasses, SingleClass} {
		t.Run(criterion, func(t *testing.T) {
			m := newFakeModel()
			m.withHead = true
			cfg := testConfig()
			cfg.YCondition = true
			cfg.Criterion = criterion
			cfg.ScalarLogInterval = 1
			cfg.DataDevice = "cuda:1"
			recorder := &metrics.Recorder{}
			ds := makeDataset(t, "train", 4, 2, true)
			loop, err := Build(cfg, m, &fakeOptimizer{}).Datasets(ds, nil).Sink(recorder).Done()
			require.NoError(t, err)

			_, err = loop.Step(firstBatch(t, ds))
			require.NoError(t, err)
			stepMetrics := loop.LastMetrics()
			require.NotNil(t, stepMetrics)
			// Zero logits: the loss is log(K) for cross-entropy, log(2) for the binary one.
			want := math.Log(2)
			if criterion == SingleClass {
				want = math.Log(testNumClasses)
			}
			assert.InDelta(t, want, stepMetrics.LossClasses, 1e-6)
			assert.InDelta(t, 1+0.5*want, stepMetrics.Loss, 1e-6)
			assert.Len(t, recorder.Find(MetricLossClasses), 1)

			// Labels, given or built from class indices, are on the data device.
			require.NotNil(t, m.lastForward.OneHot)
			assert.Equal(t, "cuda:1", m.lastForward.OneHot.Device())
			assert.Equal(t, []int{2, testNumClasses}, m.lastForward.OneHot.Shape())
		})
	}
}

func TestCheckpointCadenceAndRetention(t *testing.T) {
	dir := t.TempDir()
	handler, err := checkpoints.Build(dir).Keep(3).Done()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.CheckpointInterval = 1000
	opt := &fakeOptimizer{}
	ds := makeDataset(t, "train", 4, 2, false)
	loop, err := Build(cfg, newFakeModel(), opt).Datasets(ds, nil).Checkpoints(handler).Done()
	require.NoError(t, err)

	var saved []int64
	loop.OnStep("checkpoints", 0, func(_ *Loop, metrics *StepMetrics) error {
		if metrics.CheckpointID != "" {
			saved = append(saved, metrics.Step)
		}
		return nil
	})

	batch := firstBatch(t, ds)
	_, err = loop.Step(batch)
	require.NoError(t, err)
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Empty(t, list, "no checkpoint at step 0")

	for loop.GlobalStep() <= 4000 {
		_, err = loop.Step(batch)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1000, 2000, 3000, 4000}, saved)

	list, err = handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 3)
	for ii, step := range []int64{2000, 3000, 4000} {
		assert.True(t, strings.HasSuffix(list[ii], fmt.Sprintf("-step-%08d", step)), "checkpoint %q", list[ii])
	}

	state, err := handler.Load(checkpoints.Best)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), state.Step)
	assert.Equal(t, []string{"b", "w"}, state.Model.Keys())
	require.Contains(t, state.Optimizer, "fake/steps")
	assert.Equal(t, float32(4001), state.Optimizer["fake/steps"].Data()[0])
}

func TestGeneration(t *testing.T) {
	logDir := t.TempDir()
	m := newFakeModel()
	m.withHead = true
	cfg := testConfig()
	cfg.YCondition = true
	cfg.InferenceInterval = 500
	cfg.VideoURL = "http://localhost:8000/"
	recorder := &metrics.Recorder{}
	renderer := &fakeRenderer{}
	trigger := NewChannelTrigger()
	ds := makeDataset(t, "train", 4, 2, true)
	loop, err := Build(cfg, m, &fakeOptimizer{}).
		Datasets(ds, makeDataset(t, "validation", 3, 2, true)).
		Renderer(renderer).
		LogDir(logDir).
		Sink(recorder).
		Trigger(trigger).
		LoadedStep(499).
		Done()
	require.NoError(t, err)

	batch := firstBatch(t, ds)
	for range 3 { // Steps 499, 500 and 501.
		_, err = loop.Step(batch)
		require.NoError(t, err)
	}
	wantPath := filepath.Join(logDir, "samples", "0000500-0.png")
	require.Equal(t, []string{wantPath}, renderer.paths)
	assert.Equal(t, []int{3, 2, 1}, renderer.samples[0].Shape())
	assert.Equal(t, 2, m.lastReverse.OneHot.BatchSize(), "training labels used for generation")
	assert.Equal(t, 1.0, m.lastReverse.NoiseScale)
	texts := recorder.Find("video")
	require.Len(t, texts, 1)
	assert.Equal(t, "http://localhost:8000/"+wantPath, texts[0].Text)
	assert.Equal(t, int64(500), texts[0].Step)
	assert.True(t, m.gradEnabled, "gradient tracking restored after generation")

	// On-demand generation, at a step outside the interval, and only once.
	trigger.Request()
	trigger.Request()
	for range 2 { // Steps 502 and 503.
		_, err = loop.Step(batch)
		require.NoError(t, err)
	}
	require.Len(t, renderer.paths, 2)
	assert.Equal(t, filepath.Join(logDir, "samples", "0000502-0.png"), renderer.paths[1])
	pending, err := trigger.Pending()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestGenerationFileTrigger(t *testing.T) {
	logDir := t.TempDir()
	cfg := testConfig()
	renderer := &fakeRenderer{}
	trigger := NewFileTrigger(logDir)
	ds := makeDataset(t, "train", 4, 2, false)
	loop, err := Build(cfg, newFakeModel(), &fakeOptimizer{}).
		Datasets(ds, makeDataset(t, "validation", 2, 2, false)).
		Renderer(renderer).
		LogDir(logDir).
		Trigger(trigger).
		Done()
	require.NoError(t, err)

	batch := firstBatch(t, ds)
	_, err = loop.Step(batch)
	require.NoError(t, err)
	assert.Empty(t, renderer.paths)

	require.NoError(t, os.WriteFile(trigger.Path, nil, 0o644))
	_, err = loop.Step(batch)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(logDir, "samples", "0000001-0.png")}, renderer.paths)
	_, err = os.Stat(trigger.Path)
	assert.True(t, os.IsNotExist(err), "trigger file should be removed")

	_, err = loop.Step(batch)
	require.NoError(t, err)
	assert.Len(t, renderer.paths, 1)
}

func TestValidation(t *testing.T) {
	m := newFakeModel()
	cfg := testConfig()
	cfg.ValidationInterval = 2
	recorder := &metrics.Recorder{}
	ds := makeDataset(t, "train", 4, 2, false)
	loop, err := Build(cfg, m, &fakeOptimizer{}).
		Datasets(ds, makeDataset(t, "validation", 3, 2, false)).
		Sink(recorder).
		Done()
	require.NoError(t, err)

	var validationLosses []float64
	loop.OnStep("validation", 0, func(_ *Loop, metrics *StepMetrics) error {
		validationLosses = append(validationLosses, metrics.ValidationLoss)
		return nil
	})
	batch := firstBatch(t, ds)
	for range 4 {
		_, err = loop.Step(batch)
		require.NoError(t, err)
	}
	points := recorder.Find(MetricValidationLossGenerate)
	require.Len(t, points, 2)
	assert.Equal(t, int64(0), points[0].Step)
	assert.Equal(t, int64(2), points[1].Step)
	assert.InDelta(t, 1.0, points[0].Value, 1e-9)
	assert.InDelta(t, 1.0, validationLosses[0], 1e-9)
	assert.True(t, math.IsNaN(validationLosses[1]))
	// 2 validation batches, twice, all without gradient tracking.
	assert.Equal(t, 4, m.noGradForwards)
}

func TestScalarLogging(t *testing.T) {
	m := newFakeModel()
	cfg := testConfig()
	cfg.ScalarLogInterval = 2
	cfg.MaxGradClip = 0.25
	cfg.MaxGradNorm = 100
	recorder := &metrics.Recorder{}
	ds := makeDataset(t, "train", 4, 2, false)
	loop, err := Build(cfg, m, &fakeOptimizer{}).Datasets(ds, nil).Sink(recorder).Done()
	require.NoError(t, err)

	batch := firstBatch(t, ds)
	for range 3 {
		_, err = loop.Step(batch)
		require.NoError(t, err)
	}
	for _, name := range []string{MetricLearningRate, MetricLossGenerative, MetricGradNorm, "w", "b"} {
		points := recorder.Find(name)
		require.Len(t, points, 2, "metric %q", name)
		assert.Equal(t, int64(0), points[0].Step)
		assert.Equal(t, int64(2), points[1].Step)
	}
	assert.Empty(t, recorder.Find(MetricLossClasses))

	// Gradients are clipped by value before the norm is taken.
	wantNorm := 0.25 * math.Sqrt(6)
	assert.InDelta(t, wantNorm, recorder.Find(MetricGradNorm)[0].Value, 1e-6)
	assert.InDelta(t, wantNorm, loop.LastMetrics().GradNorm, 1e-6)
	for _, p := range m.params {
		for _, g := range p.grad {
			assert.Equal(t, float32(0.25), g)
		}
	}
}

func TestStepErrors(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		m := newFakeModel()
		m.panicAtForward = 2
		ds := makeDataset(t, "train", 4, 2, false)
		loop, err := Build(testConfig(), m, &fakeOptimizer{}).Datasets(ds, nil).Done()
		require.NoError(t, err)
		batch := firstBatch(t, ds)
		_, err = loop.Step(batch)
		require.NoError(t, err)
		var nextStep int64
		require.NotPanics(t, func() { nextStep, err = loop.Step(batch) })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, int64(1), nextStep)
		assert.Equal(t, int64(1), loop.GlobalStep())
	})

	t.Run("nan", func(t *testing.T) {
		for _, nll := range []float64{math.NaN(), math.Inf(1)} {
			dir := t.TempDir()
			handler, err := checkpoints.Build(dir).Keep(1).Done()
			require.NoError(t, err)
			cfg := testConfig()
			cfg.CheckpointInterval = 1
			m := newFakeModel()
			m.nll = nll
			opt := &fakeOptimizer{}
			ds := makeDataset(t, "train", 4, 2, false)
			loop, err := Build(cfg, m, opt).Datasets(ds, nil).Checkpoints(handler).LoadedStep(1).Done()
			require.NoError(t, err)
			var hookCalls int
			loop.OnStep("count", 0, func(*Loop, *StepMetrics) error {
				hookCalls++
				return nil
			})
			nextStep, err := loop.Step(firstBatch(t, ds))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "training interrupted")
			assert.Equal(t, int64(1), nextStep)
			assert.Equal(t, int64(1), loop.GlobalStep())

			// Nothing downstream of the loss was touched.
			assert.Zero(t, m.backwardCalls)
			assert.Zero(t, opt.steps)
			assert.Zero(t, hookCalls)
			assert.Equal(t, []float32{1, 1, 1, 1}, m.params[0].value)
			list, err := handler.ListCheckpoints()
			require.NoError(t, err)
			assert.Empty(t, list)
		}
	})

	t.Run("run", func(t *testing.T) {
		m := newFakeModel()
		m.panicAtForward = 3
		recorder := &metrics.Recorder{}
		loop, err := Build(testConfig(), m, &fakeOptimizer{}).
			Datasets(makeDataset(t, "train", 4, 2, false), nil).
			Sink(recorder).
			Done()
		require.NoError(t, err)
		var endMetrics *StepMetrics
		loop.OnEnd("end", 0, func(_ *Loop, metrics *StepMetrics) error {
			endMetrics = metrics
			return nil
		})
		err = loop.Run()
		require.Error(t, err)
		assert.Equal(t, 1, recorder.Closes)
		require.NotNil(t, endMetrics)
		assert.Equal(t, int64(1), endMetrics.Step)
	})

	t.Run("hook", func(t *testing.T) {
		ds := makeDataset(t, "train", 4, 2, false)
		loop, err := Build(testConfig(), newFakeModel(), &fakeOptimizer{}).Datasets(ds, nil).Done()
		require.NoError(t, err)
		loop.OnStep("failing", 0, func(*Loop, *StepMetrics) error { return errors.New("hook failed") })
		_, err = loop.Step(firstBatch(t, ds))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"failing"`)
		assert.Equal(t, int64(0), loop.GlobalStep())
	})
}

func TestHooks(t *testing.T) {
	loop, err := Build(testConfig(), newFakeModel(), &fakeOptimizer{}).
		Datasets(makeDataset(t, "train", 12, 2, false), nil).
		Done()
	require.NoError(t, err)

	var order []string
	loop.OnStart("start", 0, func(_ *Loop, ds data.Dataset) error {
		order = append(order, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 1, func(_ *Loop, metrics *StepMetrics) error {
		if metrics.Step == 0 {
			order = append(order, "second")
		}
		return nil
	})
	loop.OnStep("first", -1, func(_ *Loop, metrics *StepMetrics) error {
		if metrics.Step == 0 {
			order = append(order, "first")
		}
		return nil
	})

	var everyTwo, nTimes []int64
	EveryNSteps(loop, 2, "every_two", 0, func(loop *Loop, _ *StepMetrics) error {
		everyTwo = append(everyTwo, loop.GlobalStep())
		return nil
	})
	NTimesDuringLoop(loop, 3, "n_times", 0, func(loop *Loop, _ *StepMetrics) error {
		nTimes = append(nTimes, loop.GlobalStep())
		return nil
	})
	require.NoError(t, loop.Run())

	assert.Equal(t, []string{"start:train", "first", "second"}, order)
	assert.Equal(t, []int64{0, 2, 4}, everyTwo)
	require.NotEmpty(t, nTimes)
	assert.LessOrEqual(t, len(nTimes), 4)
	assert.Equal(t, int64(5), nTimes[len(nTimes)-1], "last step always included")

	assert.Panics(t, func() { EveryNSteps(loop, 0, "invalid", 0, nil) })
}
