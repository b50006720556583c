// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training loop of a conditional normalizing flow: the per-step
// optimization protocol, the learning rate schedule, gradient clipping, and the periodic
// checkpointing, generation and validation side effects.
//
// Example:
//
//	loop, err := train.Build(config, model, optimizer).
//		Datasets(trainDS, validationDS).
//		LogDir(logDir).
//		Renderer(render.PreviewRenderer{}).
//		Sink(sink).
//		Checkpoints(checkpointsHandler).
//		Trigger(train.NewFileTrigger(".")).
//		Done()
//	if err != nil { ... }
//	commandline.AttachProgressBar(loop)
//	err = loop.Run()
package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/checkpoints"
	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/evaluation"
	"github.com/speech2face/flowtrain/pkg/ml/metrics"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"github.com/speech2face/flowtrain/pkg/ml/render"
	"github.com/speech2face/flowtrain/pkg/ml/train/schedules"
	"k8s.io/klog/v2"
)

// Names of the metrics logged by the loop.
const (
	MetricLearningRate           = "lr/lr"
	MetricLossGenerative         = "loss/loss_generative"
	MetricLossClasses            = "loss/loss_classes"
	MetricGradNorm               = "grad_norm/grad_norm"
	MetricValidationLossGenerate = "loss/validation_loss_generative"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepMetrics are the results of one training step, passed to the OnStep hooks.
type StepMetrics struct {
	// Step is the global step just executed.
	Step int64

	LearningRate float64

	// Loss is LossGenerative + LossClasses * Config.WeightY.
	Loss, LossGenerative, LossClasses float64

	// GradNorm is the global gradient norm before clipping, NaN if norm clipping is disabled.
	GradNorm float64

	// SamplePath is the path of the sample rendered in this step, if any.
	SamplePath string

	// ValidationLoss is NaN if not evaluated in this step.
	ValidationLoss float64

	// CheckpointID is the checkpoint saved in this step, if any.
	CheckpointID string

	Duration time.Duration
}

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds data.Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics *StepMetrics) error

// OnEndFn is the type of OnEnd hooks. metrics are those of the last step, nil if none was run.
type OnEndFn func(loop *Loop, metrics *StepMetrics) error

// Loop runs the training, one Step per batch, and calls the appropriate hooks.
//
// It owns the model (and its data-parallel wrapper), the optimizer and the step clock.
// It is not safe for concurrent use.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// StartStep is the global step at the start of Run.
	StartStep int64

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if the
	// training dataset doesn't implement data.Sized). After the first epoch, the value is extrapolated
	// based on how many steps have been run so far.
	EndStep int64

	// Epoch currently being run, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	config      Config
	handle      *model.Handle
	optimizer   model.Optimizer
	train       data.Dataset
	validation  data.Dataset
	evaluator   *evaluation.Runner
	sink        metrics.Sink
	checkpoints *checkpoints.Handler
	trigger     Trigger
	clock       *StepClock
	loadedStep  int64
	initialized bool

	lastMetrics *StepMetrics

	closeOnce sync.Once
	closeErr  error

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// Builder configures a Loop, see Build.
type Builder struct {
	loop     *Loop
	renderer render.Renderer
	logDir   string
	trigger  Trigger
}

// Build starts the configuration of a training loop for the given model and optimizer.
// Call Done to validate the configuration and get the Loop.
func Build(config Config, m model.Model, optimizer model.Optimizer) *Builder {
	loop := &Loop{
		config:     config,
		optimizer:  optimizer,
		sink:       metrics.Discard{},
		trigger:    noTrigger{},
		EndStep:    -1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	if m != nil {
		loop.handle = model.NewHandle(m)
	}
	return &Builder{loop: loop}
}

// Datasets sets the training dataset, and the held-out dataset used for generation and validation.
func (b *Builder) Datasets(train, validation data.Dataset) *Builder {
	b.loop.train = train
	b.loop.validation = validation
	return b
}

// Renderer used to write the generated samples.
func (b *Builder) Renderer(renderer render.Renderer) *Builder {
	b.renderer = renderer
	return b
}

// LogDir of the run: samples are rendered under its "samples" subdirectory.
func (b *Builder) LogDir(dir string) *Builder {
	b.logDir = dir
	return b
}

// Sink where metrics are logged. It is closed at the end of Run.
// If not set, metrics are discarded.
func (b *Builder) Sink(sink metrics.Sink) *Builder {
	b.loop.sink = sink
	return b
}

// Checkpoints handler used to save the model and optimizer state every Config.CheckpointInterval steps.
func (b *Builder) Checkpoints(handler *checkpoints.Handler) *Builder {
	b.loop.checkpoints = handler
	return b
}

// Trigger of on-demand generation passes. By default, there is none.
func (b *Builder) Trigger(trigger Trigger) *Builder {
	b.trigger = trigger
	return b
}

// LoadedStep is the global step restored from a checkpoint, 0 (the default) for a fresh run.
// The first processed step reports this global step, and the model data-dependent initialization
// is skipped if it is > 0.
func (b *Builder) LoadedStep(step int64) *Builder {
	b.loop.loadedStep = step
	return b
}

// Done validates the configuration and returns the Loop. Errors are (wrapped) *ConfigurationError.
func (b *Builder) Done() (*Loop, error) {
	loop := b.loop
	cfg := &loop.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loop.handle == nil {
		return nil, configErrorf("model", "no model given")
	}
	if loop.optimizer == nil {
		return nil, configErrorf("optimizer", "no optimizer given")
	}
	if loop.train == nil {
		return nil, configErrorf("datasets", "no training dataset given")
	}
	if loop.loadedStep < 0 {
		return nil, configErrorf("loaded_step", "must be >= 0, got %d", loop.loadedStep)
	}
	if len(cfg.Devices) > 1 {
		if _, ok := loop.handle.Base().(model.Parallelizable); !ok {
			return nil, configErrorf(ParamDevices, "%d devices configured, but model %T doesn't support data-parallel execution",
				len(cfg.Devices), loop.handle.Base())
		}
	}
	if cfg.CheckpointInterval > 0 && loop.checkpoints == nil {
		return nil, configErrorf(ParamCheckpointInterval, "checkpoints every %d steps, but no checkpoints handler given",
			cfg.CheckpointInterval)
	}
	generates := cfg.InferenceInterval > 0 || b.trigger != nil
	if (generates || cfg.ValidationInterval > 0) && loop.validation == nil {
		return nil, configErrorf("datasets", "generation and validation require a validation dataset")
	}
	if generates {
		if b.renderer == nil {
			return nil, configErrorf(ParamInferenceInterval, "generation requires a renderer")
		}
		if b.logDir == "" {
			return nil, configErrorf(ParamLogRoot, "generation requires a log directory")
		}
	}
	if b.trigger != nil {
		loop.trigger = b.trigger
	}
	if b.renderer != nil {
		loop.evaluator = evaluation.New(b.logDir, b.renderer, loop.sink).
			WithNoiseScale(cfg.NoiseScale).
			WithVideoURL(cfg.VideoURL)
		if cfg.YCondition && cfg.GenerationUsesValidationLabels {
			loop.evaluator.WithBatchLabels(cfg.YClasses)
		}
	} else {
		// Only used for validation.
		loop.evaluator = evaluation.New(b.logDir, nil, loop.sink)
	}
	loop.clock = NewStepClock(loop.loadedStep)
	loop.StartStep = loop.loadedStep
	return loop, nil
}

// GlobalStep returns the step currently being executed or, between steps, the next one to execute.
func (loop *Loop) GlobalStep() int64 {
	return loop.clock.Current()
}

// Config returns the loop configuration.
func (loop *Loop) Config() Config {
	return loop.config
}

// Model returns the model used in the forward/backward passes: the data-parallel wrapper
// once installed, the model given to Build otherwise.
func (loop *Loop) Model() model.Model {
	return loop.handle.Model()
}

// Handle of the model.
func (loop *Loop) Handle() *model.Handle {
	return loop.handle
}

// LastMetrics returns the metrics of the last successful step, or nil.
func (loop *Loop) LastMetrics() *StepMetrics {
	return loop.lastMetrics
}

// NumEpochs to run: if the training dataset knows its length, enough epochs to process
// Config.NumBatches batches (rounding up), otherwise Config.NumEpochs.
func (loop *Loop) NumEpochs() int {
	if sized, ok := loop.train.(data.Sized); ok && loop.config.NumBatches > 0 {
		if n := int64(sized.Len()); n > 0 {
			return int((loop.config.NumBatches + n - 1) / n)
		}
	}
	return max(loop.config.NumEpochs, 1)
}

// Run the training for NumEpochs epochs over the training dataset.
//
// At the end, successful or not, the OnEnd hooks are called and the metrics sink is closed.
func (loop *Loop) Run() (err error) {
	defer func() {
		closeErr := loop.Close()
		if closeErr == nil {
			return
		}
		if err == nil {
			err = closeErr
		} else {
			klog.Errorf("failed to close metrics sink after training error: %+v", closeErr)
		}
	}()

	epochs := loop.NumEpochs()
	loop.StartStep = loop.clock.Current()
	loop.EndStep = -1
	if sized, ok := loop.train.(data.Sized); ok && sized.Len() > 0 {
		loop.EndStep = loop.StartStep + int64(epochs)*int64(sized.Len())
	}
	loop.TrainStepDurations = nil
	if err = loop.start(loop.train); err != nil {
		loop.endAfterError(err)
		return err
	}
	if err = loop.runEpochs(epochs); err != nil {
		loop.endAfterError(err)
		return err
	}
	if err = loop.end(loop.lastMetrics); err != nil {
		return errors.WithMessagef(err, "Loop.Run(%d epochs): failed end (GlobalStep=%d)", epochs, loop.GlobalStep())
	}
	klog.V(1).Infof("training finished at global step %d after %d epochs", loop.GlobalStep(), epochs)
	return nil
}

func (loop *Loop) runEpochs(epochs int) error {
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := int64(0)
		for {
			batch, err := loop.train.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step.
					loop.EndStep = loop.GlobalStep() + yieldsPerEpoch*int64(epochs-loop.Epoch-1)
					break
				}
				return errors.WithMessagef(err, "Loop.Run(epoch %d of %d): failed reading from dataset %q",
					loop.Epoch, epochs, loop.train.Name())
			}
			yieldsPerEpoch++
			if _, err = loop.Step(batch); err != nil {
				return errors.WithMessagef(err, "Loop.Run(epoch %d of %d)", loop.Epoch, epochs)
			}
		}
		if yieldsPerEpoch == 0 {
			return errors.Errorf("Loop.Run(epoch %d of %d): dataset %q yielded no batches", loop.Epoch, epochs, loop.train.Name())
		}
		loop.train.Reset()
	}
	return nil
}

// Close flushes and closes the metrics sink. It's called at the end of Run, and can be called
// multiple times: only the first call closes the sink, the following ones return the same error.
func (loop *Loop) Close() error {
	loop.closeOnce.Do(func() {
		loop.closeErr = loop.sink.Close()
	})
	return loop.closeErr
}

// Step executes one training step on batch, and returns the next global step.
//
// See package documentation for the sequence of operations. Panics raised by the collaborators
// (model, optimizer, datasets, renderer, ...) are returned as errors.
func (loop *Loop) Step(batch data.Batch) (nextStep int64, err error) {
	step := loop.clock.Current()
	startTime := time.Now()
	var metrics *StepMetrics
	if panicErr := exceptions.TryCatch[error](func() { metrics, err = loop.trainStep(step, batch) }); panicErr != nil {
		err = errors.WithMessage(panicErr, "panic during training step")
	}
	if err != nil {
		return step, errors.WithMessagef(err, "Loop.Step(GlobalStep=%d)", step)
	}
	metrics.Duration = time.Since(startTime)
	loop.TrainStepDurations = append(loop.TrainStepDurations, metrics.Duration)

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, metrics); err != nil {
			return step, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	loop.lastMetrics = metrics
	return loop.clock.Advance(), nil
}

// stepInputs are the batch values used by a training step.
type stepInputs struct {
	x, conditioning, oneHot *tensors.Tensor
	labels                  []int
}

// checkLabels verifies the batch has the label field required by the configuration.
func (loop *Loop) checkLabels(batch data.Batch) error {
	cfg := &loop.config
	if !cfg.YCondition {
		return nil
	}
	switch cfg.Criterion {
	case MultiClasses:
		if _, err := batch.Tensor(data.FieldYOneHot); err != nil {
			return configErrorf(data.FieldYOneHot, "%s conditioning requires one-hot labels in the batch: %v", MultiClasses, err)
		}
	case SingleClass:
		if _, err := batch.Ints(data.FieldY); err != nil {
			return configErrorf(data.FieldY, "%s conditioning requires class indices in the batch: %v", SingleClass, err)
		}
	}
	return nil
}

// readInputs reads the step inputs from the batch, after it was moved to the data device.
func (loop *Loop) readInputs(batch data.Batch) (inputs stepInputs, err error) {
	cfg := &loop.config
	if inputs.x, err = batch.Tensor(data.FieldX); err != nil {
		return
	}
	if inputs.conditioning, err = batch.Tensor(data.FieldAudioFeatures); err != nil {
		return
	}
	if !cfg.YCondition {
		return
	}
	if cfg.Criterion == MultiClasses {
		inputs.oneHot, err = batch.Tensor(data.FieldYOneHot)
		return
	}
	if inputs.labels, err = batch.Ints(data.FieldY); err != nil {
		return
	}
	if inputs.oneHot, err = data.OneHot(inputs.labels, cfg.YClasses); err != nil {
		return
	}
	if moved, moveErr := inputs.oneHot.ToDevice(cfg.DataDevice); moveErr == nil {
		inputs.oneHot = moved.(*tensors.Tensor)
	} else {
		klog.V(2).Infof("one-hot labels kept in their current placement: %v", moveErr)
	}
	return
}

func sliceOrNil(t *tensors.Tensor, n int) *tensors.Tensor {
	if t == nil {
		return nil
	}
	return t.Slice(0, min(n, t.BatchSize()))
}

func (loop *Loop) trainStep(step int64, batch data.Batch) (*StepMetrics, error) {
	cfg := &loop.config
	scalarGate := isGateOpen(step, cfg.ScalarLogInterval)
	metrics := &StepMetrics{Step: step, GradNorm: math.NaN(), ValidationLoss: math.NaN()}

	// Fail on configuration mismatches before any state is changed.
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := loop.checkLabels(batch); err != nil {
		return nil, err
	}

	// Learning rate and data placement.
	m := loop.handle.Model()
	m.SetMode(model.Train)
	metrics.LearningRate = schedules.Rate(step, cfg.Schedule)
	loop.optimizer.SetLearningRate(metrics.LearningRate)
	loop.optimizer.ZeroGrad()
	if scalarGate {
		loop.sink.Scalar(MetricLearningRate, metrics.LearningRate, step)
	}
	batch.ToDevice(cfg.DataDevice)
	inputs, err := loop.readInputs(batch)
	if err != nil {
		return nil, err
	}

	// Data-dependent initialization, once, on a sub-batch sized for one device.
	if step == 0 && loop.loadedStep == 0 && !loop.initialized {
		n := max(cfg.BatchSize/len(cfg.Devices), 1)
		err = loop.handle.Base().Initialize(model.ForwardInputs{
			X:            sliceOrNil(inputs.x, n),
			Conditioning: sliceOrNil(inputs.conditioning, n),
			OneHot:       sliceOrNil(inputs.oneHot, n),
		})
		if err != nil {
			return nil, errors.WithMessage(err, "model initialization failed")
		}
		loop.initialized = true
	}

	if len(cfg.Devices) > 1 && !loop.handle.IsParallel() {
		klog.Infof("[Parallel] move to %v", cfg.Devices)
		if err = loop.handle.EnsureParallel(cfg.Devices); err != nil {
			return nil, err
		}
		m = loop.handle.Model()
		m.SetMode(model.Train)
	}

	// Forward and losses.
	outputs, err := m.Forward(model.ForwardInputs{X: inputs.x, Conditioning: inputs.conditioning, OneHot: inputs.oneHot})
	if err != nil {
		return nil, errors.WithMessage(err, "forward pass failed")
	}
	var nllGrads []float64
	metrics.LossGenerative, nllGrads = LossGenerative(outputs.NLL)
	var logitsGrads *tensors.Tensor
	if cfg.YCondition && outputs.Logits != nil {
		if cfg.Criterion == SingleClass {
			metrics.LossClasses, logitsGrads, err = CrossEntropy(outputs.Logits, inputs.labels)
		} else {
			metrics.LossClasses, logitsGrads, err = BinaryCrossEntropyWithLogits(outputs.Logits, inputs.oneHot)
		}
		if err != nil {
			return nil, err
		}
		for ii := range logitsGrads.Data() {
			logitsGrads.Data()[ii] *= float32(cfg.WeightY)
		}
	}
	metrics.Loss = metrics.LossGenerative + metrics.LossClasses*cfg.WeightY
	if scalarGate {
		for _, p := range loop.handle.Base().NamedParameters() {
			loop.sink.Histogram(p.Name(), toFloat64(nil, p.Value()), step)
		}
		loop.sink.Scalar(MetricLossGenerative, metrics.LossGenerative, step)
		if cfg.YCondition {
			loop.sink.Scalar(MetricLossClasses, metrics.LossClasses, step)
		}
	}

	// A diverged loss must not reach the parameters, the optimizer state or the checkpoints.
	if math.IsNaN(metrics.Loss) {
		return nil, errors.Errorf("batch loss is NaN at GlobalStep=%d, training interrupted", step)
	}
	if math.IsInf(metrics.Loss, 0) {
		return nil, errors.Errorf("batch loss is infinity (%f) at GlobalStep=%d, training interrupted", metrics.Loss, step)
	}

	// Backward, gradients post-processing and update.
	m.ZeroGrad()
	loop.optimizer.ZeroGrad()
	if err = m.Backward(model.LossGradients{NLL: nllGrads, Logits: logitsGrads}); err != nil {
		return nil, errors.WithMessage(err, "backward pass failed")
	}
	params := loop.handle.Base().NamedParameters()
	if cfg.MaxGradClip > 0 {
		ClipGradValue(params, cfg.MaxGradClip)
	}
	if cfg.MaxGradNorm > 0 {
		metrics.GradNorm = ClipGradNorm(params, cfg.MaxGradNorm)
		if scalarGate {
			loop.sink.Scalar(MetricGradNorm, metrics.GradNorm, step)
		}
	}
	if err = loop.optimizer.Step(); err != nil {
		return nil, errors.WithMessage(err, "optimizer step failed")
	}
	m.SetMode(model.Eval)

	if step > 0 && isGateOpen(step, cfg.CheckpointInterval) {
		metrics.CheckpointID, err = loop.checkpoints.Save(step, loop.handle.Base().StateDict(), loop.optimizer.StateDict(), true)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to save checkpoint")
		}
		klog.V(1).Infof("step %d: saved checkpoint %q", step, metrics.CheckpointID)
	}

	err = model.NoGrad(m, func() error {
		return loop.evaluate(m, step, inputs.oneHot, metrics)
	})
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// evaluate runs the generation and validation gates.
func (loop *Loop) evaluate(m model.Model, step int64, trainOneHot *tensors.Tensor, metrics *StepMetrics) error {
	cfg := &loop.config
	pending, err := loop.trigger.Pending()
	if err != nil {
		return errors.WithMessage(err, "failed to poll generation trigger")
	}
	if isGateOpen(step, cfg.InferenceInterval) || pending {
		oneHot := trainOneHot
		if cfg.GenerationUsesValidationLabels {
			oneHot = nil
		}
		metrics.SamplePath, err = loop.evaluator.Generate(m, loop.validation, oneHot, step)
		if err != nil {
			return err
		}
		if pending {
			if err = loop.trigger.Clear(); err != nil {
				return errors.WithMessage(err, "failed to clear generation trigger")
			}
		}
	}
	if isGateOpen(step, cfg.ValidationInterval) {
		metrics.ValidationLoss, err = loop.evaluator.Score(m, loop.validation)
		if err != nil {
			return errors.WithMessage(err, "validation failed")
		}
		loop.sink.Scalar(MetricValidationLossGenerate, metrics.ValidationLoss, step)
	}
	return nil
}

// start of loop: calls the OnStart hooks.
func (loop *Loop) start(ds data.Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop: calls the OnEnd hooks.
func (loop *Loop) end(metrics *StepMetrics) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// endAfterError calls the OnEnd hooks after a failed run, logging their errors.
func (loop *Loop) endAfterError(runErr error) {
	if err := loop.end(loop.lastMetrics); err != nil {
		klog.Errorf("after training error (%v), OnEnd hooks also failed: %+v", runErr, err)
	}
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each step, before the global step is advanced.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
