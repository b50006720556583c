// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"slices"

	"github.com/speech2face/flowtrain/pkg/ml/hparams"
	"github.com/speech2face/flowtrain/pkg/ml/train/schedules"
)

// Labeling modes of the class conditioning, set by "Criterion.y_condition".
const (
	// MultiClasses uses the batch field "y_onehot" as targets, with a binary cross-entropy loss.
	MultiClasses = "multi-classes"

	// SingleClass uses the batch field "y" (class indices), one-hot encoded with "Glow.y_classes",
	// with a cross-entropy loss.
	SingleClass = "single-class"
)

// Hyperparameter paths read by ConfigFromParams.
const (
	ParamLogRoot            = "Dir.log_root"
	ParamDevices            = "Device.glow"
	ParamDataDevice         = "Device.data"
	ParamBatchSize          = "Train.batch_size"
	ParamNumBatches         = "Train.num_batches"
	ParamNumEpochs          = "Train.num_epochs"
	ParamCheckpointInterval = "Train.checkpoints_gap"
	ParamMaxCheckpoints     = "Train.max_checkpoints"
	ParamWeightY            = "Train.weight_y"
	ParamMaxGradClip        = "Train.max_grad_clip"
	ParamMaxGradNorm        = "Train.max_grad_norm"
	ParamScalarLogInterval  = "Train.scalar_log_gap"
	ParamInferenceInterval  = "Train.inference_gap"
	ParamValidationInterval = "Train.validation_gap"
	ParamHalfPrecision      = "Train.checkpoints_half_precision"
	ParamGenerationLabels   = "Train.generation_uses_validation_labels"
	ParamYClasses           = "Glow.y_classes"
	ParamYCondition         = "Glow.y_condition"
	ParamCriterion          = "Criterion.y_condition"
	ParamNoiseScale         = "Infer.noise_scale"
	ParamVideoURL           = "Misc.video_url"
	ParamFFmpegBin          = "Misc.ffmpeg_bin"
	ParamScheduleKind       = "Schedule.kind"
	ParamBaseRate           = "Schedule.base_rate"
	ParamWarmupSteps        = "Schedule.warmup_steps"
	ParamMinRate            = "Schedule.min_rate"
	ParamDecaySteps         = "Schedule.decay_steps"
	ParamDecayRate          = "Schedule.decay_rate"
)

// DefaultParams returns the hyperparameters read by ConfigFromParams with their default values.
// Other components (model, optimizer) add their own.
func DefaultParams() *hparams.Params {
	return hparams.New().
		Set(ParamLogRoot, "results").
		Set(ParamDevices, []string{"cpu"}).
		Set(ParamDataDevice, "cpu").
		Set(ParamBatchSize, 16).
		Set(ParamNumBatches, int64(100_000)).
		Set(ParamNumEpochs, 1).
		Set(ParamCheckpointInterval, int64(1000)).
		Set(ParamMaxCheckpoints, 3).
		Set(ParamWeightY, 0.5).
		Set(ParamMaxGradClip, 5.0).
		Set(ParamMaxGradNorm, 100.0).
		Set(ParamScalarLogInterval, int64(50)).
		Set(ParamInferenceInterval, int64(500)).
		Set(ParamValidationInterval, int64(200)).
		Set(ParamHalfPrecision, false).
		Set(ParamGenerationLabels, false).
		Set(ParamYClasses, 0).
		Set(ParamYCondition, false).
		Set(ParamCriterion, SingleClass).
		Set(ParamNoiseScale, 1.0).
		Set(ParamVideoURL, "").
		Set(ParamFFmpegBin, "").
		Set(ParamScheduleKind, string(schedules.Constant)).
		Set(ParamBaseRate, 1e-3).
		Set(ParamWarmupSteps, int64(0)).
		Set(ParamMinRate, 0.0).
		Set(ParamDecaySteps, int64(0)).
		Set(ParamDecayRate, 0.0)
}

// Config of the training loop.
type Config struct {
	// Devices the model runs on. More than one device requires a model.Parallelizable model.
	Devices []string

	// DataDevice where batches are moved to before each step.
	DataDevice string

	BatchSize int

	// NumBatches is the total number of training batches, used to derive the number of epochs of a
	// dataset whose length is known. NumEpochs is used otherwise.
	NumBatches int64
	NumEpochs  int

	// Intervals, in steps, of the periodic side effects. Values <= 0 disable them.
	CheckpointInterval int64
	ScalarLogInterval  int64
	InferenceInterval  int64
	ValidationInterval int64

	MaxCheckpoints int

	// WeightY multiplies the classification loss.
	WeightY float64

	// MaxGradClip, if > 0, clips every gradient element to [-MaxGradClip, MaxGradClip].
	MaxGradClip float64

	// MaxGradNorm, if > 0, rescales the gradients so their global L2 norm is at most MaxGradNorm.
	MaxGradNorm float64

	// YCondition enables the class conditioning, with labels read according to Criterion.
	YCondition bool
	Criterion  string
	YClasses   int

	// NoiseScale is the standard deviation of the latent code sampled for generation.
	NoiseScale float64

	// GenerationUsesValidationLabels makes generation use the labels of the validation batch. By
	// default, the labels of the current training batch are used.
	GenerationUsesValidationLabels bool

	// VideoURL is the prefix of the generated samples paths in the logs.
	VideoURL string

	Schedule schedules.Params
}

// ConfigFromParams reads the loop configuration from the hyperparameters, using the defaults of
// DefaultParams for the missing ones. It doesn't validate it, see Config.Validate.
func ConfigFromParams(p *hparams.Params) (Config, error) {
	defaults := DefaultParams()
	get := func(path string) any {
		value, _ := defaults.Get(path)
		return value
	}
	kind, err := schedules.ParseKind(hparams.GetParamOr(p, ParamScheduleKind, get(ParamScheduleKind).(string)))
	if err != nil {
		return Config{}, configErrorf(ParamScheduleKind, "%v", err)
	}
	return Config{
		Devices:                        hparams.GetParamOr(p, ParamDevices, get(ParamDevices).([]string)),
		DataDevice:                     hparams.GetParamOr(p, ParamDataDevice, get(ParamDataDevice).(string)),
		BatchSize:                      hparams.GetParamOr(p, ParamBatchSize, get(ParamBatchSize).(int)),
		NumBatches:                     hparams.GetParamOr(p, ParamNumBatches, get(ParamNumBatches).(int64)),
		NumEpochs:                      hparams.GetParamOr(p, ParamNumEpochs, get(ParamNumEpochs).(int)),
		CheckpointInterval:             hparams.GetParamOr(p, ParamCheckpointInterval, get(ParamCheckpointInterval).(int64)),
		ScalarLogInterval:              hparams.GetParamOr(p, ParamScalarLogInterval, get(ParamScalarLogInterval).(int64)),
		InferenceInterval:              hparams.GetParamOr(p, ParamInferenceInterval, get(ParamInferenceInterval).(int64)),
		ValidationInterval:             hparams.GetParamOr(p, ParamValidationInterval, get(ParamValidationInterval).(int64)),
		MaxCheckpoints:                 hparams.GetParamOr(p, ParamMaxCheckpoints, get(ParamMaxCheckpoints).(int)),
		WeightY:                        hparams.GetParamOr(p, ParamWeightY, get(ParamWeightY).(float64)),
		MaxGradClip:                    hparams.GetParamOr(p, ParamMaxGradClip, get(ParamMaxGradClip).(float64)),
		MaxGradNorm:                    hparams.GetParamOr(p, ParamMaxGradNorm, get(ParamMaxGradNorm).(float64)),
		YCondition:                     hparams.GetParamOr(p, ParamYCondition, get(ParamYCondition).(bool)),
		Criterion:                      hparams.GetParamOr(p, ParamCriterion, get(ParamCriterion).(string)),
		YClasses:                       hparams.GetParamOr(p, ParamYClasses, get(ParamYClasses).(int)),
		NoiseScale:                     hparams.GetParamOr(p, ParamNoiseScale, get(ParamNoiseScale).(float64)),
		GenerationUsesValidationLabels: hparams.GetParamOr(p, ParamGenerationLabels, get(ParamGenerationLabels).(bool)),
		VideoURL:                       hparams.GetParamOr(p, ParamVideoURL, get(ParamVideoURL).(string)),
		Schedule: schedules.Params{
			Kind:        kind,
			BaseRate:    hparams.GetParamOr(p, ParamBaseRate, get(ParamBaseRate).(float64)),
			WarmupSteps: hparams.GetParamOr(p, ParamWarmupSteps, get(ParamWarmupSteps).(int64)),
			MinRate:     hparams.GetParamOr(p, ParamMinRate, get(ParamMinRate).(float64)),
			DecaySteps:  hparams.GetParamOr(p, ParamDecaySteps, get(ParamDecaySteps).(int64)),
			DecayRate:   hparams.GetParamOr(p, ParamDecayRate, get(ParamDecayRate).(float64)),
		},
	}, nil
}

// Validate returns a *ConfigurationError (wrapped) for the first invalid setting found.
func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return configErrorf(ParamDevices, "at least one device is required")
	}
	if slices.Contains(c.Devices, "") {
		return configErrorf(ParamDevices, "empty device name in %q", c.Devices)
	}
	if c.BatchSize <= 0 {
		return configErrorf(ParamBatchSize, "batch size must be > 0, got %d", c.BatchSize)
	}
	if c.BatchSize < len(c.Devices) {
		return configErrorf(ParamBatchSize, "batch size %d is smaller than the number of devices %d",
			c.BatchSize, len(c.Devices))
	}
	if c.NumBatches <= 0 && c.NumEpochs <= 0 {
		return configErrorf(ParamNumBatches, "either %s or %s must be > 0", ParamNumBatches, ParamNumEpochs)
	}
	if c.CheckpointInterval > 0 && c.MaxCheckpoints < 1 {
		return configErrorf(ParamMaxCheckpoints, "at least one checkpoint must be kept, got %d", c.MaxCheckpoints)
	}
	if c.WeightY < 0 || c.MaxGradClip < 0 || c.MaxGradNorm < 0 || c.NoiseScale < 0 {
		return configErrorf(ParamWeightY, "weight_y=%g, max_grad_clip=%g, max_grad_norm=%g and noise_scale=%g must be >= 0",
			c.WeightY, c.MaxGradClip, c.MaxGradNorm, c.NoiseScale)
	}
	if c.Criterion != MultiClasses && c.Criterion != SingleClass {
		return configErrorf(ParamCriterion, "must be either %q or %q, got %q", MultiClasses, SingleClass, c.Criterion)
	}
	if c.YCondition && c.Criterion == SingleClass && c.YClasses <= 0 {
		return configErrorf(ParamYClasses, "single-class conditioning requires the number of classes, got %d", c.YClasses)
	}
	if err := c.Schedule.Validate(); err != nil {
		return configErrorf("Schedule", "%v", err)
	}
	return nil
}

// isGateOpen returns whether a periodic side effect with the given interval runs at step.
func isGateOpen(step, interval int64) bool {
	return interval > 0 && step%interval == 0
}
