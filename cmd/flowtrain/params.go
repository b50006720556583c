// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/speech2face/flowtrain/pkg/ml/hparams"
	"github.com/speech2face/flowtrain/pkg/ml/train"
)

// Hyperparameters of the synthetic data and of the demo model, in addition to those of train.DefaultParams.
const (
	ParamNumExamples   = "Data.num_examples"
	ParamNumValidation = "Data.num_validation"
	ParamChannels      = "Data.channels"
	ParamFrames        = "Data.frames"
	ParamAudioFeatures = "Data.audio_features"
	ParamNoise         = "Data.noise"
	ParamDataSeed      = "Data.seed"
	ParamPrefetch      = "Data.prefetch"
	ParamModelSeed     = "Glow.seed"

	// OptimPrefix is prepended to the optimizer hyperparameters keys, e.g.: "Optim.adam_beta1".
	OptimPrefix = "Optim."
)

// DefaultParams returns the hyperparameters of the demo, with defaults sized to train in a few seconds.
func DefaultParams() *hparams.Params {
	return train.DefaultParams().
		Set(train.ParamBatchSize, 16).
		Set(train.ParamNumBatches, int64(2_000)).
		Set(train.ParamCheckpointInterval, int64(500)).
		Set(train.ParamInferenceInterval, int64(500)).
		Set(train.ParamValidationInterval, int64(250)).
		Set(train.ParamScalarLogInterval, int64(50)).
		Set(train.ParamYCondition, true).
		Set(train.ParamYClasses, 4).
		Set(train.ParamCriterion, train.SingleClass).
		Set(train.ParamBaseRate, 1e-2).
		Set(ParamNumExamples, 1024).
		Set(ParamNumValidation, 64).
		Set(ParamChannels, 6).
		Set(ParamFrames, 12).
		Set(ParamAudioFeatures, 8).
		Set(ParamNoise, 0.1).
		Set(ParamDataSeed, int64(42)).
		Set(ParamPrefetch, true).
		Set(ParamModelSeed, int64(1)).
		Set(OptimPrefix+"adam_beta1", 0.9).
		Set(OptimPrefix+"adam_beta2", 0.999).
		Set(OptimPrefix+"adam_epsilon", 1e-8).
		Set(OptimPrefix+"adam_weight_decay", 0.0)
}
