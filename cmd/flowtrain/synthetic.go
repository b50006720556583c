// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/hparams"
)

// Synthetic describes a toy audio-to-face dataset: each example's "video" is a set of channels of
// sinusoids whose phases are given by the audio features and whose frequency is given by the class.
type Synthetic struct {
	NumExamples, NumValidation      int
	Channels, Frames, AudioFeatures int
	NumClasses                      int
	Noise                           float64
	Seed                            int64
}

// SyntheticFromParams reads the "Data.*" hyperparameters.
func SyntheticFromParams(p *hparams.Params, numClasses int) Synthetic {
	return Synthetic{
		NumExamples:   hparams.GetParamOr(p, ParamNumExamples, 1024),
		NumValidation: hparams.GetParamOr(p, ParamNumValidation, 64),
		Channels:      hparams.GetParamOr(p, ParamChannels, 6),
		Frames:        hparams.GetParamOr(p, ParamFrames, 12),
		AudioFeatures: hparams.GetParamOr(p, ParamAudioFeatures, 8),
		NumClasses:    numClasses,
		Noise:         hparams.GetParamOr(p, ParamNoise, 0.1),
		Seed:          hparams.GetParamOr(p, ParamDataSeed, int64(42)),
	}
}

// InputShape of one example's "x" field, without the batch axis.
func (s Synthetic) InputShape() []int {
	return []int{s.Channels, s.Frames, 1}
}

// Examples generates n examples. The numbering of the source paths starts at offset.
func (s Synthetic) Examples(rng *rand.Rand, n, offset int) ([]data.Example, error) {
	if s.Channels <= 0 || s.Frames <= 0 || s.AudioFeatures <= 0 {
		return nil, errors.Errorf("synthetic data: channels (%d), frames (%d) and audio features (%d) must be > 0",
			s.Channels, s.Frames, s.AudioFeatures)
	}
	numClasses := max(s.NumClasses, 1)
	examples := make([]data.Example, n)
	for ii := range examples {
		class := rng.Intn(numClasses)
		audio := make([]float32, s.AudioFeatures)
		for jj := range audio {
			audio[jj] = float32(rng.NormFloat64())
		}
		x := tensors.FromShape(s.InputShape()...)
		xData := x.Data()
		for cc := range s.Channels {
			phase := float64(audio[cc%s.AudioFeatures])
			for tt := range s.Frames {
				angle := 2*math.Pi*float64(tt)/float64(s.Frames)*float64(1+class) + phase
				xData[cc*s.Frames+tt] = float32(math.Sin(angle) + s.Noise*rng.NormFloat64())
			}
		}
		oneHot, err := data.OneHot([]int{class}, numClasses)
		if err != nil {
			return nil, err
		}
		oneHot, err = tensors.FromData(oneHot.Data(), numClasses)
		if err != nil {
			return nil, err
		}
		frame := tensors.FromShape(s.Channels, s.Channels)
		for jj := range frame.Data() {
			frame.Data()[jj] = audio[jj%s.AudioFeatures]
		}
		id := offset + ii
		examples[ii] = data.Example{
			data.FieldX:             x,
			data.FieldAudioFeatures: tensors.FromValues(audio, s.AudioFeatures),
			data.FieldY:             class,
			data.FieldYOneHot:       oneHot,
			data.FieldAudioPath:     fmt.Sprintf("synthetic/audio_%05d.wav", id),
			data.FieldVideoPath:     fmt.Sprintf("synthetic/video_%05d.mp4", id),
			data.FieldFirstFrame:    frame,
		}
	}
	return examples, nil
}

// Datasets creates the shuffled training dataset and the (not shuffled) validation dataset.
// Incomplete batches are dropped from training, but not from validation.
func (s Synthetic) Datasets(batchSize int) (train, validation *data.InMemoryDataset, err error) {
	if s.NumExamples < batchSize {
		return nil, nil, errors.Errorf("synthetic data: %d examples is less than one batch of %d", s.NumExamples, batchSize)
	}
	rng := rand.New(rand.NewSource(s.Seed))
	trainExamples, err := s.Examples(rng, s.NumExamples, 0)
	if err != nil {
		return nil, nil, err
	}
	train, err = data.InMemory("synthetic-train", trainExamples)
	if err != nil {
		return nil, nil, err
	}
	train.BatchSize(batchSize, true).WithRand(rand.New(rand.NewSource(s.Seed + 1))).Shuffle()
	if s.NumValidation <= 0 {
		return train, nil, nil
	}
	validationExamples, err := s.Examples(rng, s.NumValidation, s.NumExamples)
	if err != nil {
		return nil, nil, err
	}
	validation, err = data.InMemory("synthetic-validation", validationExamples)
	if err != nil {
		return nil, nil, err
	}
	validation.BatchSize(batchSize, false)
	return train, validation, nil
}
