// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	cfg, err := train.ConfigFromParams(p)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.YCondition)
	assert.Equal(t, 4, cfg.YClasses)

	paramsSet, err := p.ParseSettings("Data.channels=3;Optim.adam_beta1=0.8")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 2)
	s := SyntheticFromParams(p, cfg.YClasses)
	assert.Equal(t, []int{3, 12, 1}, s.InputShape())
}

func TestSyntheticExamples(t *testing.T) {
	s := Synthetic{Channels: 2, Frames: 5, AudioFeatures: 3, NumClasses: 4, Noise: 0}
	examples, err := s.Examples(rand.New(rand.NewSource(1)), 10, 100)
	require.NoError(t, err)
	require.Len(t, examples, 10)
	for ii, example := range examples {
		class := example[data.FieldY].(int)
		assert.GreaterOrEqual(t, class, 0)
		assert.Less(t, class, 4)
		oneHot := example[data.FieldYOneHot]
		require.NotNil(t, oneHot)
		assert.Equal(t, fmt.Sprintf("synthetic/audio_%05d.wav", 100+ii), example[data.FieldAudioPath])
	}

	_, err = Synthetic{Channels: 0, Frames: 5, AudioFeatures: 3}.Examples(rand.New(rand.NewSource(1)), 1, 0)
	require.Error(t, err)
}

func TestSyntheticDatasets(t *testing.T) {
	s := Synthetic{NumExamples: 10, NumValidation: 5, Channels: 2, Frames: 4, AudioFeatures: 3, NumClasses: 2, Noise: 0.1, Seed: 7}
	trainDS, validationDS, err := s.Datasets(4)
	require.NoError(t, err)
	assert.Equal(t, 2, trainDS.Len())
	assert.Equal(t, 2, validationDS.Len())

	batch, err := trainDS.Yield()
	require.NoError(t, err)
	require.NoError(t, batch.Validate())
	assert.Equal(t, 4, batch.BatchSize())
	x, err := batch.Tensor(data.FieldX)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 4, 1}, x.Shape())
	oneHot, err := batch.Tensor(data.FieldYOneHot)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, oneHot.Shape())

	// Validation keeps the incomplete last batch.
	_, err = validationDS.Yield()
	require.NoError(t, err)
	batch, err = validationDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, 1, batch.BatchSize())
	_, err = validationDS.Yield()
	assert.ErrorIs(t, err, io.EOF)

	_, _, err = Synthetic{NumExamples: 2, Channels: 1, Frames: 1, AudioFeatures: 1}.Datasets(4)
	require.Error(t, err)
}
