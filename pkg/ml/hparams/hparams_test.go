// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hparams

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() *Params {
	return New().
		Set("Train.batch_size", 16).
		Set("Train.num_batches", int64(1000)).
		Set("Train.weight_y", 0.5).
		Set("Glow.y_condition", false).
		Set("Criterion.y_condition", "single-class").
		Set("Device.glow", []string{"cpu"}).
		Set("Glow.hidden", []int{8, 8})
}

func TestParseSettings(t *testing.T) {
	p := testParams()
	paramsSet, err := p.ParseSettings("Train.batch_size=32;Train.num_batches=1_000_000;Glow.y_condition=true;" +
		"Device.glow=cpu:0,cpu:1;Glow.hidden=4,2;Train.weight_y=0.25")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 6)
	assert.Equal(t, 32, GetParamOr(p, "Train.batch_size", 0))
	assert.Equal(t, int64(1_000_000), GetParamOr(p, "Train.num_batches", int64(0)))
	assert.True(t, GetParamOr(p, "Glow.y_condition", false))
	assert.Equal(t, []string{"cpu:0", "cpu:1"}, GetParamOr[[]string](p, "Device.glow", nil))
	assert.Equal(t, []int{4, 2}, GetParamOr[[]int](p, "Glow.hidden", nil))
	assert.Equal(t, 0.25, GetParamOr(p, "Train.weight_y", 0.0))

	_, err = p.ParseSettings("Train.unknown=1")
	require.Error(t, err)
	_, err = p.ParseSettings("Train.batch_size=abc")
	require.Error(t, err)
	_, err = p.ParseSettings("Train.batch_size")
	require.Error(t, err)
}

func TestParseSettingsFromFile(t *testing.T) {
	p := testParams()
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# comment\nTrain.batch_size=8\n\nCriterion.y_condition=multi-classes;Train.weight_y=1\n"), 0o644))
	paramsSet, err := p.ParseSettings("file:" + settingsPath + ";Train.batch_size=4")
	require.NoError(t, err)
	assert.Equal(t, []string{"Train.batch_size", "Criterion.y_condition", "Train.weight_y", "Train.batch_size"}, paramsSet)
	assert.Equal(t, 4, GetParamOr(p, "Train.batch_size", 0))
	assert.Equal(t, "multi-classes", GetParamOr(p, "Criterion.y_condition", ""))
	assert.Equal(t, 1.0, GetParamOr(p, "Train.weight_y", 0.0))
}

func TestGetParamOr(t *testing.T) {
	p := New().Set("a.int", 3).Set("a.float", 2.0).Set("a.str", "x")
	assert.Equal(t, int64(3), GetParamOr(p, "a.int", int64(0)))
	assert.Equal(t, 3.0, GetParamOr(p, "a.int", 0.0))
	assert.Equal(t, 2, GetParamOr(p, "a.float", 0))
	assert.Equal(t, 7, GetParamOr(p, "a.missing", 7))
	assert.Equal(t, 7, GetParamOr(p, "a.str", 7), "can't convert, default is returned")
}

func TestJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := testParams()
	filePath, err := p.Dump(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), filePath)

	// Loaded without defaults, numbers are float64 and lists are typed.
	loaded, err := LoadJSON(filePath)
	require.NoError(t, err)
	assert.Equal(t, p.Keys(), loaded.Keys())
	value, _ := loaded.Get("Train.batch_size")
	assert.Equal(t, 16.0, value)
	assert.Equal(t, 16, GetParamOr(loaded, "Train.batch_size", 0))
	value, _ = loaded.Get("Device.glow")
	assert.Equal(t, []string{"cpu"}, value)

	// Merged over defaults, values take the type of the defaults.
	merged := testParams().Set("Train.batch_size", 1).Set("Misc.extra", "y")
	require.NoError(t, merged.MergeJSON(filePath))
	value, _ = merged.Get("Train.batch_size")
	assert.Equal(t, 16, value)
	value, _ = merged.Get("Glow.hidden")
	assert.Equal(t, []int{8, 8}, value)
	assert.True(t, merged.Has("Misc.extra"))
}

func TestMergeJSONErrors(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(filePath, []byte(`{"Train": {"batch_size": 1.5}}`), 0o644))
	require.Error(t, testParams().MergeJSON(filePath), "1.5 is not an int")
	require.Error(t, testParams().MergeJSON(filepath.Join(dir, "missing.json")))
	require.NoError(t, os.WriteFile(filePath, []byte(`{not json`), 0o644))
	require.Error(t, testParams().MergeJSON(filePath))
}

func TestSplitPath(t *testing.T) {
	section, key := SplitPath("Train.batch_size")
	assert.Equal(t, "Train", section)
	assert.Equal(t, "batch_size", key)
	section, key = SplitPath("seed")
	assert.Equal(t, "", section)
	assert.Equal(t, "seed", key)
}
