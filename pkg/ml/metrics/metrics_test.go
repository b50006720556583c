// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(filepath.Join(dir, "run"))
	require.NoError(t, err)
	sink.PlotOnClose(true)
	assert.NotEmpty(t, sink.RunID())

	sink.Scalar("lr/lr", 1e-3, 0)
	sink.Scalar("loss/loss_generative", 2.5, 0)
	sink.Scalar("loss/loss_generative", 2.0, 1)
	sink.Scalar("loss/loss_generative", math.NaN(), 2)
	sink.Histogram("params/w", []float64{0, 1, 1, 2, 3}, 1)
	sink.Text("video", "http://host/samples/0000000-0.mp4", 0)
	require.NoError(t, sink.Close())

	points, err := LoadPoints(filepath.Join(sink.Dir(), EventsFileName))
	require.NoError(t, err)
	require.Len(t, points, 6)
	assert.Equal(t, "lr", points[0].MetricType)
	assert.Equal(t, sink.RunID(), points[0].RunID)
	assert.Equal(t, "NaN", points[3].Text)
	assert.Equal(t, KindHistogram, points[4].Kind)
	var total float64
	for _, bucket := range points[4].Buckets {
		total += bucket.Count
	}
	assert.Equal(t, 5.0, total)
	assert.Equal(t, "http://host/samples/0000000-0.mp4", points[5].Text)

	contents, err := os.ReadFile(filepath.Join(sink.Dir(), ScalarsFileName))
	require.NoError(t, err)
	var scalars map[string][]ScalarRecord
	require.NoError(t, json.Unmarshal(contents, &scalars))
	require.Len(t, scalars["loss/loss_generative"], 2)
	assert.Equal(t, 1.0, scalars["loss/loss_generative"][1][1])
	assert.Equal(t, 2.0, scalars["loss/loss_generative"][1][2])

	_, err = os.Stat(filepath.Join(sink.Dir(), ScalarsPlotFileName))
	require.NoError(t, err)
}

func TestFileSinkDoubleClose(t *testing.T) {
	sink, err := Open(t.TempDir())
	require.NoError(t, err)
	sink.Scalar("loss/loss", 1, 0)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	// Recording after Close is dropped, not a panic.
	assert.NotPanics(t, func() { sink.Scalar("loss/loss", 1, 1) })
}

func TestMakeHistogram(t *testing.T) {
	buckets := MakeHistogram([]float64{0, 0.5, 1, math.Inf(1)}, 2)
	require.Len(t, buckets, 2)
	assert.Equal(t, 1.0, buckets[0].Count)
	assert.Equal(t, 2.0, buckets[1].Count, "maximum value goes in the last bucket")

	buckets = MakeHistogram([]float64{3, 3, 3}, 10)
	require.Len(t, buckets, 1)
	assert.Equal(t, 3.0, buckets[0].Count)

	assert.Nil(t, MakeHistogram([]float64{math.NaN()}, 10))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	var sink Sink = r
	sink.Scalar("loss/loss", 1, 3)
	sink.Text("video", "x", 3)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 2, r.Closes)
	require.Len(t, r.Find("loss/loss"), 1)
	assert.Equal(t, int64(3), r.Find("loss/loss")[0].Step)
}
