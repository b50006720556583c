// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package render

import (
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewRenderer(t *testing.T) {
	// Sample shaped [T=8, C=4, 1].
	values := make([]float64, 32)
	for ii := range values {
		values[ii] = float64(ii)
	}
	sample := tensors.FromValues(values, 8, 4, 1)

	path := filepath.Join(t.TempDir(), "samples", "0000500-0.png")
	r := PreviewRenderer{Height: 64}
	require.NoError(t, r.Render(path, sample, "a.wav", "v.mp4", nil))
	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dy())
	assert.Equal(t, 128, img.Bounds().Dx())

	// With a first frame drawn to the left.
	frame := tensors.FromShape(16, 16, 3)
	withFrame, err := r.Image(sample, frame)
	require.NoError(t, err)
	assert.Equal(t, 64+128, withFrame.Bounds().Dx())

	// Invalid samples.
	require.Error(t, r.Render(path, tensors.FromShape(3), "", "", nil))
}

func TestFFmpegArgs(t *testing.T) {
	r := FFmpegRenderer{}
	assert.Equal(t, ".mp4", r.Extension())
	args := r.Args("p.png", "a.wav", "out.mp4")
	assert.Contains(t, args, "a.wav")
	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.NotContains(t, r.Args("p.png", "", "out.mp4"), "-shortest")
}

func TestFFmpegMissingBinary(t *testing.T) {
	r := FFmpegRenderer{Binary: filepath.Join(t.TempDir(), "no-ffmpeg")}
	path := filepath.Join(t.TempDir(), "0000000-0.mp4")
	err := r.Render(path, tensors.FromShape(4, 2, 1), "", "", nil)
	require.Error(t, err)
}
