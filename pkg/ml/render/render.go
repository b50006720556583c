// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package render turns generated samples into files that can be inspected: a PNG preview of the
// sample, or a video with the source audio muxed in by ffmpeg.
package render

import (
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"k8s.io/klog/v2"
)

// Renderer writes a generated sample to path.
type Renderer interface {
	// Render the sample, shaped [T, C, ...] (time first), to path. audioPath, videoPath and
	// firstFrame describe the source example the sample was conditioned on; they may be empty/nil.
	Render(path string, sample *tensors.Tensor, audioPath, videoPath string, firstFrame *tensors.Tensor) error

	// Extension of the files written, including the dot, e.g.: ".mp4".
	Extension() string
}

// PreviewRenderer writes a PNG heat-map of the sample: time along the horizontal axis, channels
// along the vertical axis. If a first frame is given (a rank-2 or rank-3 tensor [H, W, (C)]), it is
// drawn to the left of the heat-map.
type PreviewRenderer struct {
	// Height in pixels of the output image. The width keeps the aspect ratio of the sample.
	// If 0, it defaults to 256.
	Height int
}

// Extension implements Renderer.
func (r PreviewRenderer) Extension() string {
	return ".png"
}

// Render implements Renderer.
func (r PreviewRenderer) Render(path string, sample *tensors.Tensor, _, _ string, firstFrame *tensors.Tensor) error {
	img, err := r.Image(sample, firstFrame)
	if err != nil {
		return err
	}
	if err = fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	err = fsutil.WriteFileAtomic(path, func(f *os.File) error {
		return imaging.Encode(f, img, imaging.PNG)
	})
	return errors.WithMessagef(err, "failed to write preview %q", path)
}

// Image returns the preview image of the sample.
func (r PreviewRenderer) Image(sample *tensors.Tensor, firstFrame *tensors.Tensor) (image.Image, error) {
	if sample == nil || sample.Rank() < 2 {
		return nil, errors.Errorf("render: sample must have shape [T, C, ...], got %v", sample)
	}
	height := r.Height
	if height <= 0 {
		height = 256
	}
	shape := sample.Shape()
	numFrames, numChannels := shape[0], shape[1]
	inner := sample.Size() / max(numFrames*numChannels, 1)
	heat := image.NewGray(image.Rect(0, 0, numFrames, numChannels))
	low, high := valueRange(sample.Data())
	for tt := range numFrames {
		for cc := range numChannels {
			v := sample.Data()[(tt*numChannels+cc)*inner]
			heat.SetGray(tt, cc, color.Gray{Y: scaleToByte(v, low, high)})
		}
	}
	width := max(1, int(math.Round(float64(height)*float64(numFrames)/float64(max(numChannels, 1)))))
	preview := imaging.Resize(heat, width, height, imaging.NearestNeighbor)
	if firstFrame == nil {
		return preview, nil
	}
	frame, err := frameImage(firstFrame)
	if err != nil {
		klog.Warningf("render: first frame not drawn: %v", err)
		return preview, nil
	}
	frame = imaging.Resize(frame, 0, height, imaging.Lanczos)
	canvas := imaging.New(frame.Bounds().Dx()+preview.Bounds().Dx(), height, color.Black)
	canvas = imaging.Paste(canvas, frame, image.Pt(0, 0))
	canvas = imaging.Paste(canvas, preview, image.Pt(frame.Bounds().Dx(), 0))
	return canvas, nil
}

// frameImage converts a [H, W] (grayscale) or [H, W, 3] (RGB) tensor to an image.
func frameImage(frame *tensors.Tensor) (image.Image, error) {
	shape := frame.Shape()
	if len(shape) < 2 || len(shape) > 3 || (len(shape) == 3 && shape[2] != 3 && shape[2] != 1) {
		return nil, errors.Errorf("first frame must be shaped [H, W] or [H, W, 3], got %v", shape)
	}
	h, w := shape[0], shape[1]
	channels := 1
	if len(shape) == 3 {
		channels = shape[2]
	}
	data := frame.Data()
	low, high := valueRange(data)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			base := (y*w + x) * channels
			r := scaleToByte(data[base], low, high)
			g, b := r, r
			if channels == 3 {
				g = scaleToByte(data[base+1], low, high)
				b = scaleToByte(data[base+2], low, high)
			}
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img, nil
}

func valueRange(data []float32) (low, high float32) {
	low, high = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		low, high = min(low, v), max(high, v)
	}
	return
}

func scaleToByte(v, low, high float32) uint8 {
	if high <= low || math.IsNaN(float64(v)) {
		return 0
	}
	f := (v - low) / (high - low)
	return uint8(math.Round(float64(min(max(f, 0), 1)) * 255))
}

// FFmpegRenderer renders the preview image and muxes it with the source audio into a video,
// using the ffmpeg binary.
type FFmpegRenderer struct {
	Preview PreviewRenderer

	// Binary is the path to ffmpeg. Defaults to "ffmpeg", looked up in the PATH.
	Binary string
}

// Extension implements Renderer.
func (r FFmpegRenderer) Extension() string {
	return ".mp4"
}

// Render implements Renderer.
func (r FFmpegRenderer) Render(path string, sample *tensors.Tensor, audioPath, videoPath string, firstFrame *tensors.Tensor) error {
	previewPath := strings.TrimSuffix(path, filepath.Ext(path)) + r.Preview.Extension()
	if err := r.Preview.Render(previewPath, sample, audioPath, videoPath, firstFrame); err != nil {
		return err
	}
	args := r.Args(previewPath, audioPath, path)
	binary := r.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(context.Background(), binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "failed to render video %q (source video %q) with %s: %s",
			path, videoPath, binary, strings.TrimSpace(string(output)))
	}
	klog.V(1).Infof("rendered %q", path)
	return nil
}

// Args returns the ffmpeg arguments to make a still-image video of the preview with the audio.
func (r FFmpegRenderer) Args(previewPath, audioPath, outputPath string) []string {
	args := []string{"-y", "-loglevel", "error", "-loop", "1", "-i", previewPath}
	if audioPath != "" {
		args = append(args, "-i", audioPath, "-c:a", "aac", "-shortest")
	} else {
		args = append(args, "-t", "1")
	}
	return append(args, "-c:v", "libx264", "-tune", "stillimage", "-pix_fmt", "yuv420p",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2", outputPath)
}
