// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation runs the periodic evaluations of a training run: generating (and rendering)
// a sample from held-out conditioning, and scoring the generative loss over a held-out dataset.
package evaluation

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/metrics"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"github.com/speech2face/flowtrain/pkg/ml/render"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// SamplesDir is the subdirectory of the log directory where generated samples are rendered.
const SamplesDir = "samples"

// VideoTextName is the name of the text metric logged for each generated sample.
const VideoTextName = "video"

// Runner generates samples and scores models on held-out data.
type Runner struct {
	logDir     string
	renderer   render.Renderer
	sink       metrics.Sink
	noiseScale float64
	videoURL   string

	// batchLabels: if true and no labels are given to Generate, they are read from the batch.
	batchLabels bool
	numClasses  int
}

// New creates a Runner that renders samples under logDir/SamplesDir with renderer, and logs
// references to them in sink. The noise scale defaults to 1.
func New(logDir string, renderer render.Renderer, sink metrics.Sink) *Runner {
	return &Runner{
		logDir:     logDir,
		renderer:   renderer,
		sink:       sink,
		noiseScale: 1,
	}
}

// WithNoiseScale sets the standard deviation of the latent code sampled for generation.
func (r *Runner) WithNoiseScale(noiseScale float64) *Runner {
	r.noiseScale = noiseScale
	return r
}

// WithVideoURL sets the prefix prepended to the sample path in the logged text, e.g.: the URL of a
// file server exposing the log directory.
func (r *Runner) WithVideoURL(url string) *Runner {
	r.videoURL = url
	return r
}

// WithBatchLabels makes Generate condition on the labels of the batch it generates from, when
// no labels are given: the field "y_onehot" if present, else the class indices "y" one-hot
// encoded with numClasses.
func (r *Runner) WithBatchLabels(numClasses int) *Runner {
	r.batchLabels = true
	r.numClasses = numClasses
	return r
}

// SamplePath returns the path of the index-th sample generated at step.
func (r *Runner) SamplePath(step int64, index int) string {
	return filepath.Join(r.logDir, SamplesDir, fmt.Sprintf("%07d-%d%s", step, index, r.renderer.Extension()))
}

// Generate samples from the conditioning of the first batch of ds, renders the first sample and
// logs its path. The dataset is reset afterward.
//
// oneHot are the labels to condition on, nil if the model is not class-conditioned. If it holds
// more examples than the batch, the extra ones are ignored.
func (r *Runner) Generate(m model.Model, ds data.Dataset, oneHot *tensors.Tensor, step int64) (samplePath string, err error) {
	defer ds.Reset()
	batch, err := ds.Yield()
	if err == io.EOF {
		return "", errors.Errorf("Generate: dataset %q is empty", ds.Name())
	}
	if err != nil {
		return "", errors.WithMessagef(err, "Generate: failed reading from dataset %q", ds.Name())
	}
	conditioning, err := batch.Tensor(data.FieldAudioFeatures)
	if err != nil {
		return "", errors.WithMessage(err, "Generate")
	}
	if oneHot == nil && r.batchLabels {
		if oneHot, err = r.labelsFromBatch(batch); err != nil {
			return "", errors.WithMessage(err, "Generate")
		}
	}
	if oneHot != nil {
		n := conditioning.BatchSize()
		if oneHot.BatchSize() < n {
			return "", errors.Errorf("Generate: %d labels given for a batch of %d", oneHot.BatchSize(), n)
		}
		oneHot = oneHot.Slice(0, n)
	}

	var samples *tensors.Tensor
	err = model.NoGrad(m, func() error {
		var err error
		samples, err = m.Reverse(model.ReverseInputs{Conditioning: conditioning, OneHot: oneHot, NoiseScale: r.noiseScale})
		return err
	})
	if err != nil {
		return "", errors.WithMessage(err, "Generate: reverse pass failed")
	}
	if samples.BatchSize() == 0 {
		return "", errors.New("Generate: reverse pass returned no samples")
	}

	const index = 0
	sample := samples.Index(index).TransposeFirstAxes()
	audioPath := firstString(batch, data.FieldAudioPath)
	videoPath := firstString(batch, data.FieldVideoPath)
	samplePath = r.SamplePath(step, index)
	start := time.Now()
	if err = r.renderer.Render(samplePath, sample, audioPath, videoPath, firstFrame(batch)); err != nil {
		return "", errors.WithMessagef(err, "Generate: failed to render sample of step %d", step)
	}
	klog.V(1).Infof("step %d: rendered %q in %s", step, samplePath, time.Since(start))
	r.sink.Text(VideoTextName, r.videoURL+samplePath, step)
	return samplePath, nil
}

func (r *Runner) labelsFromBatch(batch data.Batch) (*tensors.Tensor, error) {
	if batch.Has(data.FieldYOneHot) {
		return batch.Tensor(data.FieldYOneHot)
	}
	if batch.Has(data.FieldY) {
		labels, err := batch.Ints(data.FieldY)
		if err != nil {
			return nil, err
		}
		return data.OneHot(labels, r.numClasses)
	}
	return nil, errors.Errorf("batch has neither %q nor %q labels", data.FieldYOneHot, data.FieldY)
}

func firstString(batch data.Batch, field string) string {
	if !batch.Has(field) {
		return ""
	}
	values, err := batch.Strings(field)
	if err != nil || len(values) == 0 {
		return ""
	}
	return values[0]
}

func firstFrame(batch data.Batch) *tensors.Tensor {
	switch frames := batch[data.FieldFirstFrame].(type) {
	case *tensors.Tensor:
		if frames.BatchSize() > 0 {
			return frames.Index(0)
		}
	case []*tensors.Tensor:
		if len(frames) > 0 {
			return frames[0]
		}
	}
	return nil
}

// Score runs the model over every batch of ds and returns the mean of the per-batch generative loss
// (the mean negative log-likelihood). The dataset is reset before and after.
func (r *Runner) Score(m model.Model, ds data.Dataset) (float64, error) {
	ds.Reset()
	defer ds.Reset()
	var losses []float64
	err := model.NoGrad(m, func() error {
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.WithMessagef(err, "failed reading batch #%d from dataset %q", len(losses), ds.Name())
			}
			x, err := batch.Tensor(data.FieldX)
			if err != nil {
				return err
			}
			conditioning, err := batch.Tensor(data.FieldAudioFeatures)
			if err != nil {
				return err
			}
			outputs, err := m.Forward(model.ForwardInputs{X: x, Conditioning: conditioning})
			if err != nil {
				return errors.WithMessagef(err, "forward pass of batch #%d failed", len(losses))
			}
			if len(outputs.NLL) == 0 {
				return errors.Errorf("forward pass of batch #%d returned no log-likelihoods", len(losses))
			}
			losses = append(losses, stat.Mean(outputs.NLL, nil))
		}
	})
	if err != nil {
		return 0, errors.WithMessage(err, "Score")
	}
	if len(losses) == 0 {
		return 0, errors.Errorf("Score: dataset %q is empty", ds.Name())
	}
	return stat.Mean(losses, nil), nil
}
