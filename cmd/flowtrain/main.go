// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// flowtrain trains a conditional normalizing flow on a synthetic audio-to-face dataset, exercising
// the full training loop: learning rate schedule, gradient clipping, checkpoints, periodic
// generation and validation.
//
// Example:
//
//	flowtrain -set="Train.num_batches=5000;Schedule.kind=noam;Schedule.warmup_steps=500"
//
// While it runs, creating the file "do_inference" in the working directory (see -trigger_dir) requests
// a generation pass.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/ml/checkpoints"
	"github.com/speech2face/flowtrain/pkg/ml/data"
	"github.com/speech2face/flowtrain/pkg/ml/hparams"
	"github.com/speech2face/flowtrain/pkg/ml/metrics"
	"github.com/speech2face/flowtrain/pkg/ml/models/linearflow"
	"github.com/speech2face/flowtrain/pkg/ml/optimizers"
	"github.com/speech2face/flowtrain/pkg/ml/render"
	"github.com/speech2face/flowtrain/pkg/ml/train"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"github.com/speech2face/flowtrain/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagHParams  = flag.String("hparams", "", "JSON file with hyperparameters, merged over the defaults before -set is applied.")
	flagLogDir   = flag.String("log_dir", "", "Log directory of the run. If empty, a new one is created under \"Dir.log_root\".")
	flagResume   = flag.String("resume", "", "Checkpoint to resume from: \"latest\", \"best\" or a checkpoint id. Requires -log_dir.")
	flagPlot     = flag.Bool("plot", true, "Plot the scalar metrics to an image when training finishes.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar during training.")

	flagTriggerDir  = flag.String("trigger_dir", ".", "Directory watched for the \"do_inference\" file, that requests a generation pass.")
	flagReportEvery = flag.Int("report_every", 0, "If > 0, print the metrics of every global step multiple of it.")
)

func main() {
	p := DefaultParams()
	settings := commandline.CreateSettingsFlag(p, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagHParams != "" {
		must.M(p.MergeJSON(*flagHParams))
	}
	paramsSet := must.M1(p.ParseSettings(*settings))
	if len(paramsSet) > 0 {
		fmt.Printf("Modified hyperparameters:\n%s\n", commandline.SprintModifiedSettings(p, paramsSet))
	}
	if err := run(p); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// createLogDir returns the log directory of the run, creating it if needed.
func createLogDir(p *hparams.Params) (string, error) {
	logDir := *flagLogDir
	if logDir == "" {
		if *flagResume != "" {
			return "", errors.New("-resume requires -log_dir")
		}
		logRoot, err := fsutil.ReplaceTildeInDir(hparams.GetParamOr(p, train.ParamLogRoot, "results"))
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(logRoot, "log_"+time.Now().Format("20060102_1504"))
	}
	logDir, err := fsutil.ReplaceTildeInDir(logDir)
	if err != nil {
		return "", err
	}
	if err = fsutil.EnsureDir(logDir); err != nil {
		return "", err
	}
	return logDir, nil
}

func run(p *hparams.Params) error {
	cfg, err := train.ConfigFromParams(p)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	logDir, err := createLogDir(p)
	if err != nil {
		return err
	}
	if _, err = p.Dump(logDir); err != nil {
		return err
	}
	klog.Infof("log directory: %s", logDir)

	// Data.
	synthetic := SyntheticFromParams(p, max(cfg.YClasses, 1))
	numClasses := 0
	if cfg.YCondition {
		numClasses = synthetic.NumClasses
	}
	trainDS, validationDS, err := synthetic.Datasets(cfg.BatchSize)
	if err != nil {
		return err
	}
	var trainInput data.Dataset = trainDS
	if hparams.GetParamOr(p, ParamPrefetch, true) {
		prefetched := data.Parallel(trainDS)
		defer prefetched.Done()
		trainInput = prefetched
	}
	var validationInput data.Dataset
	if validationDS != nil {
		validationInput = validationDS
	}

	// Model and optimizer.
	m, err := linearflow.New(linearflow.Config{
		InputShape:       synthetic.InputShape(),
		ConditioningSize: synthetic.AudioFeatures,
		NumClasses:       numClasses,
		LearnTop:         cfg.YCondition,
		Seed:             hparams.GetParamOr(p, ParamModelSeed, int64(1)),
	})
	if err != nil {
		return err
	}
	opt, err := optimizers.Adam().
		LearningRate(cfg.Schedule.BaseRate).
		FromParams(func(key string, defaultValue float64) float64 {
			return hparams.GetParamOr(p, OptimPrefix+key, defaultValue)
		}).
		Done(m.NamedParameters())
	if err != nil {
		return err
	}

	// Checkpoints: restore the model and optimizer if resuming.
	handler, err := checkpoints.Build(filepath.Join(logDir, "checkpoints")).
		Keep(cfg.MaxCheckpoints).
		HalfPrecision(hparams.GetParamOr(p, train.ParamHalfPrecision, false)).
		Done()
	if err != nil {
		return err
	}
	var loadedStep int64
	if *flagResume != "" {
		state, err := handler.Load(*flagResume)
		if err != nil {
			return err
		}
		if err = m.LoadStateDict(state.Model); err != nil {
			return err
		}
		if err = opt.LoadStateDict(state.Optimizer); err != nil {
			return err
		}
		// Checkpoints are saved after the update of their step.
		loadedStep = state.Step + 1
		klog.Infof("resuming from checkpoint %q at global step %d", *flagResume, loadedStep)
	}

	sink, err := metrics.Open(logDir)
	if err != nil {
		return err
	}
	sink.PlotOnClose(*flagPlot)

	var renderer render.Renderer = render.PreviewRenderer{}
	if ffmpeg := hparams.GetParamOr(p, train.ParamFFmpegBin, ""); ffmpeg != "" {
		renderer = render.FFmpegRenderer{Binary: ffmpeg}
	}

	loop, err := train.Build(cfg, m, opt).
		Datasets(trainInput, validationInput).
		Renderer(renderer).
		LogDir(logDir).
		Sink(sink).
		Checkpoints(handler).
		Trigger(newTrigger()).
		LoadedStep(loadedStep).
		Done()
	if err != nil {
		_ = sink.Close()
		return err
	}
	if *flagProgress {
		commandline.AttachProgressBar(loop)
	}
	if *flagReportEvery > 0 {
		commandline.AttachMetricsReport(loop, os.Stdout, *flagReportEvery)
	}
	if err = loop.Run(); err != nil {
		return err
	}
	return commandline.ReportLastMetrics(os.Stdout, loop)
}

// newTrigger watches for the on-demand generation file in -trigger_dir.
func newTrigger() *train.FileTrigger {
	return train.NewFileTrigger(*flagTriggerDir)
}
