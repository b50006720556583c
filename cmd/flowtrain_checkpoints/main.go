// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// flowtrain_checkpoints reports on the checkpoints, hyperparameters and metrics of one or more
// training runs of flowtrain.
//
// Each argument is the log directory of a run: it holds the "hparams.json", the "events.jsonl"
// metrics and the "checkpoints" sub-directory. When more than one run is given, their values are
// shown side by side, and the hyperparameters that differ are highlighted.
//
// Example:
//
//	flowtrain_checkpoints -summary -params -metrics -metrics_names="loss" results/log_20260101_1200
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/ml/checkpoints"
	"github.com/speech2face/flowtrain/pkg/ml/hparams"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"k8s.io/klog/v2"
)

var (
	flagWhich = flag.String("which", checkpoints.Latest,
		"Checkpoint to inspect: \"latest\", \"best\" or a checkpoint id.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoint: global step and model sizes.")
	flagList    = flag.Bool("list", false, "Lists the checkpoints saved.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagBackup  = flag.Bool("backup", false,
		fmt.Sprintf("Backs up the latest checkpoint to the %q sub-directory, so it is not removed by the rotation.",
			checkpoints.BackupDir))
	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of abbreviations after each table.")
)

// Run holds the information about one training run being inspected.
type Run struct {
	// Dir is the log directory of the run, and Name a short unique name for it.
	Dir, Name string

	Handler *checkpoints.Handler

	// Metadata of the checkpoint selected with -which, nil if not found.
	Metadata *checkpoints.Metadata

	// Params are the hyperparameters of the run, nil if not found.
	Params *hparams.Params
}

// openRun reads what is available from the run in dir.
func openRun(dir string) (*Run, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	run := &Run{Dir: dir, Name: filepath.Base(dir)}
	checkpointsDir := filepath.Join(dir, "checkpoints")
	if exists, err := fsutil.FileExists(checkpointsDir); err != nil {
		return nil, err
	} else if !exists {
		// Maybe dir is the checkpoints directory itself.
		checkpointsDir = dir
	}
	run.Handler, err = checkpoints.Build(checkpointsDir).Done()
	if err != nil {
		return nil, err
	}
	run.Metadata, err = run.Handler.Metadata(*flagWhich)
	if err != nil {
		if !errors.Is(err, checkpoints.ErrNotFound) {
			return nil, err
		}
		klog.Warningf("No checkpoint %q in %q", *flagWhich, checkpointsDir)
		run.Metadata = nil
	}

	paramsPath := filepath.Join(dir, hparams.FileName)
	if exists, err := fsutil.FileExists(paramsPath); err != nil {
		return nil, err
	} else if exists {
		run.Params, err = hparams.LoadJSON(paramsPath)
		if err != nil {
			return nil, err
		}
	}
	return run, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing log directory to read from. See 'flowtrain_checkpoints -help'")
		os.Exit(1)
	}
	names := MinimalUniquePaths(args...)
	runs := make([]*Run, len(args))
	for ii, dir := range args {
		runs[ii] = must.M1(openRun(dir))
		runs[ii].Name = names[ii]
	}

	if *flagBackup {
		for _, run := range runs {
			must.M(run.Handler.Backup())
			fmt.Printf("Backed up latest checkpoint of %q\n", run.Dir)
		}
	}
	if *flagPerturbVars > 0 {
		for _, run := range runs {
			id := must.M1(PerturbVars(run.Handler, *flagWhich, *flagPerturbVars))
			fmt.Printf("Saved perturbed checkpoint %q\n", id)
		}
	}
	if *flagList {
		for _, run := range runs {
			ListCheckpoints(run)
		}
	}
	if *flagSummary {
		Summary(runs)
	}
	if *flagParams {
		Params(runs)
	}
	if *flagVars {
		for _, run := range runs {
			must.M(ListVariables(run))
		}
	}
	if *flagMetrics || *flagPlot {
		must.M(Metrics(runs))
	}
}
