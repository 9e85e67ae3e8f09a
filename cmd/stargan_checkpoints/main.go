// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// stargan_checkpoints reports on the checkpoints and training summaries of one or more StarGAN runs.
//
// Usage:
//
//	stargan_checkpoints [flags] <checkpoint_dir> [<checkpoint_dir>...]
//
// With more than one checkpoint directory, the reports put the runs side by side, and hyperparameters
// that differ are highlighted.
//
// Examples:
//
//	stargan_checkpoints -summary -params ~/work/stargan/checkpoint
//	stargan_checkpoints -vars -scope=/generator ~/work/stargan/checkpoint
//	stargan_checkpoints -metrics -metrics_names='loss$' -plot ~/work/stargan/checkpoint
//	stargan_checkpoints -delete_vars=/adam_generator,/adam_discriminator ~/work/stargan/checkpoint
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/stargan/internal/checkpoints"
	"github.com/gomlx/stargan/internal/config"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "", "Only consider variables under this scope in the -summary and -vars "+
		"reports, e.g. \"/generator\". Empty means all variables, including the optimizers' state.")
	flagSummary = flag.Bool("summary", false, "Display the global step and the size of each network and optimizer.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters saved with the checkpoint.")
	flagLogDir  = flag.String("log_dir", "", "Directory with the training summary log. "+
		"If empty, the log_dir hyperparameter saved with each checkpoint is used.")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// run is one checkpoint directory being inspected.
type run struct {
	// Path to the checkpoint directory, Name a short unique name for it.
	Path, Name string

	Snapshot *checkpoints.Snapshot
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'stargan_checkpoints -help'")
		os.Exit(1)
	}
	if *flagDeleteVars != "" {
		if len(paths) > 1 {
			klog.Fatalf("-delete_vars can only be used with one checkpoint directory, got %d", len(paths))
		}
		scopes := strings.Split(*flagDeleteVars, ",")
		numDeleted, baseName := must.M2(DeleteVars(paths[0], scopes...))
		if numDeleted == 0 {
			fmt.Printf("No variables under scopes %v, nothing changed.\n", scopes)
		} else {
			fmt.Printf("%d deleted variables under scopes %v, new checkpoint %q saved.\n", numDeleted, scopes, baseName)
		}
		return
	}

	runs := must.M1(loadRuns(paths))
	if *flagSummary {
		Summary(runs)
	}
	if *flagParams {
		Params(runs)
	}
	if *flagVars {
		ListVariables(runs)
	}
	if *flagMetrics || *flagMetricsLabels || *flagPlot || *flagSVG != "" {
		metrics(runs)
	}
}

// loadRuns reads the latest checkpoint of each of the directories.
func loadRuns(paths []string) ([]*run, error) {
	names := runNames(paths)
	runs := make([]*run, 0, len(paths))
	for ii, path := range paths {
		dir := fsutil.MustReplaceTildeInDir(path)
		snapshot, err := checkpoints.LoadLatest(dir)
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			return nil, errors.Errorf("no checkpoints found in %q", dir)
		}
		runs = append(runs, &run{Path: dir, Name: names[ii], Snapshot: snapshot})
	}
	return runs, nil
}

// logDir returns the directory with the summary log of the run.
func (r *run) logDir() string {
	if *flagLogDir != "" {
		return *flagLogDir
	}
	if value, found := r.Snapshot.Param(config.ParamLogDir); found {
		if dir, ok := value.(string); ok && dir != "" {
			return dir
		}
	}
	return config.Default().LogDir
}
