// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// stargan trains a StarGAN model: a generator that translates face images to a target set of attributes
// (e.g. hair color, gender), trained against a discriminator that also classifies the attributes.
//
// Hyperparameters are set with -set, e.g.:
//
//	stargan -set "data_dir=~/data/celebA;epochs=20;batch_size=16;attributes=Black_Hair,Blond_Hair,Brown_Hair,Male,Young;n_labels=5"
//
// Use -set "continue=true" to resume from the latest checkpoint in checkpoint_dir.
// The backend is selected with the GOMLX_BACKEND environment variable (e.g. "xla:cuda").
package main

import (
	stdctx "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/stargan/internal/config"
	"github.com/gomlx/stargan/internal/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagProgressBar = flag.Bool("progress", true, "Display a progress bar with the latest losses in the terminal.")
	flagListParams  = flag.Bool("list_params", false, "List the hyperparameters with their values, and exit.")
)

func main() {
	ctx := config.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagListParams {
		fmt.Println(commandline.SprintContextSettings(ctx))
		return
	}
	if len(paramsSet) > 0 {
		klog.Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	runCtx, stop := signal.NotifyContext(stdctx.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := backends.New()
	if err != nil {
		klog.Fatalf("failed to create backend: %+v", err)
	}
	defer backend.Finalize()
	klog.Infof("backend: %s", backend.Description())

	err = trainer.Train(runCtx, backend, ctx, trainer.Options{ParamsSet: paramsSet, ProgressBar: *flagProgressBar})
	if err != nil {
		if trainer.IsCancellation(err) {
			klog.Warningf("training interrupted: %v", err)
			return
		}
		klog.Fatalf("training failed: %+v", err)
	}
	klog.Infof("training finished")
}
