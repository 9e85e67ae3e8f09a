// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs the StarGAN training: every step updates the generator on a pair of source and target
// batches, then the discriminator on the target batch and the generated images.
//
// The steps are compiled graphs (see Steps) and the iteration is done by Loop, to which the checkpointing,
// summary and progress bar features are attached as hooks. Train wires everything together, including the
// restoration of a previous run.
package trainer

import (
	stdctx "context"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/stargan/internal/checkpoints"
	"github.com/gomlx/stargan/internal/config"
	"github.com/gomlx/stargan/internal/dataset"
	"github.com/gomlx/stargan/internal/optimizers"
	"github.com/gomlx/stargan/internal/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a training session, beyond the hyperparameters in the context.
type Options struct {
	// ParamsSet lists the hyperparameters explicitly set by the user (e.g. with the -set flag): they take
	// precedence over those saved in a restored checkpoint.
	ParamsSet []string

	// ProgressBar enables the terminal progress display.
	ProgressBar bool
}

// Restore loads the latest checkpoint in the checkpoint directory configured in ctx, if the "continue"
// hyperparameter is set. The saved hyperparameters are applied to ctx, except those in paramsSet and
// config.ParamsExcludedFromLoading.
//
// It returns nil if no restoration was requested, or if there is no checkpoint to restore from (a warning is
// logged and training starts fresh). A checkpoint that can't be read is an error.
func Restore(ctx *context.Context, paramsSet []string) (*checkpoints.Snapshot, error) {
	if !context.GetParamOr(ctx, config.ParamContinue, false) {
		return nil, nil
	}
	dir := context.GetParamOr(ctx, config.ParamCheckpointDir, config.Default().CheckpointDir)
	dir = fsutil.MustReplaceTildeInDir(dir)
	snapshot, err := checkpoints.LoadLatest(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to restore training from %q", dir)
	}
	if snapshot == nil {
		klog.Warningf("%s=true, but there are no checkpoints in %q: starting a new training run",
			config.ParamContinue, dir)
		return nil, nil
	}
	exclude := append(slices.Clone(paramsSet), config.ParamsExcludedFromLoading...)
	snapshot.ApplyParams(ctx, exclude...)
	klog.Infof("restoring checkpoint %q (global step %d, run %s)", snapshot.BaseName, snapshot.GlobalStep(),
		snapshot.RunID())
	return snapshot, nil
}

// Train runs a training session with the hyperparameters in ctx, until the configured number of epochs is
// reached or runCtx is cancelled. A cancelled run saves a last checkpoint and returns an error for which
// IsCancellation is true.
func Train(runCtx stdctx.Context, backend backends.Backend, ctx *context.Context, opts Options) error {
	snapshot, err := Restore(ctx, opts.ParamsSet)
	if err != nil {
		return err
	}
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}
	ds, err := dataset.Open(cfg)
	if err != nil {
		return err
	}

	store, err := checkpoints.Build(cfg.CheckpointDir).
		Keep(cfg.CheckpointKeep).
		Retries(cfg.CheckpointRetries).
		Done()
	if err != nil {
		return err
	}
	steps, err := NewSteps(backend, ctx, cfg)
	if err != nil {
		return err
	}
	defer steps.Finalize()

	var globalStep int64
	if snapshot != nil {
		if err = store.Attach(ctx, snapshot); err != nil {
			return err
		}
		globalStep = snapshot.GlobalStep()
		if slices.Contains(opts.ParamsSet, config.ParamLearningRate) {
			if err = resetLearningRates(ctx); err != nil {
				return err
			}
		}
	}
	loop := NewLoop(steps, cfg, ds, globalStep, snapshot != nil)

	writer, err := summary.NewWriter(cfg.LogDir, store.RunID())
	if err != nil {
		return err
	}
	AttachSummary(loop, writer)
	AttachCheckpoints(loop, ctx, store)
	if opts.ProgressBar {
		AttachProgressBar(loop)
	}
	if snapshot != nil {
		attachRestoreCheck(loop, store)
	}
	klog.Infof("training %d epochs of %d steps, run %s, checkpoints in %q, summary in %q",
		cfg.Epochs, loop.StepsPerEpoch, store.RunID(), store.Dir(), writer.FilePath())
	return loop.Run(runCtx)
}

// resetLearningRates drops the restored learning rate variables of the optimizers, so they are created again
// with the configured learning rate.
func resetLearningRates(ctx *context.Context) error {
	for _, scope := range []string{GeneratorOptimizerScope, DiscriminatorOptimizerScope} {
		scope = context.ScopeSeparator + scope
		if err := ctx.DeleteVariable(scope, optimizers.LearningRateVariableName); err != nil {
			return errors.WithMessagef(err, "failed to reset learning rate in %q", scope)
		}
	}
	klog.Infof("%s=%g set: restored learning rates are ignored", config.ParamLearningRate,
		context.GetParamOr(ctx, config.ParamLearningRate, config.Default().LearningRate))
	return nil
}

// attachRestoreCheck warns, after the first step, about restored values the model didn't use.
func attachRestoreCheck(loop *Loop, store *checkpoints.Store) {
	checked := false
	loop.OnStep("stargan.restore_check", CheckpointPriority-1, func(_ *Loop, _ *StepResult) error {
		if checked {
			return nil
		}
		checked = true
		if pending := store.PendingVariables(); len(pending) > 0 {
			klog.Warningf("%d restored variables not used by the model: %v", len(pending), pending)
		}
		return nil
	})
}
