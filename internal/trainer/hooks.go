// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	stdctx "context"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/stargan/internal/checkpoints"
	"github.com/gomlx/stargan/internal/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hook names.
const (
	CheckpointHookName = "stargan.checkpoint"
	SummaryHookName    = "stargan.summary"
)

// Hook priorities: summaries are recorded before the checkpoint that includes the step, and the progress bar
// is updated last.
const (
	SummaryPriority     Priority = -10
	CheckpointPriority  Priority = 0
	ProgressBarPriority Priority = 10
)

// AttachCheckpoints saves a checkpoint of ctx every Config.CheckpointPeriod steps (or at the end of every epoch,
// if the period is 0), and once more at the end of the run.
//
// The final checkpoint is also saved when the run is cancelled, but not when it fails: a failed step may
// have left the parameters in a bad state (e.g. NaN).
//
// A checkpoint that can't be written (after the retries of the store) is logged and training continues.
func AttachCheckpoints(loop *Loop, ctx *context.Context, store *checkpoints.Store) {
	lastSaved := loop.GlobalStep
	save := func() {
		baseName, err := store.Save(ctx)
		if err != nil {
			klog.Errorf("failed to save checkpoint at global step %d, training continues: %+v", loop.GlobalStep, err)
			return
		}
		lastSaved = loop.GlobalStep
		klog.V(1).Infof("saved checkpoint %q", baseName)
		loop.setState(StateCheckpointed)
	}
	loop.OnStep(CheckpointHookName, CheckpointPriority, func(loop *Loop, result *StepResult) error {
		period := int64(loop.Config.CheckpointPeriod)
		if period == 0 {
			period = int64(loop.StepsPerEpoch)
		}
		if result.GlobalStep%period == 0 {
			save()
		}
		return nil
	})
	loop.OnEnd(CheckpointHookName, CheckpointPriority, func(loop *Loop, runErr error) error {
		if runErr != nil && !IsCancellation(runErr) {
			klog.Warningf("training failed at global step %d, no final checkpoint saved", loop.GlobalStep)
			return nil
		}
		if loop.GlobalStep != lastSaved {
			save()
		}
		return nil
	})
}

// IsCancellation returns whether err is caused by the cancellation (or deadline) of a context.
func IsCancellation(err error) bool {
	return errors.Is(err, stdctx.Canceled) || errors.Is(err, stdctx.DeadlineExceeded)
}

// AttachSummary records the loss terms and composites of every step with w, and closes w at the end of the run.
func AttachSummary(loop *Loop, w *summary.Writer) {
	loop.OnStep(SummaryHookName, SummaryPriority, func(_ *Loop, result *StepResult) error {
		step := result.GlobalStep
		d, g := result.Discriminator, result.Generator
		w.Add(step, summary.DiscriminatorRealAdversarial, d.Terms.RealAdversarial)
		w.Add(step, summary.DiscriminatorFakeAdversarial, d.Terms.FakeAdversarial)
		w.Add(step, summary.DiscriminatorRealClassification, d.Terms.RealClassification)
		w.Add(step, summary.DiscriminatorLoss, d.Loss)
		w.Add(step, summary.GeneratorFakeAdversarial, g.Terms.FakeAdversarial)
		w.Add(step, summary.GeneratorFakeClassification, g.Terms.FakeClassification)
		w.Add(step, summary.GeneratorReconstruction, g.Terms.Reconstruction)
		w.Add(step, summary.GeneratorLoss, g.Loss)
		return nil
	})
	loop.OnEnd(SummaryHookName, SummaryPriority, func(_ *Loop, _ error) error {
		return w.Close()
	})
}
