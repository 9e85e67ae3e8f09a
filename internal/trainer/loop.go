// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	stdctx "context"
	"iter"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/stargan/internal/config"
	"github.com/gomlx/stargan/internal/dataset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. They are called after every step, with its results.
type OnStepFn func(loop *Loop, result *StepResult) error

// OnEndFn is the type of OnEnd hooks. runErr is the error that ended the run, nil if all epochs were
// completed. A cancelled run ends with an error wrapping context.Canceled (or context.DeadlineExceeded).
type OnEndFn func(loop *Loop, runErr error) error

// StepResult holds the results of one training step.
type StepResult struct {
	// GlobalStep after the step.
	GlobalStep int64

	// Epoch the step belongs to, starting from 0.
	Epoch int

	Generator     *GeneratorResult
	Discriminator *DiscriminatorResult

	Duration time.Duration
}

// Loop runs the epochs of training, invoking the StepFn for every pair of batches, and calling the
// registered hooks.
//
// Checkpointing, summaries and progress display are attached as hooks.
//
// The public attributes are meant for reading only.
type Loop struct {
	Steps   StepFn
	Config  *config.Config
	Dataset *dataset.Dataset

	// GlobalStep is the number of steps completed. It starts with the restored global step (0 for a new run).
	GlobalStep int64

	// StartStep is the value of GlobalStep when Run was called, and EndStep the value at which it stops.
	StartStep, EndStep int64

	// Epoch currently running, starting from 0.
	Epoch int

	// StepsPerEpoch is the number of full batches per epoch.
	StepsPerEpoch int

	// StepDurations collected during training.
	StepDurations []time.Duration

	state State

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop over ds, starting at globalStep.
// The state of the loop is StateGraphBuilt, or StateRestored if restored is set.
func NewLoop(steps StepFn, cfg *config.Config, ds *dataset.Dataset, globalStep int64, restored bool) *Loop {
	loop := &Loop{
		Steps:         steps,
		Config:        cfg,
		Dataset:       ds,
		GlobalStep:    globalStep,
		StepsPerEpoch: ds.Len() / cfg.BatchSize,
		onStart:       newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:        newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:         newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	loop.setState(StateGraphBuilt)
	if restored {
		loop.setState(StateRestored)
	}
	return loop
}

// State of the loop.
func (loop *Loop) State() State { return loop.state }

func (loop *Loop) setState(state State) {
	if state == loop.state {
		return
	}
	klog.Infof("training state %s -> %s (global step %d)", loop.state, state, loop.GlobalStep)
	loop.state = state
}

// PCG streams of the source and target orderings: one seed draws two independent sequences of permutations.
const (
	sourceStream = 1
	targetStream = 2
)

// Run trains until Config.Epochs epochs are completed, or ctx is cancelled.
//
// Each epoch draws two independent permutations of the dataset: one for the source batches and one for the
// target batches. The orderings only depend on the seed and the epoch, so a resumed run replays the
// orderings of the epochs already trained and skips the steps already done in the current epoch.
//
// Cancellation is only checked between steps.
func (loop *Loop) Run(ctx stdctx.Context) (err error) {
	cfg := loop.Config
	if loop.StepsPerEpoch == 0 {
		return errors.Errorf("dataset has %d samples, not enough for one batch of %d", loop.Dataset.Len(), cfg.BatchSize)
	}
	loop.StartStep = loop.GlobalStep
	loop.EndStep = int64(cfg.Epochs) * int64(loop.StepsPerEpoch)
	loop.StepDurations = make([]time.Duration, 0, max(0, loop.EndStep-loop.StartStep))

	seed := uint64(cfg.Seed)
	sources := dataset.NewShuffler(loop.Dataset.Len(), cfg.BatchSize, rand.New(rand.NewPCG(seed, sourceStream)))
	targets := dataset.NewShuffler(loop.Dataset.Len(), cfg.BatchSize, rand.New(rand.NewPCG(seed, targetStream)))
	firstEpoch := int(loop.GlobalStep / int64(loop.StepsPerEpoch))
	skip := int(loop.GlobalStep % int64(loop.StepsPerEpoch))
	for range min(firstEpoch, cfg.Epochs) {
		sources.Epoch()
		targets.Epoch()
	}
	if loop.GlobalStep > 0 {
		klog.Infof("resuming at global step %d: epoch %d, step %d of %d", loop.GlobalStep, firstEpoch, skip,
			loop.StepsPerEpoch)
	}

	for hook := range loop.onStart.All() {
		if err = hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	for loop.Epoch = firstEpoch; loop.Epoch < cfg.Epochs; loop.Epoch++ {
		sourceBatches, targetBatches := sources.Epoch(), targets.Epoch()
		err = loop.runEpoch(ctx, sourceBatches[skip:], targetBatches[skip:])
		skip = 0
		if err != nil {
			break
		}
	}
	for hook := range loop.onEnd.All() {
		if hookErr := hook.fn(loop, err); hookErr != nil {
			hookErr = errors.WithMessagef(hookErr, "OnEnd(hook %q)", hook.name)
			if err == nil {
				err = hookErr
			} else {
				klog.Errorf("%v", hookErr)
			}
		}
	}
	// Done is terminal: set after the OnEnd hooks, which may save a final checkpoint.
	loop.setState(StateDone)
	return err
}

// batchPair holds the source and target batches of one step.
type batchPair struct {
	source, target *dataset.Batch
}

func (p *batchPair) FinalizeAll() {
	p.source.FinalizeAll()
	p.target.FinalizeAll()
}

func (loop *Loop) runEpoch(ctx stdctx.Context, sourceBatches, targetBatches [][]int) error {
	load := func(ii int) (*batchPair, error) {
		source, err := loop.Dataset.LoadBatch(sourceBatches[ii])
		if err != nil {
			return nil, err
		}
		target, err := loop.Dataset.LoadBatch(targetBatches[ii])
		if err != nil {
			source.FinalizeAll()
			return nil, err
		}
		return &batchPair{source, target}, nil
	}
	prefetcher := dataset.Prefetch(ctx, len(sourceBatches), loop.Config.Prefetch, load, (*batchPair).FinalizeAll)
	defer prefetcher.Close()
	for range len(sourceBatches) {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training interrupted at global step %d", loop.GlobalStep)
		}
		pair, err := prefetcher.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Wrapf(ctxErr, "training interrupted at global step %d", loop.GlobalStep)
			}
			return errors.WithMessagef(err, "epoch %d: failed reading batch", loop.Epoch)
		}
		err = loop.step(pair)
		pair.FinalizeAll()
		if err != nil {
			return err
		}
	}
	return nil
}

// step runs the generator update, followed by the discriminator update on the generated images,
// and calls the OnStep hooks.
func (loop *Loop) step(pair *batchPair) error {
	if loop.GlobalStep == loop.StartStep {
		for _, batch := range []*dataset.Batch{pair.source, pair.target} {
			if err := CheckBatch(loop.Config, batch); err != nil {
				return err
			}
		}
	}
	loop.setState(StateTraining)
	step := loop.GlobalStep + 1
	startTime := time.Now()

	gen, err := loop.Steps.GeneratorStep(pair.source, pair.target)
	if err != nil {
		return errors.WithMessagef(err, "step %d", step)
	}
	defer gen.Fake.MustFinalizeAll()
	for _, term := range []struct {
		name  string
		value float64
	}{
		{"g_fake_adv_loss", gen.Terms.FakeAdversarial},
		{"g_fake_cls_loss", gen.Terms.FakeClassification},
		{"g_recon_loss", gen.Terms.Reconstruction},
		{"g_loss", gen.Loss},
	} {
		if err = checkFinite(step, term.name, term.value); err != nil {
			return err
		}
	}

	disc, err := loop.Steps.DiscriminatorStep(pair.target, gen.Fake)
	if err != nil {
		return errors.WithMessagef(err, "step %d", step)
	}
	for _, term := range []struct {
		name  string
		value float64
	}{
		{"d_real_adv_loss", disc.Terms.RealAdversarial},
		{"d_fake_adv_loss", disc.Terms.FakeAdversarial},
		{"d_real_cls_loss", disc.Terms.RealClassification},
		{"d_loss", disc.Loss},
	} {
		if err = checkFinite(step, term.name, term.value); err != nil {
			return err
		}
	}
	if disc.GlobalStep != step {
		klog.Warningf("global step is %d after step %d", disc.GlobalStep, step)
	}
	elapsed := time.Since(startTime)
	loop.StepDurations = append(loop.StepDurations, elapsed)
	loop.GlobalStep = disc.GlobalStep

	result := &StepResult{
		GlobalStep:    loop.GlobalStep,
		Epoch:         loop.Epoch,
		Generator:     gen,
		Discriminator: disc,
		Duration:      elapsed,
	}
	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, result); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q, global step %d)", hook.name, loop.GlobalStep)
		}
	}
	return nil
}

// MedianStepDuration returns the median duration of the training steps. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
// OnEnd hooks are called however the run ends.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
