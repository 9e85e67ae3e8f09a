// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxopt "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/stargan/internal/config"
	"github.com/gomlx/stargan/internal/dataset"
	"github.com/gomlx/stargan/internal/losses"
	"github.com/gomlx/stargan/internal/networks"
	"github.com/gomlx/stargan/internal/optimizers"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Absolute scopes (without the leading separator) of the two optimizers.
const (
	GeneratorOptimizerScope     = "adam_generator"
	DiscriminatorOptimizerScope = "adam_discriminator"
)

// GeneratorResult is the outcome of a generator update.
type GeneratorResult struct {
	// Fake are the source images translated to the target attributes, by the generator before its update.
	Fake *tensors.Tensor

	Terms losses.GeneratorTerms[float64]

	// Loss is the weighted sum of Terms.
	Loss float64
}

// DiscriminatorResult is the outcome of a discriminator update.
type DiscriminatorResult struct {
	Terms losses.DiscriminatorTerms[float64]

	// Loss is the weighted sum of Terms.
	Loss float64

	// GlobalStep after the update.
	GlobalStep int64
}

// StepFn executes the two halves of a training step. The parameters are held in the context of the
// implementation, and updated in place.
type StepFn interface {
	// GeneratorStep translates source images to the target attributes and back, and updates the generator
	// parameters only.
	GeneratorStep(source, target *dataset.Batch) (*GeneratorResult, error)

	// DiscriminatorStep scores the real target images and the given fake images, and updates the
	// discriminator parameters only. It also increments the global step.
	DiscriminatorStep(target *dataset.Batch, fake *tensors.Tensor) (*DiscriminatorResult, error)
}

// Steps implements StepFn with one compiled graph for each half of the step.
type Steps struct {
	cfg *config.Config
	ctx *context.Context

	GeneratorOptimizer, DiscriminatorOptimizer *optimizers.Adamizer

	generatorExec, discriminatorExec *context.Exec
}

// Assert Steps is a StepFn.
var _ StepFn = (*Steps)(nil)

// NewSteps creates the step functions and the optimizers for the networks in ctx.
// The graphs are only built (and the variables created or loaded) on the first call.
func NewSteps(backend backends.Backend, ctx *context.Context, cfg *config.Config) (*Steps, error) {
	s := &Steps{cfg: cfg, ctx: ctx}
	err := exceptions.TryCatch[error](func() {
		s.GeneratorOptimizer = optimizers.Adam().
			Scope(GeneratorOptimizerScope).
			LearningRate(cfg.LearningRate).
			Betas(cfg.AdamBeta1, cfg.AdamBeta2).
			Epsilon(cfg.AdamEpsilon).
			Variables(networks.GeneratorVariables).
			Done()
		s.DiscriminatorOptimizer = optimizers.Adam().
			Scope(DiscriminatorOptimizerScope).
			LearningRate(cfg.LearningRate).
			Betas(cfg.AdamBeta1, cfg.AdamBeta2).
			Epsilon(cfg.AdamEpsilon).
			Variables(networks.DiscriminatorVariables).
			Done()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating optimizers")
	}
	s.generatorExec, err = context.NewExec(backend, ctx, s.generatorGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating generator step")
	}
	s.discriminatorExec, err = context.NewExec(backend, ctx, s.discriminatorGraph)
	if err != nil {
		s.generatorExec.Finalize()
		return nil, errors.WithMessage(err, "creating discriminator step")
	}
	return s, nil
}

// Finalize frees the compiled graphs.
func (s *Steps) Finalize() {
	s.generatorExec.Finalize()
	s.discriminatorExec.Finalize()
}

// generatorGraph inputs are the source images, the source attributes and the target attributes.
// It returns the fake images followed by the loss terms and the total generator loss.
func (s *Steps) generatorGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, attributes, targetAttributes := inputs[0], inputs[1], inputs[2]
	g := images.Graph()
	fake := networks.Translate(ctx, s.cfg, images, targetAttributes)
	reconstructed := networks.Translate(ctx, s.cfg, fake, attributes)
	src, cls := networks.Discriminator(ctx, s.cfg, fake)
	terms := losses.GeneratorTerms[*Node]{
		FakeAdversarial:    losses.AdversarialLoss(src, true),
		FakeClassification: losses.ClassificationLoss(cls, targetAttributes),
		Reconstruction:     losses.ReconstructionLoss(images, reconstructed),
	}
	loss := losses.GeneratorLossGraph(terms, s.cfg.LambdaCls, s.cfg.LambdaRec)
	s.GeneratorOptimizer.UpdateGraph(ctx, g, loss)
	return []*Node{fake, terms.FakeAdversarial, terms.FakeClassification, terms.Reconstruction, loss}
}

// discriminatorGraph inputs are the real images, their attributes and the fake images.
// It returns the loss terms, the total discriminator loss and the incremented global step.
func (s *Steps) discriminatorGraph(ctx *context.Context, inputs []*Node) []*Node {
	images, attributes, fake := inputs[0], inputs[1], inputs[2]
	g := images.Graph()
	realSrc, realCls := networks.Discriminator(ctx, s.cfg, images)
	fakeSrc, _ := networks.Discriminator(ctx, s.cfg, fake)
	terms := losses.DiscriminatorTerms[*Node]{
		RealAdversarial:    losses.AdversarialLoss(realSrc, true),
		FakeAdversarial:    losses.AdversarialLoss(fakeSrc, false),
		RealClassification: losses.ClassificationLoss(realCls, attributes),
	}
	loss := losses.DiscriminatorLossGraph(terms, s.cfg.LambdaCls)
	s.DiscriminatorOptimizer.UpdateGraph(ctx, g, loss)
	globalStep := gomlxopt.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)
	return []*Node{terms.RealAdversarial, terms.FakeAdversarial, terms.RealClassification, loss, globalStep}
}

// GeneratorStep implements StepFn.
func (s *Steps) GeneratorStep(source, target *dataset.Batch) (*GeneratorResult, error) {
	outputs, err := s.generatorExec.Exec(source.Images, source.Attributes, target.Attributes)
	if err != nil {
		return nil, errors.WithMessage(err, "generator step")
	}
	defer finalizeAll(outputs[1:])
	r := &GeneratorResult{
		Fake: outputs[0],
		Terms: losses.GeneratorTerms[float64]{
			FakeAdversarial:    scalar(outputs[1]),
			FakeClassification: scalar(outputs[2]),
			Reconstruction:     scalar(outputs[3]),
		},
		Loss: scalar(outputs[4]),
	}
	return r, nil
}

// DiscriminatorStep implements StepFn.
func (s *Steps) DiscriminatorStep(target *dataset.Batch, fake *tensors.Tensor) (*DiscriminatorResult, error) {
	outputs, err := s.discriminatorExec.Exec(target.Images, target.Attributes, fake)
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator step")
	}
	defer finalizeAll(outputs)
	return &DiscriminatorResult{
		Terms: losses.DiscriminatorTerms[float64]{
			RealAdversarial:    scalar(outputs[0]),
			FakeAdversarial:    scalar(outputs[1]),
			RealClassification: scalar(outputs[2]),
		},
		Loss:       scalar(outputs[3]),
		GlobalStep: tensors.ToScalar[int64](outputs[4]),
	}, nil
}

func scalar(t *tensors.Tensor) float64 {
	return float64(tensors.ToScalar[float32](t))
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		t.MustFinalizeAll()
	}
}

// checkFinite returns an error naming the step and the loss term if value is NaN or infinite.
func checkFinite[T constraints.Float](step int64, term string, value T) error {
	v := float64(value)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Errorf("step %d: loss term %q is %g, training halted", step, term, v)
	}
	return nil
}

// CheckBatch verifies that a batch matches the configured shapes.
func CheckBatch(cfg *config.Config, batch *dataset.Batch) error {
	wantImages := []int{cfg.BatchSize, cfg.ImageSize, cfg.ImageSize, cfg.ImageChannels}
	if dims := batch.Images.Shape().Dimensions; !slices.Equal(dims, wantImages) {
		return errors.Errorf("batch images shaped %v, but the configuration requires %v "+
			"(batch_size, image_size, image_size, image_channels)", dims, wantImages)
	}
	wantAttributes := []int{cfg.BatchSize, cfg.NumLabels}
	if dims := batch.Attributes.Shape().Dimensions; !slices.Equal(dims, wantAttributes) {
		return errors.Errorf("batch attributes shaped %v, but the configuration requires %v (batch_size, n_labels)",
			dims, wantAttributes)
	}
	return nil
}
