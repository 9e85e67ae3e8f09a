// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses defines the StarGAN loss terms and how they are combined.
//
// The individual terms are graph functions returning scalars. The composites are defined twice with
// the same formulas: once on graph nodes, used by the training step, and once on plain float64 values,
// used for reporting and for testing the weighting.
package losses

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/stargan/internal/networks"
)

// AdversarialLoss is the mean sigmoid cross-entropy of the real/fake score logits against an all-ones
// (real=true) or all-zeros (real=false) target.
func AdversarialLoss(logits *Node, real bool) *Node {
	var target *Node
	if real {
		target = OnesLike(logits)
	} else {
		target = ZerosLike(logits)
	}
	return ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{target}, []*Node{logits}))
}

// ClassificationLoss is the mean sigmoid cross-entropy of the domain classification logits, shaped
// [batch, height, width, n_labels], against the attributes shaped [batch, n_labels] broadcast to every
// spatial position.
func ClassificationLoss(logits, attributes *Node) *Node {
	if logits.Rank() != 4 {
		exceptions.Panicf("ClassificationLoss expects logits shaped [batch, height, width, n_labels], got %s",
			logits.Shape())
	}
	if attributes.DType() != logits.DType() {
		attributes = ConvertDType(attributes, logits.DType())
	}
	targets := networks.BroadcastAttributes(attributes, logits.Shape().Dim(1), logits.Shape().Dim(2))
	if !targets.Shape().Equal(logits.Shape()) {
		exceptions.Panicf("ClassificationLoss: attributes (%s) don't match the logits (%s)",
			attributes.Shape(), logits.Shape())
	}
	return ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{targets}, []*Node{logits}))
}

// ReconstructionLoss is the mean absolute difference between the original and reconstructed images.
func ReconstructionLoss(original, reconstructed *Node) *Node {
	return losses.MeanAbsoluteError([]*Node{original}, []*Node{reconstructed})
}

// DiscriminatorTerms holds the terms of the discriminator objective.
type DiscriminatorTerms[T any] struct {
	RealAdversarial, FakeAdversarial, RealClassification T
}

// GeneratorTerms holds the terms of the generator objective.
type GeneratorTerms[T any] struct {
	FakeAdversarial, FakeClassification, Reconstruction T
}

// DiscriminatorLoss = real_adv + fake_adv + lambdaCls * real_cls.
func DiscriminatorLoss(terms DiscriminatorTerms[float64], lambdaCls float64) float64 {
	return terms.RealAdversarial + terms.FakeAdversarial + lambdaCls*terms.RealClassification
}

// GeneratorLoss = fake_adv + lambdaCls * fake_cls + lambdaRec * recon.
func GeneratorLoss(terms GeneratorTerms[float64], lambdaCls, lambdaRec float64) float64 {
	return terms.FakeAdversarial + lambdaCls*terms.FakeClassification + lambdaRec*terms.Reconstruction
}

// DiscriminatorLossGraph is the graph version of DiscriminatorLoss.
func DiscriminatorLossGraph(terms DiscriminatorTerms[*Node], lambdaCls float64) *Node {
	return Add(
		Add(terms.RealAdversarial, terms.FakeAdversarial),
		MulScalar(terms.RealClassification, lambdaCls))
}

// GeneratorLossGraph is the graph version of GeneratorLoss.
func GeneratorLossGraph(terms GeneratorTerms[*Node], lambdaCls, lambdaRec float64) *Node {
	return Add(
		Add(terms.FakeAdversarial, MulScalar(terms.FakeClassification, lambdaCls)),
		MulScalar(terms.Reconstruction, lambdaRec))
}
