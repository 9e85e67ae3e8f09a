// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package networks builds the StarGAN generator and discriminator graphs.
//
// Each network owns the variables under its own absolute scope (GeneratorScope and DiscriminatorScope).
// Building a network more than once in a graph, or in different graphs, reuses the same variables:
// this is what makes the reconstruction pass use the exact parameters of the translation pass.
// GeneratorVariables and DiscriminatorVariables enumerate each network's parameters, and are the only
// way the optimizers learn what they are allowed to update.
package networks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/stargan/internal/config"
)

const (
	// GeneratorScope is the absolute scope holding the generator variables.
	GeneratorScope = "generator"

	// NumBottleneckBlocks is the number of stride-1 convolution blocks at the lowest resolution.
	NumBottleneckBlocks = 6
)

// Generator translates attribute-augmented images to plain images.
//
// The input is shaped [batch, height, width, image_channels+n_labels], where the last n_labels channels hold
// the target attributes broadcast over the spatial positions (see BroadcastAttributes). The output is
// shaped [batch, height, width, image_channels], with values in [-1, 1].
//
// Height and width must be divisible by 4.
func Generator(ctx *context.Context, cfg *config.Config, augmented *Node) *Node {
	dims := augmented.Shape().Dimensions
	if augmented.Rank() != 4 || dims[3] != cfg.AugmentedChannels() {
		exceptions.Panicf("Generator expects input shaped [batch, height, width, %d], got %s",
			cfg.AugmentedChannels(), augmented.Shape())
	}
	if dims[1]%4 != 0 || dims[2]%4 != 0 {
		exceptions.Panicf("Generator requires height and width divisible by 4, got %s", augmented.Shape())
	}
	ctx = ctx.InAbsPath(context.ScopeSeparator + GeneratorScope).Checked(false)
	nf := cfg.NumFilters

	block := func(scope string, x *Node, filters, kernelSize, stride int) *Node {
		blockCtx := ctx.In(scope)
		x = conv2D(blockCtx, x, filters, kernelSize, stride)
		x = InstanceNorm(blockCtx.In("norm"), x)
		return activations.Relu(x)
	}

	// Down-sampling: the first stage keeps the resolution, the next two halve it.
	x := block("down_1", augmented, nf, 7, 1)
	x = block("down_2", x, 2*nf, 4, 2)
	x = block("down_3", x, 4*nf, 4, 2)

	// Bottleneck.
	for ii := range NumBottleneckBlocks {
		x = block(blockName("bottleneck", ii+1), x, 4*nf, 3, 1)
	}

	// Up-sampling.
	for ii, filters := range []int{2 * nf, nf} {
		upCtx := ctx.In(blockName("up", ii+1))
		x = deconv2D(upCtx, x, filters)
		x = InstanceNorm(upCtx.In("norm"), x)
		x = activations.Relu(x)
	}

	x = conv2D(ctx.In("output"), x, cfg.ImageChannels, 7, 1)
	return Tanh(x)
}

// Translate runs the generator on images conditioned on the given attributes.
//
// images are shaped [batch, height, width, image_channels] and attributes [batch, n_labels].
func Translate(ctx *context.Context, cfg *config.Config, images, attributes *Node) *Node {
	return Generator(ctx, cfg, Augment(images, attributes))
}

// GeneratorVariables returns the trainable variables owned by the generator.
// It only returns variables already created, that is, after the generator was built at least once.
func GeneratorVariables(ctx *context.Context) []*context.Variable {
	return ownedVariables(ctx, GeneratorScope)
}
