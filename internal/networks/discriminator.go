// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/stargan/internal/config"
)

const (
	// DiscriminatorScope is the absolute scope holding the discriminator variables.
	DiscriminatorScope = "discriminator"

	// NumDiscriminatorStages is the number of stride-2 convolutions of the discriminator.
	NumDiscriminatorStages = 6

	// MaxDiscriminatorChannels caps the depth of the discriminator stages.
	MaxDiscriminatorChannels = 2048

	// LeakyReluAlpha is the negative slope of the discriminator activations.
	LeakyReluAlpha = 0.01
)

// Discriminator scores plain images shaped [batch, height, width, image_channels].
//
// It returns the real/fake score logits shaped [batch, height/64, width/64, 1] and the domain
// classification logits shaped [batch, height/64, width/64, n_labels].
//
// The discriminator has no normalization layers, and it is built the same way for real and generated images.
func Discriminator(ctx *context.Context, cfg *config.Config, images *Node) (src, cls *Node) {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[3] != cfg.ImageChannels {
		exceptions.Panicf("Discriminator expects images shaped [batch, height, width, %d], got %s",
			cfg.ImageChannels, images.Shape())
	}
	if dims[1]%config.DownsamplingFactor != 0 || dims[2]%config.DownsamplingFactor != 0 {
		exceptions.Panicf("Discriminator requires height and width divisible by %d, got %s",
			config.DownsamplingFactor, images.Shape())
	}
	ctx = ctx.InAbsPath(context.ScopeSeparator + DiscriminatorScope).Checked(false)

	x := images
	filters := cfg.NumFilters
	for ii := range NumDiscriminatorStages {
		x = conv2D(ctx.In(blockName("stage", ii+1)), x, min(filters, MaxDiscriminatorChannels), 4, 2)
		x = activations.LeakyReluWithAlpha(x, LeakyReluAlpha)
		filters *= 2
	}

	x = conv2D(ctx.In("output"), x, 1+cfg.NumLabels, 1, 1)
	src = SliceAxis(x, -1, AxisRange(0, 1))
	cls = SliceAxis(x, -1, AxisRange(1))
	return
}

// DiscriminatorVariables returns the trainable variables owned by the discriminator.
// It only returns variables already created, that is, after the discriminator was built at least once.
func DiscriminatorVariables(ctx *context.Context) []*context.Variable {
	return ownedVariables(ctx, DiscriminatorScope)
}
