// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// InstanceNormEpsilon is added to the variance before normalizing.
const InstanceNormEpsilon = 1e-5

// conv2D applies a square convolution with bias and "same" padding, in the scope given by ctx.
// The output has ceil(H/stride) x ceil(W/stride) spatial dimensions.
func conv2D(ctx *context.Context, x *Node, filters, kernelSize, stride int) *Node {
	return layers.Convolution(ctx, x).
		Filters(filters).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		UseBias(true).
		Done()
}

// InstanceNorm normalizes each example and channel of x (shaped [batch, height, width, channels]) over
// its spatial axes, and then applies a learned per-channel gain and offset.
//
// Variables "gain" (initialized to 1) and "offset" (initialized to 0) are created in the scope of ctx.
func InstanceNorm(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("InstanceNorm requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dim(-1)

	mean := ReduceAndKeep(x, ReduceMean, 1, 2)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 2)
	normalized := Mul(centered, Rsqrt(AddScalar(variance, InstanceNormEpsilon)))

	gainVar := ctx.WithInitializer(initializers.One).VariableWithShape("gain", shapes.Make(dtype, channels))
	offsetVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", shapes.Make(dtype, channels))
	gain := Reshape(gainVar.ValueGraph(g), 1, 1, 1, channels)
	offset := Reshape(offsetVar.ValueGraph(g), 1, 1, 1, channels)
	return Add(Mul(normalized, gain), offset)
}

// upsampleZeros doubles the spatial dimensions of x (shaped [batch, height, width, channels]) by
// inserting a zero after every element along both the height and width axes.
//
// It is the input dilation of a stride-2 transposed convolution, written with ops that support
// automatic differentiation.
func upsampleZeros(x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]

	// Width: [b, h, w, 2, c] -> [b, h, 2w, c].
	x = Stack([]*Node{x, ZerosLike(x)}, 3)
	x = Reshape(x, batch, height, 2*width, channels)

	// Height: [b, h, 2, 2w, c] -> [b, 2h, 2w, c].
	x = Stack([]*Node{x, ZerosLike(x)}, 2)
	return Reshape(x, batch, 2*height, 2*width, channels)
}

// deconv2D is a transposed convolution with kernel 4 and stride 2: the output spatial dimensions are
// twice those of the input.
//
// It is implemented as zero-insertion upsampling followed by a stride-1 convolution. The dilated input
// has 2H rows (the last one zero), and padding (2, 1) with a kernel of size 4 keeps 2H rows.
func deconv2D(ctx *context.Context, x *Node, filters int) *Node {
	const kernelSize = 4
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dim(-1)
	ctx = ctx.In("deconv")
	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, kernelSize, kernelSize, inputChannels, filters))
	biasVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(dtype, filters))

	x = upsampleZeros(x)
	output := Convolve(x, kernelVar.ValueGraph(g)).
		Strides(1).
		PaddingPerDim([][2]int{{2, 1}, {2, 1}}).
		Done()
	return Add(output, Reshape(biasVar.ValueGraph(g), 1, 1, 1, filters))
}
