// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// BroadcastAttributes expands attributes shaped [batch, n_labels] to a map shaped
// [batch, height, width, n_labels], constant over the spatial positions of each example.
func BroadcastAttributes(attributes *Node, height, width int) *Node {
	if attributes.Rank() != 2 {
		exceptions.Panicf("attributes must be shaped [batch, n_labels], got %s", attributes.Shape())
	}
	batch, numLabels := attributes.Shape().Dim(0), attributes.Shape().Dim(1)
	expanded := Reshape(attributes, batch, 1, 1, numLabels)
	return BroadcastToDims(expanded, batch, height, width, numLabels)
}

// Augment concatenates images shaped [batch, height, width, channels] with the broadcast attributes,
// producing the generator input.
func Augment(images, attributes *Node) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("images must be shaped [batch, height, width, channels], got %s", images.Shape())
	}
	if attributes.Shape().Dim(0) != images.Shape().Dim(0) {
		exceptions.Panicf("images (%s) and attributes (%s) have different batch sizes",
			images.Shape(), attributes.Shape())
	}
	if attributes.DType() != images.DType() {
		attributes = ConvertDType(attributes, images.DType())
	}
	attrMap := BroadcastAttributes(attributes, images.Shape().Dim(1), images.Shape().Dim(2))
	return Concatenate([]*Node{images, attrMap}, -1)
}

// ownedVariables returns the trainable variables under the absolute scope "/<scope>".
func ownedVariables(ctx *context.Context, scope string) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.InAbsPath(context.ScopeSeparator + scope).IterVariablesInScope() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

func blockName(prefix string, idx int) string {
	return fmt.Sprintf("%s_%d", prefix, idx)
}
