// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscriminatorLoss(t *testing.T) {
	terms := DiscriminatorTerms[float64]{RealAdversarial: 0.1, FakeAdversarial: 0.2, RealClassification: 0.05}
	assert.InDelta(t, 0.35, DiscriminatorLoss(terms, 1), 1e-12)
	assert.InDelta(t, 0.4, DiscriminatorLoss(terms, 2), 1e-12)
	assert.InDelta(t, 0.3, DiscriminatorLoss(terms, 0), 1e-12)
}

func TestGeneratorLoss(t *testing.T) {
	terms := GeneratorTerms[float64]{FakeAdversarial: 0.5, FakeClassification: 0.25, Reconstruction: 0.1}
	assert.InDelta(t, 0.5+0.25+10*0.1, GeneratorLoss(terms, 1, 10), 1e-12)
	assert.InDelta(t, 0.5, GeneratorLoss(terms, 0, 0), 1e-12)
}

func sigmoidCE(logit, label float64) float64 {
	p := 1 / (1 + math.Exp(-logit))
	return -(label*math.Log(p) + (1-label)*math.Log(1-p))
}

func TestAdversarialLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := tensors.FromValue([][][][]float32{{{{0}, {2}}}, {{{-1}, {0.5}}}})
	flat := []float64{0, 2, -1, 0.5}
	for _, real := range []bool{true, false} {
		var want float64
		label := 0.0
		if real {
			label = 1
		}
		for _, l := range flat {
			want += sigmoidCE(l, label)
		}
		want /= float64(len(flat))
		got := MustExecOnce(backend, func(logits *Node) *Node {
			return AdversarialLoss(logits, real)
		}, logits)
		assert.InDelta(t, want, tensors.ToScalar[float32](got), 1e-5, "real=%v", real)
	}
}

func TestClassificationLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Logits shaped [batch=2, 1, 2, n_labels=2].
	logits := tensors.FromValue([][][][]float32{
		{{{1, -1}, {0, 3}}},
		{{{-2, 0.5}, {0.25, 0}}},
	})
	attrs := tensors.FromValue([][]float32{{1, 0}, {0, 1}})
	var want float64
	logitValues := [][][]float64{{{1, -1}, {0, 3}}, {{-2, 0.5}, {0.25, 0}}}
	attrValues := [][]float64{{1, 0}, {0, 1}}
	for b := range 2 {
		for w := range 2 {
			for l := range 2 {
				want += sigmoidCE(logitValues[b][w][l], attrValues[b][l])
			}
		}
	}
	want /= 8
	got := MustExecOnce(backend, ClassificationLoss, logits, attrs)
	assert.InDelta(t, want, tensors.ToScalar[float32](got), 1e-5)
}

func TestReconstructionLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	a := tensors.FromValue([][]float32{{1, -1}, {0.5, 0}})
	b := tensors.FromValue([][]float32{{0.5, -1}, {0, 1}})
	got := MustExecOnce(backend, ReconstructionLoss, a, b)
	assert.InDelta(t, (0.5+0+0.5+1)/4.0, tensors.ToScalar[float32](got), 1e-6)

	got = MustExecOnce(backend, ReconstructionLoss, a, a)
	assert.Equal(t, float32(0), tensors.ToScalar[float32](got))
}

func TestCompositesMatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(g *Graph) []*Node {
		d := DiscriminatorLossGraph(DiscriminatorTerms[*Node]{
			RealAdversarial:    Scalar(g, dtypes.Float32, 0.1),
			FakeAdversarial:    Scalar(g, dtypes.Float32, 0.2),
			RealClassification: Scalar(g, dtypes.Float32, 0.05),
		}, 1)
		gen := GeneratorLossGraph(GeneratorTerms[*Node]{
			FakeAdversarial:    Scalar(g, dtypes.Float32, 0.5),
			FakeClassification: Scalar(g, dtypes.Float32, 0.25),
			Reconstruction:     Scalar(g, dtypes.Float32, 0.1),
		}, 1, 10)
		return []*Node{d, gen}
	})
	require.Len(t, outputs, 2)
	assert.InDelta(t, 0.35, tensors.ToScalar[float32](outputs[0]), 1e-6)
	assert.InDelta(t, 1.75, tensors.ToScalar[float32](outputs[1]), 1e-6)
}
