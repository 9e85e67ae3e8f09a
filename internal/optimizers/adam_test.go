// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scopeVariables(scope string) VariablesFn {
	return func(ctx *context.Context) []*context.Variable {
		var vars []*context.Variable
		for v := range ctx.InAbsPath(context.ScopeSeparator + scope).IterVariablesInScope() {
			if v.Trainable {
				vars = append(vars, v)
			}
		}
		return vars
	}
}

func TestAdamRestrictedToVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.InAbsPath("/first").VariableWithValue("w", []float32{1, 2})
	ctx.InAbsPath("/second").VariableWithValue("w", []float32{3, -4})

	const learningRate = 0.1
	firstOpt := Adam().Scope("adam_first").LearningRate(learningRate).Variables(scopeVariables("first")).Done()
	secondOpt := Adam().Scope("adam_second").LearningRate(learningRate).Variables(scopeVariables("second")).Done()

	lossFn := func(ctx *context.Context, x *Node) *Node {
		g := x.Graph()
		first := ctx.GetVariableByScopeAndName("/first", "w").ValueGraph(g)
		second := ctx.GetVariableByScopeAndName("/second", "w").ValueGraph(g)
		return Add(ReduceAllSum(Square(Mul(first, x))), ReduceAllSum(Square(Mul(second, x))))
	}
	firstStep := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		loss := lossFn(ctx, x)
		require.Equal(t, 1, firstOpt.UpdateGraph(ctx, x.Graph(), loss))
		return loss
	})
	secondStep := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		loss := lossFn(ctx, x)
		require.Equal(t, 1, secondOpt.UpdateGraph(ctx, x.Graph(), loss))
		return loss
	})
	x := []float32{1, 1}
	values := func(scope string) []float32 {
		return ctx.GetVariableByScopeAndName(scope, "w").MustValue().Value().([]float32)
	}

	// The first Adam step moves each parameter by ~learning rate against the gradient sign.
	firstStep.MustExec(x)
	assert.InDeltaSlice(t, []float32{1 - learningRate, 2 - learningRate}, values("/first"), 1e-4)
	assert.Equal(t, []float32{3, -4}, values("/second"))

	secondStep.MustExec(x)
	assert.InDeltaSlice(t, []float32{1 - learningRate, 2 - learningRate}, values("/first"), 1e-4)
	assert.InDeltaSlice(t, []float32{3 - learningRate, -4 + learningRate}, values("/second"), 1e-4)

	// Each optimizer keeps its own state.
	require.NotNil(t, ctx.GetVariableByScopeAndName("/adam_first/first", "w_1st_moment"))
	require.NotNil(t, ctx.GetVariableByScopeAndName("/adam_second/second", "w_2nd_moment"))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/adam_first/second", "w_1st_moment"))
	assert.Equal(t, int64(1), ctx.GetVariableByScopeAndName("/adam_first", "global_step").MustValue().Value())

	require.NoError(t, firstOpt.Clear(ctx))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/adam_first/first", "w_1st_moment"))
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/adam_second/second", "w_1st_moment"))
}

func TestAdamConfigValidation(t *testing.T) {
	require.Panics(t, func() { Adam().Variables(scopeVariables("x")).Done() })
	require.Panics(t, func() { Adam().Scope("adam").Done() })
	require.Panics(t, func() { Adam().Scope("adam").Variables(scopeVariables("x")).LearningRate(0).Done() })
	require.NotPanics(t, func() { Adam().Scope("adam").Variables(scopeVariables("x")).Done() })
}
