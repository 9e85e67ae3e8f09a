// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements an Adam optimizer that only updates an explicit set of variables.
//
// StarGAN alternates two objectives over two disjoint parameter sets in the same context. GoMLX's stock
// optimizers update every trainable variable used by the graph, which would let the generator loss
// move the discriminator (and vice versa). Here each optimizer is given the function that enumerates
// the variables it owns, and it keeps its moments and step counter under its own scope.
package optimizers

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"
)

const (
	// DefaultLearningRate is used if no learning rate is set.
	DefaultLearningRate = 1e-4

	// LearningRateVariableName is the name of the (non-trainable) learning rate variable in the optimizer scope.
	LearningRateVariableName = "learning_rate"
)

// VariablesFn enumerates the variables an optimizer is allowed to update.
type VariablesFn func(ctx *context.Context) []*context.Variable

// AdamConfig holds the configuration of an Adam optimizer. Create it with Adam and finish it with Done.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	variablesFn  VariablesFn
}

// Adam returns a configuration for an Adam optimizer ([Kingma et al., 2014](http://arxiv.org/abs/1412.6980))
// with the StarGAN defaults: learning rate 1e-4, beta1=0.5, beta2=0.999 and epsilon=1e-8.
//
// Variables and Scope must be set before calling Done.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: DefaultLearningRate,
		beta1:        0.5,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// Scope sets the absolute scope (without the leading separator) where the optimizer keeps its moments,
// its step counter and its learning rate. Two optimizers sharing a context must use different scopes.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the learning rate used when the learning rate variable is first created.
// A restored checkpoint carries its own value.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the exponential decays of the 1st (momentum) and 2nd (variance) moments.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon added to the denominator for numerical stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Variables sets the function that enumerates the variables updated by the optimizer.
// It is called at graph building time, after the loss was built, so the variables already exist.
func (c *AdamConfig) Variables(fn VariablesFn) *AdamConfig {
	c.variablesFn = fn
	return c
}

// Done validates the configuration and returns the optimizer.
func (c *AdamConfig) Done() *Adamizer {
	if c.scopeName == "" {
		exceptions.Panicf("optimizers.Adam requires a Scope")
	}
	if c.variablesFn == nil {
		exceptions.Panicf("optimizers.Adam(scope=%q) requires a Variables function", c.scopeName)
	}
	if c.learningRate <= 0 {
		exceptions.Panicf("optimizers.Adam(scope=%q) requires a positive learning rate, got %g",
			c.scopeName, c.learningRate)
	}
	return &Adamizer{config: c}
}

// Adamizer applies Adam updates restricted to the variables of its configuration.
type Adamizer struct {
	config *AdamConfig
}

// ScopeName returns the absolute scope, without the leading separator, owned by the optimizer.
func (o *Adamizer) ScopeName() string { return o.config.scopeName }

// UpdateGraph builds the update of the optimizer's variables that minimizes loss.
//
// Only variables returned by the Variables function, and used in the computation of the graph, are
// updated: other trainable variables in ctx are left untouched. It returns the number of variables updated.
func (o *Adamizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) int {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	var vars []*context.Variable
	for _, v := range o.config.variablesFn(ctx) {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
		}
	}
	if len(vars) == 0 {
		exceptions.Panicf("optimizer %q has no variables used in the loss graph", o.config.scopeName)
	}
	values := make([]*Node, len(vars))
	for ii, v := range vars {
		values[ii] = v.ValueGraph(g)
	}
	grads := Gradient(loss, values...)

	dtype := loss.DType()
	scopeCtx := ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).Checked(false)
	learningRate := scopeCtx.
		VariableWithValue(LearningRateVariableName, shapes.CastAsDType(o.config.learningRate, dtype)).
		SetTrainable(false).
		ValueGraph(g)

	// The optimizer step counter lives in the optimizer scope: the global step is owned by the trainer.
	adamStep := optimizers.IncrementGlobalStepGraph(scopeCtx, g, dtype)
	beta1 := Const(g, shapes.CastAsDType(o.config.beta1, dtype))
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(o.config.beta2, dtype))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

	for ii, v := range vars {
		o.applyAdamGraph(ctx, g, v, dtype, grads[ii], learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
	}
	if klog.V(2).Enabled() {
		klog.Infof("optimizer %q: %d variables updated in graph %q", o.config.scopeName, len(vars), g.Name())
	}
	return len(vars)
}

// applyAdamGraph updates the variable and its 1st and 2nd order moments.
func (o *Adamizer) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType, grad *Node,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.momentVariables(ctx, v, dtype)
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}

	moment1 := Add(
		Mul(beta1, m1Var.ValueGraph(g)),
		Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	moment2 := Add(
		Mul(beta2, m2Var.ValueGraph(g)),
		Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)
	debiasedMoment2 := Mul(moment2, debiasTermBeta2)
	denominator := Add(Sqrt(debiasedMoment2), epsilon)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Sub(value, Div(Mul(learningRate, debiasedMoment1), denominator))
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// momentVariables returns (creating if needed) the moment variables of the given trainable variable.
// They are stored under "/<optimizer scope><variable scope>".
func (o *Adamizer) momentVariables(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	momentCtx := ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	m1 = momentCtx.VariableWithShape(trainable.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = momentCtx.VariableWithShape(trainable.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}

// Clear deletes the optimizer state: moments, step counter and learning rate.
func (o *Adamizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
