// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dense implements a fully connected layer with Keras `Dense` semantics: a named scope
// holding "weights" and "biases", an optional activation applied to the output, an optional
// kernel initializer and an optional kernel regularizer.
//
// Layers are named after the Keras model they mirror (e.g. "VoxEncoder_fcc1"), so variables
// are found under a stable scope:
//
//	x = dense.New(ctx.In("MVCNN_fcc6"), x, 4096).Activation("relu").
//		Regularizer(regularizers.L2(0.004)).Done()
package dense

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"

	"github.com/gomlx/mmvae/pkg/ml/activations"
)

// Config for a dense layer. Create it with New, configure it and call Done.
type Config struct {
	ctx         *context.Context
	x           *Node
	units       int
	activation  string
	useBias     bool
	initializer initializers.VariableInitializer
	regularizer regularizers.Regularizer
}

// New creates the configuration of a dense layer projecting the last axis of x to units.
// Variables are created directly in the scope of ctx.
//
// x must be at least rank 2 (`[batch, features]`).
func New(ctx *context.Context, x *Node, units int) *Config {
	if x.Rank() < 2 {
		exceptions.Panicf("dense: input must be at least rank 2, got x.shape=%s", x.Shape())
	}
	if units <= 0 {
		exceptions.Panicf("dense: units must be > 0, got %d", units)
	}
	return &Config{
		ctx:     ctx,
		x:       x,
		units:   units,
		useBias: true,
	}
}

// Activation sets the activation applied to the output, by name (see activations.Apply).
// Default is linear.
func (c *Config) Activation(name string) *Config {
	activations.Validate(name)
	c.activation = name
	return c
}

// UseBias configures whether to add a bias term. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// Initializer sets the initializer for the kernel. The default is the one set in the context.
func (c *Config) Initializer(initializer initializers.VariableInitializer) *Config {
	c.initializer = initializer
	return c
}

// Regularizer sets the regularizer for the kernel. Default is none.
func (c *Config) Regularizer(regularizer regularizers.Regularizer) *Config {
	c.regularizer = regularizer
	return c
}

// Done creates the variables and returns the layer output, shaped `[..., units]`.
func (c *Config) Done() *Node {
	ctx := c.ctx
	x := c.x
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dim(-1)

	kernelCtx := ctx
	if c.initializer != nil {
		kernelCtx = ctx.WithInitializer(c.initializer)
	}
	weightsVar := kernelCtx.VariableWithShape("weights", shapes.Make(dtype, inputDim, c.units))
	if c.regularizer != nil {
		c.regularizer(ctx, g, weightsVar)
	}
	x = DotGeneral(x, []int{-1}, nil, weightsVar.ValueGraph(g), []int{0}, nil)

	if c.useBias {
		biasVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(dtype, c.units))
		bias := biasVar.ValueGraph(g)
		expandedDims := make([]int, x.Rank())
		for ii := range expandedDims {
			expandedDims[ii] = 1
		}
		expandedDims[x.Rank()-1] = c.units
		x = Add(x, Reshape(bias, expandedDims...))
	}
	return activations.Apply(c.activation, x)
}
