// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package convtranspose implements a transposed convolution layer (sometimes called
// "deconvolution"), with the same output sizes as Keras' Conv{1,2,3}DTranspose.
//
// The input is expected to be channels-last (`[batch, spatial..., channels]`).
//
// It is expressed as a regular convolution over the input with zeros interleaved between
// elements (the stride) and padded on the borders, using the spatially flipped kernel. This
// is differentiable with respect to both the input and the kernel.
//
// Output sizes, for an input of spatial size `n`, stride `s` and kernel size `k`:
//
//   - Padding "valid" (NoPadding): `(n-1)·s + k`.
//   - Padding "same" (PadSame): `n·s`.
//
// The kernel variable "weights" is stored as `[kernel..., outputChannels, inputChannels]`,
// the layout Keras uses for transposed convolutions.
package convtranspose

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// Config of a transposed convolution. Create it with New, configure it and call Done.
type Config struct {
	ctx            *context.Context
	x              *Node
	numSpatialDims int
	filters        int
	kernelSize     []int
	strides        []int
	padSame        bool
	useBias        bool
	newScope       bool
}

// New creates a transposed convolution configuration for x, shaped `[batch, spatial..., channels]`.
//
// Filters and KernelSize must be set. The default is stride 1, "valid" padding, with bias,
// variables in a sub-scope named "conv_transpose".
func New(ctx *context.Context, x *Node) *Config {
	numSpatialDims := x.Rank() - 2
	if numSpatialDims < 1 {
		exceptions.Panicf("convtranspose: input must have at least one spatial dimension, got x.shape=%s", x.Shape())
	}
	strides := make([]int, numSpatialDims)
	for ii := range strides {
		strides[ii] = 1
	}
	return &Config{
		ctx:            ctx,
		x:              x,
		numSpatialDims: numSpatialDims,
		strides:        strides,
		useBias:        true,
		newScope:       true,
	}
}

// Filters sets the number of output channels.
func (c *Config) Filters(filters int) *Config {
	if filters <= 0 {
		exceptions.Panicf("convtranspose: filters must be > 0, got %d", filters)
	}
	c.filters = filters
	return c
}

// KernelSize sets the same kernel size for every spatial dimension.
func (c *Config) KernelSize(size int) *Config {
	sizes := make([]int, c.numSpatialDims)
	for ii := range sizes {
		sizes[ii] = size
	}
	return c.KernelSizePerAxis(sizes...)
}

// KernelSizePerAxis sets the kernel size for each spatial dimension.
func (c *Config) KernelSizePerAxis(sizes ...int) *Config {
	if len(sizes) != c.numSpatialDims {
		exceptions.Panicf("convtranspose: got %d kernel sizes, but x has %d spatial dimensions", len(sizes), c.numSpatialDims)
	}
	for _, size := range sizes {
		if size <= 0 {
			exceptions.Panicf("convtranspose: kernel sizes must be > 0, got %v", sizes)
		}
	}
	c.kernelSize = sizes
	return c
}

// Strides sets the same stride (upsampling factor) for every spatial dimension.
func (c *Config) Strides(stride int) *Config {
	strides := make([]int, c.numSpatialDims)
	for ii := range strides {
		strides[ii] = stride
	}
	return c.StridePerAxis(strides...)
}

// StridePerAxis sets the stride for each spatial dimension.
func (c *Config) StridePerAxis(strides ...int) *Config {
	if len(strides) != c.numSpatialDims {
		exceptions.Panicf("convtranspose: got %d strides, but x has %d spatial dimensions", len(strides), c.numSpatialDims)
	}
	for _, stride := range strides {
		if stride <= 0 {
			exceptions.Panicf("convtranspose: strides must be > 0, got %v", strides)
		}
	}
	c.strides = strides
	return c
}

// PadSame makes the output spatial size `n·stride`, like Keras' `padding="same"`.
func (c *Config) PadSame() *Config {
	c.padSame = true
	return c
}

// NoPadding makes the output spatial size `(n-1)·stride + kernel`, like Keras' `padding="valid"`.
// This is the default.
func (c *Config) NoPadding() *Config {
	c.padSame = false
	return c
}

// UseBias configures whether to add a bias per output channel. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// CurrentScope creates the variables in the scope of the given context, instead of a
// sub-scope named "conv_transpose".
func (c *Config) CurrentScope() *Config {
	c.newScope = false
	return c
}

// Paddings returns the (start, end) padding applied to the zero-interleaved input, for an input of
// spatial size n. It is exported for testing and for callers that need the output size upfront.
func Paddings(n, kernel, stride int, padSame bool) (start, end int) {
	if !padSame {
		return kernel - 1, kernel - 1
	}
	// Padding of the forward convolution that maps n·stride back to n.
	forwardTotal := max(kernel-stride, 0)
	start = kernel - 1 - forwardTotal/2
	end = kernel + stride - 2 - start
	return
}

// OutputSize returns the spatial output size for an input of spatial size n.
func OutputSize(n, kernel, stride int, padSame bool) int {
	if padSame {
		return n * stride
	}
	return (n-1)*stride + kernel
}

// Done creates the variables and returns the transposed convolution of x.
func (c *Config) Done() *Node {
	if c.filters <= 0 || len(c.kernelSize) == 0 {
		exceptions.Panicf("convtranspose: Filters and KernelSize must be set")
	}
	ctx := c.ctx
	if c.newScope {
		ctx = ctx.In("conv_transpose")
	}
	x := c.x
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dim(-1)

	kernelDims := make([]int, 0, c.numSpatialDims+2)
	kernelDims = append(kernelDims, c.kernelSize...)
	kernelDims = append(kernelDims, c.filters, inputChannels)
	kernelVar := ctx.VariableWithShape("weights", shapes.Make(dtype, kernelDims...))

	// Interleave zeros (stride) and pad the borders of the spatial axes.
	paddings := make([]PadAxis, x.Rank())
	for ii := range c.numSpatialDims {
		n := x.Shape().Dimensions[ii+1]
		start, end := Paddings(n, c.kernelSize[ii], c.strides[ii], c.padSame)
		paddings[ii+1] = PadAxis{Start: start, End: end, Interior: c.strides[ii] - 1}
	}
	x = Pad(x, ScalarZero(g, dtype), paddings...)

	// Flip the kernel spatially, and swap to [kernel..., inputChannels, outputChannels].
	spatialAxes := make([]int, c.numSpatialDims)
	for ii := range spatialAxes {
		spatialAxes[ii] = ii
	}
	kernel := Reverse(kernelVar.ValueGraph(g), spatialAxes...)
	kernel = Transpose(kernel, c.numSpatialDims, c.numSpatialDims+1)
	output := Convolve(x, kernel).NoPadding().Done()

	if c.useBias {
		biasVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(dtype, c.filters))
		biasDims := make([]int, output.Rank())
		for ii := range biasDims {
			biasDims[ii] = 1
		}
		biasDims[output.Rank()-1] = c.filters
		output = Add(output, Reshape(biasVar.ValueGraph(g), biasDims...))
	}
	return output
}
