// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package voxel implements the 3D convolutional encoder and the transposed-convolutional decoder
// of the voxel VAE.
//
// Voxel grids are channels-last, shaped `[batchSize, 32, 32, 32, 1]`. The topology (filters, kernel
// sizes, strides) is fixed, and layers are scoped with the names of the Keras layers they mirror
// ("VoxEncoder_conv1", "VoxDecoder_bn5", ...), so their variables are stable identifiers.
package voxel

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"

	"github.com/gomlx/mmvae/pkg/ml/activations"
	"github.com/gomlx/mmvae/pkg/ml/latent"
	"github.com/gomlx/mmvae/pkg/ml/layers/convtranspose"
	"github.com/gomlx/mmvae/pkg/ml/layers/dense"
)

const (
	// GridSize is the spatial size of the voxel grid, in every dimension.
	GridSize = 32

	// BottleneckSize is the spatial size of the smallest volume, both in the encoder and the decoder.
	BottleneckSize = 7

	// EncoderScope is the scope used by the Model for the voxel encoder.
	EncoderScope = "Voxel_Encoder"

	// DecoderScope is the scope used by the Model for the voxel decoder.
	DecoderScope = "Voxel_Decoder"

	// OutputL2 is the amount of L2 regularization on the scale and offset of the last batch
	// normalization of the decoder.
	OutputL2 = 0.001
)

// convLayer describes one convolution (or transposed convolution) of the fixed topology.
type convLayer struct {
	filters, kernel, stride int
	same                    bool
}

var (
	encoderLayers = []convLayer{
		{filters: 8, kernel: 3, stride: 1},
		{filters: 16, kernel: 3, stride: 2, same: true},
		{filters: 32, kernel: 3, stride: 1},
		{filters: 64, kernel: 3, stride: 2, same: true},
	}
	decoderLayers = []convLayer{
		{filters: 64, kernel: 3, stride: 1, same: true},
		{filters: 32, kernel: 3, stride: 2},
		{filters: 16, kernel: 3, stride: 1, same: true},
		{filters: 8, kernel: 4, stride: 2},
	}
)

// normalizeInput checks voxels is a valid voxel grid and returns it with the channels axis.
func normalizeInput(voxels *Node) *Node {
	if voxels.Rank() == 4 {
		voxels = InsertAxes(voxels, -1)
	}
	dims := voxels.Shape().Dimensions
	if voxels.Rank() != 5 || dims[1] != GridSize || dims[2] != GridSize || dims[3] != GridSize || dims[4] != 1 {
		exceptions.Panicf("voxel grid must be shaped [batchSize, %d, %d, %d, 1] (or without the channels axis), got %s",
			GridSize, GridSize, GridSize, voxels.Shape())
	}
	return voxels
}

// Encoder maps the voxel grid to the latent triple (mean, log-variance, sample), each shaped
// `[batchSize, zDim]`.
//
// voxels must be shaped `[batchSize, 32, 32, 32, 1]` or `[batchSize, 32, 32, 32]`.
func Encoder(ctx *context.Context, voxels *Node, zDim int) latent.Triple {
	x := normalizeInput(voxels)
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	for ii, layer := range encoderLayers {
		conv := layers.Convolution(ctx.Inf("VoxEncoder_conv%d", ii+1), x).CurrentScope().
			Filters(layer.filters).KernelSize(layer.kernel).Strides(layer.stride)
		if layer.same {
			conv = conv.PadSame()
		} else {
			conv = conv.NoPadding()
		}
		x = activations.Elu(conv.Done())
		x = batchnorm.New(ctx.Inf("VoxEncoder_bn%d", ii+1), x, -1).CurrentScope().Done()
	}
	x.AssertDims(x.Shape().Dim(0), BottleneckSize, BottleneckSize, BottleneckSize, 64)

	x = Reshape(x, x.Shape().Dim(0), -1)
	x = dense.New(ctx.In("VoxEncoder_fcc1"), x, BottleneckSize*BottleneckSize*BottleneckSize).
		Activation(activations.NameElu).Done()
	x = batchnorm.New(ctx.In("VoxEncoder_bn_fc1"), x, -1).CurrentScope().Done()
	return latent.Heads(ctx, x, zDim, "VoxEncoder")
}

// Decoder maps latent vectors z (`[batchSize, zDim]`) to the logits of the voxel grid occupancy,
// shaped `[batchSize, 32, 32, 32, 1]`.
//
// The logits are meant to be used with a sigmoid (see Occupancy) or a binary cross-entropy loss.
func Decoder(ctx *context.Context, z *Node) *Node {
	if z.Rank() != 2 {
		exceptions.Panicf("voxel.Decoder requires z shaped [batchSize, zDim], got %s", z.Shape())
	}
	batchSize := z.Shape().Dim(0)
	g := z.Graph()
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))

	x := dense.New(ctx.In("VoxDecoder_fcc1"), z, BottleneckSize*BottleneckSize*BottleneckSize).
		Activation(activations.NameElu).Done()
	x = batchnorm.New(ctx.In("VoxDecoder_bn_fc1"), x, -1).CurrentScope().Done()
	x = Reshape(x, batchSize, BottleneckSize, BottleneckSize, BottleneckSize, 1)

	for ii, layer := range decoderLayers {
		conv := convtranspose.New(ctx.Inf("VoxDecoder_conv%d", ii+1), x).CurrentScope().
			Filters(layer.filters).KernelSize(layer.kernel).Strides(layer.stride)
		if layer.same {
			conv = conv.PadSame()
		}
		x = activations.Elu(conv.Done())
		x = batchnorm.New(ctx.Inf("VoxDecoder_bn%d", ii+1), x, -1).CurrentScope().Done()
	}

	x = convtranspose.New(ctx.In("VoxDecoder_conv5"), x).CurrentScope().
		Filters(1).KernelSize(3).PadSame().Done()
	bnCtx := ctx.In("VoxDecoder_bn5")
	x = batchnorm.New(bnCtx, x, -1).CurrentScope().Done()
	if reg := regularizers.L2(OutputL2); reg != nil {
		reg(bnCtx, g,
			bnCtx.GetVariableByScopeAndName(bnCtx.Scope(), "scale"),
			bnCtx.GetVariableByScopeAndName(bnCtx.Scope(), "offset"))
	}
	x.AssertDims(batchSize, GridSize, GridSize, GridSize, 1)
	return x
}

// Occupancy converts the decoder logits to a binary occupancy grid (same shape as the logits,
// same dtype, with values 0 or 1): a voxel is occupied if `sigmoid(logit) > threshold`.
func Occupancy(logits *Node, threshold float64) *Node {
	probabilities := Sigmoid(logits)
	return ConvertDType(GreaterThan(probabilities, Scalar(logits.Graph(), logits.DType(), threshold)), logits.DType())
}
