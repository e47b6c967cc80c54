// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mvcnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// ResNet18Epsilon is the epsilon used by all batch normalizations of the ResNet-18 backbone.
const ResNet18Epsilon = 2e-5

// resNet18Widths are the number of channels of each of the 4 stages.
var resNet18Widths = []int{64, 128, 256, 512}

func resNetBatchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).CurrentScope().Epsilon(ResNet18Epsilon).Momentum(0.99).Done()
}

func resNetConv(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	conv := layers.Convolution(ctx, x).CurrentScope().UseBias(false).
		Filters(filters).KernelSize(kernel).Strides(stride)
	if kernel > 1 {
		// Same as zero-padding by kernel/2 followed by a "valid" convolution.
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	return conv.Done()
}

// ResNet18 builds the ResNet-18 backbone (pre-activation residual units) for images shaped
// `[batchSize, height, width, channels]`, and returns the feature map shaped
// `[batchSize, featureHeight, featureWidth, 512]` -- see FeatureSize.
//
// Layer names follow the Keras "classification_models" ResNet-18 ("bn_data", "conv0", "bn0",
// "stage1_unit1_bn1", ..., "bn1"), relative to the scope of ctx.
func ResNet18(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	ctx = ctx.WithInitializer(initializers.HeFn(ctx))

	x := batchnorm.New(ctx.In("bn_data"), images, -1).CurrentScope().
		Epsilon(ResNet18Epsilon).Momentum(0.99).Scale(false).Done()
	x = resNetConv(ctx.In("conv0"), x, 64, 7, 2)
	x = activations.Relu(resNetBatchNorm(ctx.In("bn0"), x))
	x = MaxPool(x).Window(3).Strides(2).PaddingPerDim([][2]int{{1, 1}, {1, 1}}).Done()

	for stageIdx, filters := range resNet18Widths {
		stage := stageIdx + 1
		stride := 2
		if stage == 1 {
			stride = 1
		}
		x = residualUnit(ctx, x, stage, 1, filters, stride, true)
		x = residualUnit(ctx, x, stage, 2, filters, 1, false)
	}
	x = activations.Relu(resNetBatchNorm(ctx.In("bn1"), x))
	return x
}

// residualUnit is the pre-activation unit: BN → ReLU → conv3x3 → BN → ReLU → conv3x3, added to the
// shortcut. With projection, the shortcut is a 1x1 convolution (with the unit's stride) of the
// unit input, otherwise the identity.
func residualUnit(ctx *context.Context, x *Node, stage, unit, filters, stride int, projection bool) *Node {
	name := fmt.Sprintf("stage%d_unit%d", stage, unit)
	shortcut := x
	if projection {
		shortcut = resNetConv(ctx.In(name+"_sc"), x, filters, 1, stride)
	}
	x = activations.Relu(resNetBatchNorm(ctx.In(name+"_bn1"), x))
	x = resNetConv(ctx.In(name+"_conv1"), x, filters, 3, stride)
	x = activations.Relu(resNetBatchNorm(ctx.In(name+"_bn2"), x))
	x = resNetConv(ctx.In(name+"_conv2"), x, filters, 3, 1)
	return Add(x, shortcut)
}

// SVCNN builds the single-view CNN backbone (an AlexNet-like stack of 5 convolutions with ReLU and
// max-pooling) for images shaped `[batchSize, height, width, channels]`, and returns the feature
// map shaped `[batchSize, featureHeight, featureWidth, 256]` -- see FeatureSize.
func SVCNN(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	conv := func(name string, x *Node, filters, kernel int) *Node {
		return activations.Relu(layers.Convolution(ctx.In(name), x).CurrentScope().
			Filters(filters).KernelSize(kernel).PadSame().Done())
	}
	pool := func(x *Node) *Node {
		return MaxPool(x).Window(2).Strides(2).NoPadding().Done()
	}

	x := layers.Convolution(ctx.In("SVCNN_conv1"), images).CurrentScope().
		Filters(96).KernelSize(7).Strides(3).NoPadding().Done()
	x = pool(activations.Relu(x))
	x = pool(conv("SVCNN_conv2", x, 256, 5))
	x = conv("SVCNN_conv3", x, 384, 3)
	x = conv("SVCNN_conv4", x, 384, 3)
	x = pool(conv("SVCNN_conv5", x, 256, 3))
	return x
}

// FeatureSize returns the spatial size and number of channels of the feature map generated by the
// backbone for an image of the given size. Only BackboneSVCNN has a minimum image size (7 pixels):
// it returns a size <= 0 if the image is too small.
func FeatureSize(backbone string, height, width int) (featureHeight, featureWidth, channels int) {
	switch backbone {
	case BackboneResNet18:
		halve := func(n int) int {
			if n <= 0 {
				return 0
			}
			return (n-1)/2 + 1
		}
		featureHeight, featureWidth = height, width
		// conv0, pooling0 and the first unit of stages 2, 3 and 4 halve the size.
		for range 5 {
			featureHeight, featureWidth = halve(featureHeight), halve(featureWidth)
		}
		channels = resNet18Widths[len(resNet18Widths)-1]
	case BackboneSVCNN:
		reduce := func(n int) int {
			if n < 7 {
				return 0
			}
			n = (n-7)/3 + 1 // SVCNN_conv1
			return n / 2 / 2 / 2
		}
		featureHeight, featureWidth = reduce(height), reduce(width)
		channels = 256
	}
	return
}
