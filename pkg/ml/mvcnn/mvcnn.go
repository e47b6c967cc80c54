// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mvcnn implements the multi-view image encoder (MVCNN) of the multimodal VAE.
//
// Each view of an object goes through the same 2D backbone (ResNet-18 by default), the per-view
// features are max-pooled across views and then reduced by dense layers to the latent triple
// (mean, log-variance, sample).
//
// The backbone has one set of variables, created in the scope named after the backbone
// ("ResNet18" or "SVCNN") on the first view, and reused for every other view.
package mvcnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"

	"github.com/gomlx/mmvae/pkg/ml/activations"
	"github.com/gomlx/mmvae/pkg/ml/latent"
	"github.com/gomlx/mmvae/pkg/ml/layers/dense"
)

const (
	// BackboneResNet18 selects the ResNet-18 backbone, the default.
	BackboneResNet18 = "resnet18"

	// BackboneSVCNN selects the single-view CNN backbone.
	BackboneSVCNN = "svcnn"

	// Scope is the scope used by the Model for the image encoder.
	Scope = "Image_MVCNN_VAE"

	// ImageChannels is the number of channels of each view (RGB).
	ImageChannels = 3
)

// Sizes of the dense layers after the view pooling.
const (
	Fc6Units = 4096
	Fc7Units = 1024
	Fc8Units = 343
)

// Config of the image encoder.
type Config struct {
	// Backbone is either BackboneResNet18 or BackboneSVCNN.
	Backbone string

	// DropoutRate applied after the first two dense layers, only during training.
	DropoutRate float64

	// L2 regularization of the kernels of the dense layers.
	L2 float64
}

// DefaultConfig returns the default configuration: ResNet-18 backbone with dropout 0.6 and L2 0.004.
func DefaultConfig() Config {
	return Config{
		Backbone:    BackboneResNet18,
		DropoutRate: 0.6,
		L2:          0.004,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if c.Backbone != BackboneResNet18 && c.Backbone != BackboneSVCNN {
		return errors.Errorf("mvcnn: unknown backbone %q, valid values are %q or %q", c.Backbone,
			BackboneResNet18, BackboneSVCNN)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("mvcnn: dropout rate must be in [0, 1), got %g", c.DropoutRate)
	}
	if c.L2 < 0 {
		return errors.Errorf("mvcnn: L2 regularization must be >= 0, got %g", c.L2)
	}
	return nil
}

// BackboneScope returns the name of the scope holding the shared backbone variables.
func (c Config) BackboneScope() string {
	if c.Backbone == BackboneSVCNN {
		return "SVCNN"
	}
	return "ResNet18"
}

func (c Config) backboneFn() func(ctx *context.Context, images *Node) *Node {
	switch c.Backbone {
	case BackboneResNet18:
		return ResNet18
	case BackboneSVCNN:
		return SVCNN
	}
	exceptions.Panicf("mvcnn: unknown backbone %q", c.Backbone)
	return nil
}

// SplitViews splits images shaped `[batchSize, numViews, height, width, channels]` into numViews
// tensors shaped `[batchSize, height, width, channels]`.
func SplitViews(images *Node) []*Node {
	if images.Rank() != 5 {
		exceptions.Panicf("mvcnn: images must be shaped [batchSize, numViews, height, width, channels], got %s",
			images.Shape())
	}
	numViews := images.Shape().Dim(1)
	if numViews == 1 {
		return []*Node{Squeeze(images, 1)}
	}
	views := Split(images, 1, numViews)
	for ii, view := range views {
		views[ii] = Squeeze(view, 1)
	}
	return views
}

// ViewPool aggregates the per-view features (all with the same shape) with an element-wise
// maximum. The result doesn't depend on the order of the views.
//
// With only one view, its features are returned unchanged.
func ViewPool(features []*Node) *Node {
	switch len(features) {
	case 0:
		exceptions.Panicf("mvcnn.ViewPool requires at least one view")
	case 1:
		return features[0]
	}
	return ReduceMax(Stack(features, 0), 0)
}

// Encoder builds the image encoder for images shaped `[batchSize, numViews, height, width, 3]`, and
// returns the latent triple, each shaped `[batchSize, zDim]`.
func Encoder(ctx *context.Context, cfg Config, images *Node, zDim int) latent.Triple {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if images.Rank() == 5 && images.Shape().Dim(-1) != ImageChannels {
		exceptions.Panicf("mvcnn: images must have %d channels, got images.shape=%s", ImageChannels, images.Shape())
	}
	g := images.Graph()
	dtype := images.DType()
	batchSize := images.Shape().Dim(0)
	views := SplitViews(images)

	backbone := cfg.backboneFn()
	backboneCtx := ctx.In(cfg.BackboneScope())
	features := make([]*Node, len(views))
	for ii, view := range views {
		viewCtx := backboneCtx
		if ii > 0 {
			viewCtx = backboneCtx.Reuse()
		}
		features[ii] = Reshape(backbone(viewCtx, view), batchSize, -1)
	}
	x := ViewPool(features)

	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	reg := regularizers.L2(cfg.L2)
	var dropoutRate *Node
	if cfg.DropoutRate > 0 {
		dropoutRate = Scalar(g, dtype, cfg.DropoutRate)
	}
	x = dense.New(ctx.In("MVCNN_fcc6"), x, Fc6Units).Activation("relu").Regularizer(reg).Done()
	if dropoutRate != nil {
		x = layers.Dropout(ctx.In("MVCNN_dropout6"), x, dropoutRate)
	}
	x = dense.New(ctx.In("MVCNN_fcc7"), x, Fc7Units).Activation("relu").Regularizer(reg).Done()
	if dropoutRate != nil {
		x = layers.Dropout(ctx.In("MVCNN_dropout7"), x, dropoutRate)
	}
	x = dense.New(ctx.In("MVCNN_fcc8"), x, Fc8Units).Activation(activations.NameLinear).Regularizer(reg).Done()
	return latent.Heads(ctx, x, zDim, "MVCNN")
}
