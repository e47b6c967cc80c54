// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mmvae implements the multimodal variational auto-encoder: a multi-view image encoder
// and a voxel encoder map an object to the same latent space, their latent triples (mean,
// log-variance, sample) are fused, and the voxel decoder reconstructs the voxel grid from the
// fused sample.
//
// Sub-models have their own scopes (mvcnn.Scope, voxel.EncoderScope and voxel.DecoderScope), so
// their variables can be inspected or loaded independently. Example:
//
//	model, err := mmvae.New(cfg)
//	if err != nil { ... }
//	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images, voxels *Node) []*Node {
//		outputs := model.Build(ctx, images, voxels)
//		return []*Node{outputs.Reconstruction, outputs.Fused.Z}
//	})
package mmvae

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/mmvae/pkg/ml/fusion"
	"github.com/gomlx/mmvae/pkg/ml/latent"
	"github.com/gomlx/mmvae/pkg/ml/losses"
	"github.com/gomlx/mmvae/pkg/ml/mvcnn"
	"github.com/gomlx/mmvae/pkg/ml/voxel"
)

// Model is the multimodal VAE. It holds only the configuration: the variables live in the
// context passed to its methods.
type Model struct {
	cfg       Config
	fusionCfg fusion.Config
	imageCfg  mvcnn.Config
	loss      *losses.Loss
}

// New validates the configuration and returns the model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loss, err := losses.New(cfg.LossConfig())
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:       cfg,
		fusionCfg: cfg.FusionConfig(),
		imageCfg:  cfg.ImageConfig(),
		loss:      loss,
	}
	klog.V(1).Infof("mmvae: z_dim=%d, fusion=%s, backbone=%s, %d views of %dx%d, loss=%s",
		cfg.ZDim, cfg.Fusion, cfg.Backbone, cfg.NumViews, cfg.ImageHeight, cfg.ImageWidth, cfg.Loss)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// ImagesShape returns the expected dimensions of the images for the given batch size.
func (m *Model) ImagesShape(batchSize int) []int {
	return []int{batchSize, m.cfg.NumViews, m.cfg.ImageHeight, m.cfg.ImageWidth, mvcnn.ImageChannels}
}

// VoxelsShape returns the expected dimensions of the voxel grids for the given batch size.
func (m *Model) VoxelsShape(batchSize int) []int {
	return []int{batchSize, voxel.GridSize, voxel.GridSize, voxel.GridSize, 1}
}

func (m *Model) checkImages(images *Node) {
	want := m.ImagesShape(images.Shape().Dim(0))
	if !slices.Equal(images.Shape().Dimensions, want) {
		exceptions.Panicf("mmvae: images must be shaped %v (batch size first), got %s", want, images.Shape())
	}
}

// EncodeImages returns the latent triple of the images, shaped
// `[batchSize, numViews, imageHeight, imageWidth, 3]`.
func (m *Model) EncodeImages(ctx *context.Context, images *Node) latent.Triple {
	m.checkImages(images)
	return mvcnn.Encoder(ctx.In(mvcnn.Scope), m.imageCfg, images, m.cfg.ZDim)
}

// EncodeVoxels returns the latent triple of the voxel grids, shaped `[batchSize, 32, 32, 32, 1]`
// (or without the channels axis).
func (m *Model) EncodeVoxels(ctx *context.Context, voxels *Node) latent.Triple {
	return voxel.Encoder(ctx.In(voxel.EncoderScope), voxels, m.cfg.ZDim)
}

// Fuse combines the latent triples of the two modalities with the configured fusion strategy.
func (m *Model) Fuse(ctx *context.Context, image, vol latent.Triple) fusion.Result {
	return fusion.Apply(ctx, m.fusionCfg, image, vol)
}

// Encode encodes both modalities and fuses them.
func (m *Model) Encode(ctx *context.Context, images, voxels *Node) (image, vol latent.Triple, fused fusion.Result) {
	if images.Shape().Dim(0) != voxels.Shape().Dim(0) {
		exceptions.Panicf("mmvae: images and voxels must have the same batch size, got images=%s and voxels=%s",
			images.Shape(), voxels.Shape())
	}
	image = m.EncodeImages(ctx, images)
	vol = m.EncodeVoxels(ctx, voxels)
	fused = m.Fuse(ctx, image, vol)
	return
}

// Decode returns the voxel logits, shaped `[batchSize, 32, 32, 32, 1]`, for the latent vectors z,
// shaped `[batchSize, zDim]`.
func (m *Model) Decode(ctx *context.Context, z *Node) *Node {
	if z.Rank() != 2 || z.Shape().Dim(1) != m.cfg.ZDim {
		exceptions.Panicf("mmvae: z must be shaped [batchSize, %d], got %s", m.cfg.ZDim, z.Shape())
	}
	return voxel.Decoder(ctx.In(voxel.DecoderScope), z)
}

// Outputs of the full forward graph.
type Outputs struct {
	// Image and Voxel are the triples of each encoder.
	Image, Voxel latent.Triple

	// Fused is the triple after fusion, whose sample is decoded.
	Fused latent.Triple

	// SwitchedToImage is a boolean scalar set only with the switch fusion.
	SwitchedToImage *Node

	// Reconstruction holds the voxel logits, shaped `[batchSize, 32, 32, 32, 1]`.
	Reconstruction *Node
}

// Names of the outputs, as returned by Outputs.Named.
const (
	OutputImageMean   = "img_z_mean"
	OutputImageLogVar = "img_z_logvar"
	OutputImageZ      = "z_img"
	OutputVoxelMean   = "vol_z_mean"
	OutputVoxelLogVar = "vol_z_logvar"
	OutputVoxelZ      = "z_vol"
	OutputMean        = "z_mean"
	OutputLogVar      = "z_logvar"
	OutputZ           = "z"
	OutputLogits      = "outputs"
)

// Named returns the outputs keyed by their names.
func (o *Outputs) Named() map[string]*Node {
	return map[string]*Node{
		OutputImageMean:   o.Image.Mean,
		OutputImageLogVar: o.Image.LogVar,
		OutputImageZ:      o.Image.Z,
		OutputVoxelMean:   o.Voxel.Mean,
		OutputVoxelLogVar: o.Voxel.LogVar,
		OutputVoxelZ:      o.Voxel.Z,
		OutputMean:        o.Fused.Mean,
		OutputLogVar:      o.Fused.LogVar,
		OutputZ:           o.Fused.Z,
		OutputLogits:      o.Reconstruction,
	}
}

// Predictions returns the outputs in the order expected by losses.Loss (see losses.PredReconstruction
// and the other indices).
func (o *Outputs) Predictions() []*Node {
	predictions := make([]*Node, losses.NumPredictions)
	predictions[losses.PredReconstruction] = o.Reconstruction
	predictions[losses.PredMean] = o.Fused.Mean
	predictions[losses.PredLogVar] = o.Fused.LogVar
	predictions[losses.PredZ] = o.Fused.Z
	predictions[losses.PredImageMean] = o.Image.Mean
	predictions[losses.PredImageLogVar] = o.Image.LogVar
	predictions[losses.PredVoxelMean] = o.Voxel.Mean
	predictions[losses.PredVoxelLogVar] = o.Voxel.LogVar
	return predictions
}

// Build the full forward graph: both encoders, the fusion and the decoder of the fused sample.
//
// images are shaped `[batchSize, numViews, imageHeight, imageWidth, 3]`, and voxels
// `[batchSize, 32, 32, 32, 1]`. It panics (with exceptions.Panicf) on invalid shapes, see TryBuild.
func (m *Model) Build(ctx *context.Context, images, voxels *Node) *Outputs {
	image, vol, fused := m.Encode(ctx, images, voxels)
	outputs := &Outputs{
		Image:           image,
		Voxel:           vol,
		Fused:           fused.Triple,
		SwitchedToImage: fused.SwitchedToImage,
		Reconstruction:  m.Decode(ctx, fused.Z),
	}
	if klog.V(1).Enabled() {
		klog.Infof("mmvae: built graph %q with %d parameters", images.Graph().Name(), ctx.NumParameters())
	}
	return outputs
}

// TryBuild is like Build, but returns an error instead of panicking.
func (m *Model) TryBuild(ctx *context.Context, images, voxels *Node) (outputs *Outputs, err error) {
	err = exceptions.TryCatch[error](func() { outputs = m.Build(ctx, images, voxels) })
	if err != nil {
		return nil, errors.WithMessage(err, "mmvae: failed to build model")
	}
	return
}

// ModelFn returns the model graph function used for training: inputs are `[images, voxels]` and
// the outputs are the predictions consumed by LossFn.
func (m *Model) ModelFn() func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		if len(inputs) != 2 {
			exceptions.Panicf("mmvae: model requires 2 inputs (images and voxels), got %d", len(inputs))
		}
		return m.Build(ctx, inputs[0], inputs[1]).Predictions()
	}
}

// LossFn returns the configured loss, taking the voxels as labels and ModelFn outputs as predictions.
func (m *Model) LossFn(ctx *context.Context) train.LossFn {
	return m.loss.LossFn(ctx)
}

// Loss returns the configured loss.
func (m *Model) Loss() *losses.Loss {
	return m.loss
}
