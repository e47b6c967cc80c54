// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmvae

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/gomlx/mmvae/pkg/ml/fusion"
	"github.com/gomlx/mmvae/pkg/ml/latent"
	"github.com/gomlx/mmvae/pkg/ml/losses"
	"github.com/gomlx/mmvae/pkg/ml/mvcnn"
	"github.com/gomlx/mmvae/pkg/ml/voxel"
)

// ParamsScope is the absolute scope where Config.ApplyTo records the hyperparameters in the context.
// They are kept out of the root scope so they are not picked up by the layers' own hyperparameters
// (e.g. "l2_regularization").
const ParamsScope = "/mmvae"

// Config holds the hyperparameters of the model. The mapstructure tags are the keys accepted by
// ConfigFromMap (and the command-line "--set key=value" flags).
type Config struct {
	// ZDim is the dimension of the latent space.
	ZDim int `mapstructure:"z_dim"`

	// Fusion strategy: "switch" or "weighted_add".
	Fusion string `mapstructure:"fusion"`

	// NumViews is the number of images (views) per object.
	NumViews    int `mapstructure:"num_views"`
	ImageHeight int `mapstructure:"image_height"`
	ImageWidth  int `mapstructure:"image_width"`

	// VoxelSize must be 32: the decoder topology always generates 32³ grids.
	VoxelSize int `mapstructure:"voxel_size"`

	SwitchProbability float64 `mapstructure:"switch_probability"`
	ImageWeight       float64 `mapstructure:"image_weight"`
	VoxelWeight       float64 `mapstructure:"voxel_weight"`

	// Backbone of the image encoder: "resnet18" or "svcnn".
	Backbone         string  `mapstructure:"backbone"`
	DropoutRate      float64 `mapstructure:"dropout_rate"`
	L2Regularization float64 `mapstructure:"l2_regularization"`

	// Loss is one of "bce", "vae" or "bvae".
	Loss          string  `mapstructure:"loss"`
	Beta          float64 `mapstructure:"beta"`
	Capacity      float64 `mapstructure:"capacity"`
	MaxEpochs     int     `mapstructure:"max_epochs"`
	PerModalityKL bool    `mapstructure:"per_modality_kl"`

	// DeterministicInference makes the latent sample equal to the mean when not training.
	DeterministicInference bool `mapstructure:"deterministic_inference"`

	// Seed of the context random number generator. If 0, it is seeded from the clock.
	Seed int64 `mapstructure:"seed"`
}

// DefaultConfig returns the default hyperparameters, with 24 views of 137x137 images.
func DefaultConfig() Config {
	imageCfg := mvcnn.DefaultConfig()
	fusionCfg := fusion.DefaultConfig()
	lossCfg := losses.DefaultConfig()
	return Config{
		ZDim:              200,
		Fusion:            string(fusionCfg.Strategy),
		NumViews:          24,
		ImageHeight:       137,
		ImageWidth:        137,
		VoxelSize:         voxel.GridSize,
		SwitchProbability: fusionCfg.SwitchProbability,
		ImageWeight:       fusionCfg.ImageWeight,
		VoxelWeight:       fusionCfg.VoxelWeight,
		Backbone:          imageCfg.Backbone,
		DropoutRate:       imageCfg.DropoutRate,
		L2Regularization:  imageCfg.L2,
		Loss:              string(lossCfg.Kind),
		Beta:              lossCfg.Beta,
		Capacity:          lossCfg.Capacity,
		MaxEpochs:         lossCfg.MaxEpochs,
	}
}

// ConfigFromMap returns the DefaultConfig overwritten by the given values, keyed by the
// mapstructure tags of Config. Values are weakly typed (e.g. the string "0.3" is accepted for a
// float), and unknown keys are an error.
func ConfigFromMap(values map[string]any) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, errors.Wrap(err, "mmvae: creating configuration decoder")
	}
	if err = decoder.Decode(values); err != nil {
		return cfg, errors.Wrap(err, "mmvae: decoding configuration")
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Map returns the configuration as a map keyed by the mapstructure tags, the inverse of ConfigFromMap.
func (c Config) Map() map[string]any {
	values := make(map[string]any)
	if err := mapstructure.Decode(c, &values); err != nil {
		panic(errors.Wrap(err, "mmvae: encoding configuration"))
	}
	return values
}

// Keys returns the sorted list of configuration keys.
func (c Config) Keys() []string {
	values := c.Map()
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FusionConfig returns the configuration of the fusion layer.
func (c Config) FusionConfig() fusion.Config {
	return fusion.Config{
		Strategy:          fusion.Strategy(c.Fusion),
		SwitchProbability: c.SwitchProbability,
		ImageWeight:       c.ImageWeight,
		VoxelWeight:       c.VoxelWeight,
	}
}

// ImageConfig returns the configuration of the image encoder.
func (c Config) ImageConfig() mvcnn.Config {
	return mvcnn.Config{
		Backbone:    c.Backbone,
		DropoutRate: c.DropoutRate,
		L2:          c.L2Regularization,
	}
}

// LossConfig returns the configuration of the loss.
func (c Config) LossConfig() losses.Config {
	return losses.Config{
		Kind:          losses.Kind(c.Loss),
		Beta:          c.Beta,
		Capacity:      c.Capacity,
		MaxEpochs:     c.MaxEpochs,
		PerModalityKL: c.PerModalityKL,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if c.ZDim <= 0 {
		return errors.Errorf("mmvae: z_dim must be > 0, got %d", c.ZDim)
	}
	if c.NumViews < 1 {
		return errors.Errorf("mmvae: num_views must be >= 1, got %d", c.NumViews)
	}
	if c.VoxelSize != voxel.GridSize {
		return errors.Errorf("mmvae: voxel_size must be %d, got %d", voxel.GridSize, c.VoxelSize)
	}
	if err := c.FusionConfig().Validate(); err != nil {
		return errors.WithMessage(err, "mmvae: invalid fusion")
	}
	if err := c.ImageConfig().Validate(); err != nil {
		return errors.WithMessage(err, "mmvae: invalid image encoder")
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return errors.Errorf("mmvae: invalid image size %dx%d", c.ImageHeight, c.ImageWidth)
	}
	// ResNet-18 pads every convolution and pooling, so any image size yields a feature map.
	if c.Backbone == mvcnn.BackboneSVCNN {
		if h, w, _ := mvcnn.FeatureSize(c.Backbone, c.ImageHeight, c.ImageWidth); h <= 0 || w <= 0 {
			return errors.Errorf("mmvae: images of %dx%d are too small for the %q backbone",
				c.ImageHeight, c.ImageWidth, c.Backbone)
		}
	}
	if err := c.LossConfig().Validate(); err != nil {
		return errors.WithMessage(err, "mmvae: invalid loss")
	}
	return nil
}

// ApplyTo seeds the context random number generator (used by the latent sampling and the switch
// fusion), sets the inference policy of the latent sampling and records the hyperparameters under
// ParamsScope. It returns an error, leaving ctx untouched, if the configuration is invalid.
func (c Config) ApplyTo(ctx *context.Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Seed != 0 {
		ctx.RngStateFromSeed(c.Seed)
	} else {
		ctx.RngStateReset()
	}
	ctx.InAbsPath(ParamsScope).SetParams(c.Map())
	ctx.InAbsPath(context.RootScope).SetParam(latent.ParamDeterministicInference, c.DeterministicInference)
	return nil
}
