// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion combines the latent triples of the image and the voxel encoders into one.
//
// Two strategies are supported:
//
//   - StrategySwitch: stochastically selects one modality per forward evaluation.
//   - StrategyWeightedAdd: deterministic component-wise weighted sum of both modalities.
package fusion

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/mmvae/pkg/ml/latent"
)

// Strategy used to fuse the latent triples.
type Strategy string

const (
	StrategySwitch      Strategy = "switch"
	StrategyWeightedAdd Strategy = "weighted_add"
)

// ErrUnknownStrategy is returned (wrapped) by ParseStrategy and Config.Validate for unsupported strategies.
var ErrUnknownStrategy = errors.New("unknown fusion strategy")

// ParseStrategy converts a name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategySwitch, StrategyWeightedAdd:
		return s, nil
	}
	return "", errors.Wrapf(ErrUnknownStrategy, "%q (valid values are %q and %q)", name,
		StrategySwitch, StrategyWeightedAdd)
}

// Config of the fusion layer.
type Config struct {
	Strategy Strategy

	// SwitchProbability p: with StrategySwitch the voxel triple is selected with probability p,
	// and the image triple with probability 1-p.
	SwitchProbability float64

	// ImageWeight and VoxelWeight are used by StrategyWeightedAdd.
	ImageWeight, VoxelWeight float64
}

// DefaultConfig returns the switch strategy with p=0.5, and equal weights for the weighted add.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategySwitch,
		SwitchProbability: 0.5,
		ImageWeight:       0.5,
		VoxelWeight:       0.5,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.SwitchProbability < 0 || c.SwitchProbability > 1 || math.IsNaN(c.SwitchProbability) {
		return errors.Errorf("fusion: switch probability must be in [0, 1], got %g", c.SwitchProbability)
	}
	for _, w := range []float64{c.ImageWeight, c.VoxelWeight} {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return errors.Errorf("fusion: weights must be finite, got image_weight=%g, voxel_weight=%g",
				c.ImageWeight, c.VoxelWeight)
		}
	}
	return nil
}

// Result of the fusion.
type Result struct {
	latent.Triple

	// SwitchedToImage is a boolean scalar, true if the image triple was selected.
	// It is only set with StrategySwitch.
	SwitchedToImage *Node
}

// Apply fuses the image and voxel triples according to cfg.
// It panics (with an error wrapping ErrUnknownStrategy) if the configuration is invalid.
func Apply(ctx *context.Context, cfg Config, image, voxel latent.Triple) Result {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	switch cfg.Strategy {
	case StrategyWeightedAdd:
		return Result{Triple: WeightedAdd(image, voxel, cfg.ImageWeight, cfg.VoxelWeight)}
	default:
		fused, switched := Switch(ctx, image, voxel, cfg.SwitchProbability)
		return Result{Triple: fused, SwitchedToImage: switched}
	}
}

func assertCompatible(image, voxel latent.Triple) {
	image.AssertValid()
	voxel.AssertValid()
	if !image.Mean.Shape().Equal(voxel.Mean.Shape()) {
		exceptions.Panicf("fusion: image and voxel triples must have the same shape, got image=%s, voxel=%s",
			image.Mean.Shape(), voxel.Mean.Shape())
	}
}

// Switch draws one uniform value u in [0, 1) from the context random number generator, and returns
// the image triple if u > p, or the voxel triple otherwise. The draw is repeated on every
// evaluation of the graph.
//
// It also returns the boolean scalar that is true when the image triple was selected.
func Switch(ctx *context.Context, image, voxel latent.Triple, p float64) (fused latent.Triple, switchedToImage *Node) {
	assertCompatible(image, voxel)
	g := image.Mean.Graph()
	u := ctx.RandomUniform(g, shapes.Make(image.Mean.DType()))
	return SwitchWithDraw(image, voxel, u, p)
}

// SwitchWithDraw is like Switch, but takes the uniform draw u (a scalar) as input.
func SwitchWithDraw(image, voxel latent.Triple, u *Node, p float64) (fused latent.Triple, switchedToImage *Node) {
	assertCompatible(image, voxel)
	if !u.IsScalar() {
		exceptions.Panicf("fusion.SwitchWithDraw requires a scalar draw, got u.shape=%s", u.Shape())
	}
	switchedToImage = GreaterThan(u, Scalar(u.Graph(), u.DType(), p))
	condition := BroadcastToDims(switchedToImage, image.Mean.Shape().Dimensions...)
	fused = latent.Triple{
		Mean:   Where(condition, image.Mean, voxel.Mean),
		LogVar: Where(condition, image.LogVar, voxel.LogVar),
		Z:      Where(condition, image.Z, voxel.Z),
	}
	return
}

// WeightedAdd returns `imageWeight·image + voxelWeight·voxel`, applied to the mean, the
// log-variance and the sample.
func WeightedAdd(image, voxel latent.Triple, imageWeight, voxelWeight float64) latent.Triple {
	assertCompatible(image, voxel)
	add := func(a, b *Node) *Node {
		return Add(MulScalar(a, imageWeight), MulScalar(b, voxelWeight))
	}
	return latent.Triple{
		Mean:   add(image.Mean, voxel.Mean),
		LogVar: add(image.LogVar, voxel.LogVar),
		Z:      add(image.Z, voxel.Z),
	}
}
