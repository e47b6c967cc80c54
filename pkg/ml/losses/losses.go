// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the training objectives of the multimodal VAE: the voxel
// reconstruction binary cross-entropy, optionally combined with the KL-divergence of the latent
// space (plain VAE) or with the capacity-constrained β-VAE objective.
package losses

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/mmvae/pkg/ml/latent"
)

// Kind of loss.
type Kind string

const (
	// KindBCE is the reconstruction loss only.
	KindBCE Kind = "bce"

	// KindVAE adds the KL-divergence of the fused latent space to the reconstruction loss.
	KindVAE Kind = "vae"

	// KindBetaVAE adds β·|KL - C| to the reconstruction loss, where C is the (annealed) capacity.
	KindBetaVAE Kind = "bvae"
)

// ErrUnknownKind is returned (wrapped) for unsupported loss kinds.
var ErrUnknownKind = errors.New("unknown loss")

// ParseKind converts a name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(name); k {
	case KindBCE, KindVAE, KindBetaVAE:
		return k, nil
	}
	return "", errors.Wrapf(ErrUnknownKind, "%q (valid values are %q, %q and %q)", name, KindBCE, KindVAE, KindBetaVAE)
}

// Indices of the predictions consumed by Loss.LossFn.
const (
	PredReconstruction = iota
	PredMean
	PredLogVar
	PredZ
	PredImageMean
	PredImageLogVar
	PredVoxelMean
	PredVoxelLogVar
	NumPredictions
)

const (
	// Scope of the variables created by the losses.
	Scope = "losses"

	// CapacityVarName is the name of the variable holding the current capacity.
	CapacityVarName = "capacity"
)

// Config of the loss.
type Config struct {
	Kind Kind

	// Beta weights the capacity term of KindBetaVAE.
	Beta float64

	// Capacity is the maximum capacity C, reached after MaxEpochs (see AnnealedCapacity).
	Capacity float64

	// MaxEpochs is the number of epochs over which the capacity is linearly increased.
	MaxEpochs int

	// PerModalityKL also includes the KL-divergence of each modality's latent space, in addition
	// to the fused one.
	PerModalityKL bool
}

// DefaultConfig returns the reconstruction-only loss, with the β-VAE parameters set to β=1.5,
// C=10 and 100 epochs.
func DefaultConfig() Config {
	return Config{
		Kind:      KindBCE,
		Beta:      1.5,
		Capacity:  10,
		MaxEpochs: 100,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Beta < 0 {
		return errors.Errorf("losses: beta must be >= 0, got %g", c.Beta)
	}
	if c.Capacity < 0 {
		return errors.Errorf("losses: capacity must be >= 0, got %g", c.Capacity)
	}
	if c.MaxEpochs <= 0 {
		return errors.Errorf("losses: max epochs must be > 0, got %d", c.MaxEpochs)
	}
	return nil
}

// AnnealedCapacity returns the capacity for the given epoch: it grows linearly from 0 at epoch 0
// to maxCapacity at maxEpochs, and stays constant afterward.
func AnnealedCapacity(maxCapacity float64, epoch, maxEpochs int) float64 {
	if maxEpochs <= 0 || epoch >= maxEpochs {
		return maxCapacity
	}
	if epoch <= 0 {
		return 0
	}
	return maxCapacity * float64(epoch) / float64(maxEpochs)
}

// CapacityVar returns the (non-trainable) variable holding the current capacity, creating it with
// the given value if it doesn't exist yet.
func CapacityVar(ctx *context.Context, dtype dtypes.DType, value float64) *context.Variable {
	ctx = ctx.Checked(false).In(Scope)
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), CapacityVarName)
	if v != nil {
		return v
	}
	return ctx.VariableWithValue(CapacityVarName, shapes.CastAsDType(value, dtype)).SetTrainable(false)
}

// ReconstructionLoss returns the binary cross-entropy between the voxel labels (0 or 1) and the
// decoder logits, summed over the voxels: the result is shaped `[batchSize]`.
//
// It uses the numerically stable form `max(x, 0) - x·y + log(1 + exp(-|x|))` for logits x and
// labels y.
func ReconstructionLoss(labels, logits *Node) *Node {
	if logits.Rank() < 2 {
		exceptions.Panicf("losses.ReconstructionLoss requires logits shaped [batchSize, ...], got %s", logits.Shape())
	}
	labels = ConvertDType(labels, logits.DType())
	if labels.Shape().Size() != logits.Shape().Size() {
		exceptions.Panicf("losses.ReconstructionLoss: labels (%s) and logits (%s) have incompatible shapes",
			labels.Shape(), logits.Shape())
	}
	if labels.Rank() != logits.Rank() {
		labels = Reshape(labels, logits.Shape().Dimensions...)
	}
	perVoxel := Add(
		Sub(Max(logits, ZerosLike(logits)), Mul(logits, labels)),
		Log1P(Exp(Neg(Abs(logits)))))
	axes := make([]int, perVoxel.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return ReduceSum(perVoxel, axes...)
}

// Loss implements the configured objective.
type Loss struct {
	cfg Config
}

// New returns the loss for the configuration, or an error if it is invalid.
func New(cfg Config) (*Loss, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loss{cfg: cfg}, nil
}

// Config returns the loss configuration.
func (l *Loss) Config() Config { return l.cfg }

// SetEpoch updates the capacity variable in ctx to the annealed capacity for the epoch.
// It is a no-op for kinds other than KindBetaVAE.
func (l *Loss) SetEpoch(ctx *context.Context, dtype dtypes.DType, epoch int) {
	if l.cfg.Kind != KindBetaVAE {
		return
	}
	capacity := AnnealedCapacity(l.cfg.Capacity, epoch, l.cfg.MaxEpochs)
	v := CapacityVar(ctx, dtype, capacity)
	v.SetValue(tensors.FromAnyValue(shapes.CastAsDType(capacity, v.Shape().DType)))
}

// KLTerm returns the per-example KL-divergence used by the loss, shaped `[batchSize]`.
func (l *Loss) KLTerm(predictions []*Node) *Node {
	kl := latent.KLDivergence(latent.Triple{
		Mean:   predictions[PredMean],
		LogVar: predictions[PredLogVar],
		Z:      predictions[PredZ],
	})
	if l.cfg.PerModalityKL {
		if len(predictions) < NumPredictions {
			exceptions.Panicf("losses: per-modality KL requires %d predictions, got %d", NumPredictions, len(predictions))
		}
		for _, idx := range [][2]int{{PredImageMean, PredImageLogVar}, {PredVoxelMean, PredVoxelLogVar}} {
			mean, logVar := predictions[idx[0]], predictions[idx[1]]
			kl = Add(kl, latent.KLDivergence(latent.Triple{Mean: mean, LogVar: logVar, Z: mean}))
		}
	}
	return kl
}

// LossFn returns the loss function that takes as labels the voxel grids and as predictions the
// model outputs, indexed by the Pred* constants. It returns the mean loss over the batch.
//
// For KindBetaVAE, the capacity is read from the variable returned by CapacityVar (initialized
// with the annealed capacity at epoch 0), see SetEpoch.
func (l *Loss) LossFn(ctx *context.Context) train.LossFn {
	return func(labels, predictions []*Node) *Node {
		if len(labels) < 1 || len(predictions) <= PredZ {
			exceptions.Panicf("losses: requires the voxel labels and at least %d predictions, got %d labels and %d predictions",
				PredZ+1, len(labels), len(predictions))
		}
		logits := predictions[PredReconstruction]
		loss := ReconstructionLoss(labels[0], logits)
		switch l.cfg.Kind {
		case KindVAE:
			loss = Add(loss, l.KLTerm(predictions))
		case KindBetaVAE:
			g := logits.Graph()
			capacity := CapacityVar(ctx, logits.DType(),
				AnnealedCapacity(l.cfg.Capacity, 0, l.cfg.MaxEpochs)).ValueGraph(g)
			gap := Abs(Sub(l.KLTerm(predictions), capacity))
			loss = Add(loss, MulScalar(gap, l.cfg.Beta))
		}
		return ReduceAllMean(loss)
	}
}
