// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses_test

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/mmvae/pkg/ml/losses"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"bce", "vae", "bvae"} {
		kind, err := losses.ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, losses.Kind(name), kind)
	}
	_, err := losses.ParseKind("btcvae")
	require.Error(t, err)
	assert.True(t, errors.Is(err, losses.ErrUnknownKind))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, losses.DefaultConfig().Validate())
	cfg := losses.DefaultConfig()
	cfg.MaxEpochs = 0
	require.Error(t, cfg.Validate())
	cfg = losses.DefaultConfig()
	cfg.Kind = "mse"
	require.ErrorIs(t, cfg.Validate(), losses.ErrUnknownKind)
	_, err := losses.New(cfg)
	require.Error(t, err)
}

func TestAnnealedCapacity(t *testing.T) {
	assert.Equal(t, 0.0, losses.AnnealedCapacity(10, 0, 100))
	assert.Equal(t, 2.5, losses.AnnealedCapacity(10, 25, 100))
	assert.Equal(t, 10.0, losses.AnnealedCapacity(10, 100, 100))
	assert.Equal(t, 10.0, losses.AnnealedCapacity(10, 250, 100))
	assert.Equal(t, 0.0, losses.AnnealedCapacity(10, -1, 100))
}

func TestReconstructionLoss(t *testing.T) {
	ln2 := float32(math.Log(2))
	graphtest.RunTestGraphFn(t, "ReconstructionLoss", func(g *Graph) (inputs, outputs []*Node) {
		labels := Const(g, [][][]float32{{{1, 0}, {0, 1}}, {{1, 1}, {0, 0}}})
		logits := Const(g, [][][]float32{{{0, 0}, {0, 0}}, {{100, 100}, {-100, -100}}})
		inputs = []*Node{labels, logits}
		outputs = []*Node{losses.ReconstructionLoss(labels, logits)}
		return
	}, []any{
		[]float32{4 * ln2, 0},
	}, 1e-4)
}

func TestReconstructionLossSumsOverVoxels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	value := MustExecOnce(backend, func(g *Graph) *Node {
		labels := Zeros(g, shapes.Make(dtypes.Float32, 3, 4, 4, 4, 1))
		logits := Zeros(g, shapes.Make(dtypes.Float32, 3, 4, 4, 4, 1))
		return losses.ReconstructionLoss(labels, logits)
	})
	ln2 := float32(math.Log(2))
	assert.Equal(t, []int{3}, value.Shape().Dimensions)
	for _, v := range value.Value().([]float32) {
		assert.InDelta(t, 64*ln2, v, 1e-4)
	}

	require.Panics(t, func() {
		_ = MustExecOnce(backend, func(g *Graph) *Node {
			return losses.ReconstructionLoss(Const(g, []float32{1, 0}), Const(g, []float32{0, 0}))
		})
	}, "logits without a batch axis must be rejected")
}

// lossInputs returns voxel labels and predictions (logits, mean, logVar, z) for a batch of 1,
// where the reconstruction loss is 2·ln(2) and the KL-divergence is ½·(mean²) = 2.
func lossInputs() []any {
	return []any{
		[][]float32{{1, 0}},      // labels
		[][]float32{{0, 0}},      // logits
		[][]float32{{2, 0}},      // mean
		[][]float32{{0, 0}},      // logVar
		[][]float32{{0.5, -0.5}}, // z
	}
}

func evalLoss(t *testing.T, ctx *context.Context, cfg losses.Config) float32 {
	loss, err := losses.New(cfg)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	value := context.MustExecOnce(backend, ctx, func(ctx *context.Context, labels, logits, mean, logVar, z *Node) *Node {
		return loss.LossFn(ctx)([]*Node{labels}, []*Node{logits, mean, logVar, z})
	}, lossInputs()...)
	return value.Value().(float32)
}

func TestLossFn(t *testing.T) {
	ln2 := math.Log(2)
	cfg := losses.DefaultConfig()
	assert.InDelta(t, 2*ln2, evalLoss(t, context.New(), cfg), 1e-5)

	cfg.Kind = losses.KindVAE
	assert.InDelta(t, 2*ln2+2, evalLoss(t, context.New(), cfg), 1e-5)

	// Capacity starts at 0: |2-0|·1.5
	cfg.Kind = losses.KindBetaVAE
	assert.InDelta(t, 2*ln2+3, evalLoss(t, context.New(), cfg), 1e-5)

	// Epoch 50 of 100: capacity is 5, so |2-5|·1.5.
	ctx := context.New()
	loss, err := losses.New(cfg)
	require.NoError(t, err)
	loss.SetEpoch(ctx, dtypes.Float32, 50)
	assert.InDelta(t, 2*ln2+4.5, evalLoss(t, ctx, cfg), 1e-5)
	capacity := ctx.GetVariableByScopeAndName("/"+losses.Scope, losses.CapacityVarName)
	require.NotNil(t, capacity)
	assert.False(t, capacity.Trainable)
}

func TestPerModalityKL(t *testing.T) {
	cfg := losses.DefaultConfig()
	cfg.Kind = losses.KindVAE
	cfg.PerModalityKL = true
	loss, err := losses.New(cfg)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	value := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		zeros := Const(g, [][]float32{{0, 0}})
		twos := Const(g, [][]float32{{2, 0}})
		predictions := []*Node{zeros, twos, zeros, twos, twos, zeros, twos, zeros}
		return ReduceAllSum(loss.KLTerm(predictions))
	})
	// Fused, image and voxel triples have a KL-divergence of 2 each.
	assert.InDelta(t, float32(6), value.Value(), 1e-5)
}
