// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package latent holds the latent representation produced by the VAE encoders: the triple
// (mean, log-variance, sample), the reparameterization sampling and the KL-divergence.
package latent

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"

	"github.com/gomlx/mmvae/pkg/ml/layers/dense"
)

// ParamDeterministicInference is the context hyperparameter that, when set to true, makes Sample
// return the mean (no noise) when the graph is not being trained.
// The default is false: the noise is drawn on every evaluation.
const ParamDeterministicInference = "latent_deterministic_inference"

// Triple is the output of an encoder: the mean and log-variance of the approximate posterior, and
// a sample Z drawn from it. All three are shaped `[batchSize, zDim]`.
//
// Noise is the standard normal noise used to draw Z when it was sampled by Sample. It is nil
// for derived triples (e.g. fused ones) or when Z is the mean.
type Triple struct {
	Mean, LogVar, Z *Node
	Noise           *Node
}

// ZDim returns the dimension of the latent space.
func (t Triple) ZDim() int {
	return t.Mean.Shape().Dim(-1)
}

// AssertValid panics if the three nodes don't have the same shape `[batchSize, zDim]`.
func (t Triple) AssertValid() {
	if t.Mean == nil || t.LogVar == nil || t.Z == nil {
		exceptions.Panicf("latent.Triple has nil components: %+v", t)
	}
	if t.Mean.Rank() != 2 {
		exceptions.Panicf("latent.Triple must be shaped [batchSize, zDim], got mean.shape=%s", t.Mean.Shape())
	}
	if !t.Mean.Shape().Equal(t.LogVar.Shape()) || !t.Mean.Shape().Equal(t.Z.Shape()) {
		exceptions.Panicf("latent.Triple components must have the same shape: mean=%s, logVar=%s, z=%s",
			t.Mean.Shape(), t.LogVar.Shape(), t.Z.Shape())
	}
}

// Nodes returns the components in the order mean, log-variance, sample.
func (t Triple) Nodes() []*Node {
	return []*Node{t.Mean, t.LogVar, t.Z}
}

// Reparameterize returns `mean + exp(logVar/2) * noise`.
func Reparameterize(mean, logVar, noise *Node) *Node {
	return Add(mean, Mul(Exp(DivScalar(logVar, 2)), noise))
}

// Sample draws standard normal noise from the context random number generator and returns the
// reparameterized sample along with the noise used.
//
// If ParamDeterministicInference is set and the graph is not training, it returns the mean and
// a nil noise.
func Sample(ctx *context.Context, mean, logVar *Node) (z, noise *Node) {
	g := mean.Graph()
	if context.GetParamOr(ctx, ParamDeterministicInference, false) && !ctx.IsTraining(g) {
		return mean, nil
	}
	noise = ctx.RandomNormal(g, mean.Shape())
	z = Reparameterize(mean, logVar, noise)
	return
}

// Heads builds the two parallel linear layers followed by batch normalization that produce the
// mean and log-variance of the latent space from the features x (`[batchSize, features]`), and
// samples from it.
//
// Layers are named after prefix, e.g. for prefix "VoxEncoder": "VoxEncoder_z_mean",
// "VoxEncoder_bn_z_mean", "VoxEncoder_z_logvar", "VoxEncoder_bn_z_logvar".
func Heads(ctx *context.Context, x *Node, zDim int, prefix string) Triple {
	if zDim <= 0 {
		exceptions.Panicf("latent.Heads: zDim must be > 0, got %d", zDim)
	}
	glorot := initializers.XavierNormalFn(ctx)
	head := func(name string) *Node {
		y := dense.New(ctx.In(prefix+"_z_"+name), x, zDim).Initializer(glorot).Done()
		return batchnorm.New(ctx.In(prefix+"_bn_z_"+name), y, -1).CurrentScope().Done()
	}
	var t Triple
	t.Mean = head("mean")
	t.LogVar = head("logvar")
	t.Z, t.Noise = Sample(ctx, t.Mean, t.LogVar)
	return t
}

// KLDivergence returns the KL-divergence between the approximate posterior described by t
// and the standard normal prior, per example: `-½·Σ(1 + logVar - mean² - exp(logVar))`.
// The result is shaped `[batchSize]`.
func KLDivergence(t Triple) *Node {
	terms := Sub(OnePlus(t.LogVar), Add(Square(t.Mean), Exp(t.LogVar)))
	return MulScalar(ReduceSum(terms, -1), -0.5)
}
