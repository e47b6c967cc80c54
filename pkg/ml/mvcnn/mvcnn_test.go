// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mvcnn_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/mmvae/pkg/ml/latent"
	"github.com/gomlx/mmvae/pkg/ml/mvcnn"
)

const (
	testBatchSize = 2
	testImageSize = 32
	testZDim      = 4
)

func TestFeatureSize(t *testing.T) {
	h, w, c := mvcnn.FeatureSize(mvcnn.BackboneResNet18, 137, 137)
	assert.Equal(t, []int{5, 5, 512}, []int{h, w, c})
	h, w, _ = mvcnn.FeatureSize(mvcnn.BackboneResNet18, 32, 64)
	assert.Equal(t, []int{1, 2}, []int{h, w})
	h, w, c = mvcnn.FeatureSize(mvcnn.BackboneSVCNN, 137, 137)
	assert.Equal(t, []int{5, 5, 256}, []int{h, w, c})
	h, _, _ = mvcnn.FeatureSize(mvcnn.BackboneSVCNN, 6, 137)
	assert.LessOrEqual(t, h, 0)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, mvcnn.DefaultConfig().Validate())
	cfg := mvcnn.DefaultConfig()
	cfg.Backbone = "vgg16"
	require.ErrorContains(t, cfg.Validate(), "unknown backbone")
	cfg = mvcnn.DefaultConfig()
	cfg.DropoutRate = 1
	require.Error(t, cfg.Validate())
	cfg = mvcnn.DefaultConfig()
	cfg.L2 = -1
	require.Error(t, cfg.Validate())
}

func TestSplitViews(t *testing.T) {
	graphtest.RunTestGraphFn(t, "SplitViews", func(g *Graph) (inputs, outputs []*Node) {
		images := Reshape(Iota(g, shapes.Make(dtypes.Float32, 2*3*1*2*1), 0), 2, 3, 1, 2, 1)
		inputs = []*Node{images}
		outputs = mvcnn.SplitViews(images)
		return
	}, []any{
		[][][][]float32{{{{0}, {1}}}, {{{6}, {7}}}},
		[][][][]float32{{{{2}, {3}}}, {{{8}, {9}}}},
		[][][][]float32{{{{4}, {5}}}, {{{10}, {11}}}},
	}, 0)
}

func TestViewPool(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ViewPool", func(g *Graph) (inputs, outputs []*Node) {
		a := Const(g, [][]float32{{1, 5}, {-2, 0}})
		b := Const(g, [][]float32{{3, 4}, {-1, -3}})
		c := Const(g, [][]float32{{0, 6}, {-5, 1}})
		inputs = []*Node{a, b, c}
		outputs = []*Node{
			mvcnn.ViewPool([]*Node{a, b, c}),
			mvcnn.ViewPool([]*Node{c, a, b}),
		}
		return
	}, []any{
		[][]float32{{3, 6}, {-1, 1}},
		[][]float32{{3, 6}, {-1, 1}},
	}, 0)

	g := NewGraph(graphtest.BuildTestBackend(), "single")
	features := Const(g, []float32{1, 2})
	assert.Same(t, features, mvcnn.ViewPool([]*Node{features}))
	require.Error(t, exceptions.TryCatch[error](func() { mvcnn.ViewPool(nil) }))
}

// makeImages returns images shaped [testBatchSize, numViews, testImageSize, testImageSize, 3],
// flattened, where each view has a different pattern. order gives the position of each view.
func makeImages(numViews int, order []int) []float32 {
	viewSize := testImageSize * testImageSize * mvcnn.ImageChannels
	flat := make([]float32, testBatchSize*numViews*viewSize)
	for example := range testBatchSize {
		for position, view := range order {
			base := (example*numViews + position) * viewSize
			for ii := range viewSize {
				flat[base+ii] = float32((ii*(view+3)+example*7)%17) / 17
			}
		}
	}
	return flat
}

func encoderFn(cfg mvcnn.Config, numViews int) func(ctx *context.Context, flat *Node) []*Node {
	return func(ctx *context.Context, flat *Node) []*Node {
		images := Reshape(flat, testBatchSize, numViews, testImageSize, testImageSize, mvcnn.ImageChannels)
		return mvcnn.Encoder(ctx.In(mvcnn.Scope), cfg, images, testZDim).Nodes()
	}
}

func TestEncoderPermutationInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(latent.ParamDeterministicInference, true)
	const numViews = 3
	exec := context.MustNewExec(backend, ctx, encoderFn(mvcnn.DefaultConfig(), numViews))
	original := exec.MustExec(makeImages(numViews, []int{0, 1, 2}))
	permuted := exec.MustExec(makeImages(numViews, []int{2, 0, 1}))
	for ii := range 3 {
		assert.Equal(t, []int{testBatchSize, testZDim}, original[ii].Shape().Dimensions)
		want := original[ii].Value().([][]float32)
		got := permuted[ii].Value().([][]float32)
		for row := range want {
			assert.InDeltaSlice(t, want[row], got[row], 1e-5, "output #%d, example #%d", ii, row)
		}
	}
}

func backboneVariables(ctx *context.Context, backboneScope string) []string {
	var names []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(v.Scope(), "/"+backboneScope) {
			names = append(names, v.ScopeAndName())
		}
	})
	sort.Strings(names)
	return names
}

func TestWeightSharing(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, backbone := range []string{mvcnn.BackboneResNet18, mvcnn.BackboneSVCNN} {
		t.Run(backbone, func(t *testing.T) {
			cfg := mvcnn.DefaultConfig()
			cfg.Backbone = backbone
			variablesPerNumViews := make(map[int][]string)
			for _, numViews := range []int{1, 3} {
				ctx := context.New()
				_ = context.MustExecOnceN(backend, ctx, encoderFn(cfg, numViews), makeImages(numViews, []int{0, 1, 2}[:numViews]))
				variablesPerNumViews[numViews] = backboneVariables(ctx, cfg.BackboneScope())
			}
			require.NotEmpty(t, variablesPerNumViews[1])
			if diff := cmp.Diff(variablesPerNumViews[1], variablesPerNumViews[3]); diff != "" {
				t.Errorf("backbone variables depend on the number of views (-1 view +3 views):\n%s", diff)
			}
		})
	}
}

func TestResNet18LayerNames(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = context.MustExecOnceN(backend, ctx, encoderFn(mvcnn.DefaultConfig(), 1), makeImages(1, []int{0}))
	prefix := "/" + mvcnn.Scope + "/ResNet18/"
	for _, scope := range []string{"conv0", "stage1_unit1_sc", "stage2_unit1_conv1", "stage4_unit2_conv2"} {
		v := ctx.GetVariableByScopeAndName(prefix+scope, "weights")
		require.NotNil(t, v, "missing variable %s%s/weights", prefix, scope)
	}
	assert.Equal(t, []int{7, 7, mvcnn.ImageChannels, 64}, ctx.GetVariableByScopeAndName(prefix+"conv0", "weights").Shape().Dimensions)
	assert.Equal(t, []int{1, 1, 256, 512}, ctx.GetVariableByScopeAndName(prefix+"stage4_unit1_sc", "weights").Shape().Dimensions)
	assert.Nil(t, ctx.GetVariableByScopeAndName(prefix+"conv0", "biases"))
	assert.Nil(t, ctx.GetVariableByScopeAndName(prefix+"bn_data", "scale"))
	assert.NotNil(t, ctx.GetVariableByScopeAndName(prefix+"bn_data", "offset"))

	fc6 := ctx.GetVariableByScopeAndName("/"+mvcnn.Scope+"/MVCNN_fcc6", "weights")
	require.NotNil(t, fc6)
	assert.Equal(t, []int{512, mvcnn.Fc6Units}, fc6.Shape().Dimensions)
	for _, scope := range []string{"MVCNN_z_mean", "MVCNN_bn_z_mean", "MVCNN_z_logvar", "MVCNN_bn_z_logvar"} {
		found := false
		ctx.EnumerateVariables(func(v *context.Variable) {
			found = found || v.Scope() == "/"+mvcnn.Scope+"/"+scope
		})
		assert.True(t, found, "missing scope %q", scope)
	}
}

func TestEncoderInvalidImages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	err := exceptions.TryCatch[error](func() {
		_ = context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			images := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, testImageSize, testImageSize, 1))
			return mvcnn.Encoder(ctx, mvcnn.DefaultConfig(), images, testZDim).Nodes()
		})
	})
	require.ErrorContains(t, err, "channels")

	err = exceptions.TryCatch[error](func() {
		_ = context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			images := Zeros(g, shapes.Make(dtypes.Float32, 1, testImageSize, testImageSize, 3))
			return mvcnn.Encoder(ctx, mvcnn.DefaultConfig(), images, testZDim).Nodes()
		})
	})
	require.ErrorContains(t, err, "numViews")
}
