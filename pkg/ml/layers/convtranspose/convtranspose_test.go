// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convtranspose_test

import (
	"fmt"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/mmvae/pkg/ml/layers/convtranspose"
)

func TestOutputSize(t *testing.T) {
	// Sizes used by the voxel decoder: 7 -> 7 -> 15 -> 15 -> 32 -> 32.
	assert.Equal(t, 7, convtranspose.OutputSize(7, 3, 1, true))
	assert.Equal(t, 15, convtranspose.OutputSize(7, 3, 2, false))
	assert.Equal(t, 15, convtranspose.OutputSize(15, 3, 1, true))
	assert.Equal(t, 32, convtranspose.OutputSize(15, 4, 2, false))

	for _, tc := range []struct{ n, k, s int }{{7, 3, 1}, {5, 4, 2}, {3, 1, 3}, {4, 5, 2}} {
		for _, same := range []bool{true, false} {
			start, end := convtranspose.Paddings(tc.n, tc.k, tc.s, same)
			require.GreaterOrEqual(t, start, 0)
			require.GreaterOrEqual(t, end, 0)
			dilated := (tc.n-1)*tc.s + 1
			assert.Equal(t, convtranspose.OutputSize(tc.n, tc.k, tc.s, same), dilated+start+end-tc.k+1,
				"n=%d, k=%d, s=%d, same=%v", tc.n, tc.k, tc.s, same)
		}
	}
}

func TestConvTranspose(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Values1D", func(t *testing.T) {
		ctx := context.New().Checked(false)
		// Kernel [k=2, out=1, in=1]: each input element "stamps" [1, 10] at position i·stride.
		ctx.In("deconv").VariableWithValue("weights", [][][]float32{{{1}}, {{10}}})
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return convtranspose.New(ctx.In("deconv"), x).CurrentScope().
				Filters(1).KernelSize(2).Strides(2).UseBias(false).Done()
		}, [][][]float32{{{1}, {2}}})
		assert.Equal(t, [][][]float32{{{1}, {10}, {2}, {20}}}, out.Value())
	})

	t.Run("OverlappingValues1D", func(t *testing.T) {
		ctx := context.New().Checked(false)
		// Kernel of size 3 with stride 2 overlaps one element between neighbors.
		ctx.In("deconv").VariableWithValue("weights", [][][]float32{{{1}}, {{2}}, {{3}}})
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return convtranspose.New(ctx.In("deconv"), x).CurrentScope().
				Filters(1).KernelSize(3).Strides(2).UseBias(false).Done()
		}, [][][]float32{{{1}, {10}}})
		// [1, 2, 3, 0, 0] + [0, 0, 10, 20, 30]
		assert.Equal(t, [][][]float32{{{1}, {2}, {13}, {20}, {30}}}, out.Value())
	})

	t.Run("Shapes3D", func(t *testing.T) {
		for _, tc := range []struct {
			n, k, s, filters int
			same             bool
			want             int
		}{
			{7, 3, 1, 4, true, 7},
			{7, 3, 2, 3, false, 15},
			{15, 4, 2, 2, false, 32},
		} {
			t.Run(fmt.Sprintf("n=%d_k=%d_s=%d", tc.n, tc.k, tc.s), func(t *testing.T) {
				ctx := context.New()
				out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
					x := Ones(g, shapes.Make(dtypes.Float32, 2, tc.n, tc.n, tc.n, 5))
					cfg := convtranspose.New(ctx, x).Filters(tc.filters).KernelSize(tc.k).Strides(tc.s)
					if tc.same {
						cfg = cfg.PadSame()
					}
					return cfg.Done()
				})
				assert.Equal(t, []int{2, tc.want, tc.want, tc.want, tc.filters}, out.Shape().Dimensions)
				weights := ctx.GetVariableByScopeAndName("/conv_transpose", "weights")
				require.NotNil(t, weights)
				assert.Equal(t, []int{tc.k, tc.k, tc.k, tc.filters, 5}, weights.Shape().Dimensions)
			})
		}
	})

	t.Run("PerAxis", func(t *testing.T) {
		ctx := context.New()
		out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 1, 3, 2, 1))
			return convtranspose.New(ctx, x).Filters(2).
				KernelSizePerAxis(2, 3).StridePerAxis(1, 2).UseBias(false).Done()
		})
		// Height: (3-1)·1 + 2 = 4, width: (2-1)·2 + 3 = 6.
		assert.Equal(t, []int{1, 4, 6, 2}, out.Shape().Dimensions)
		weights := ctx.GetVariableByScopeAndName("/conv_transpose", "weights")
		require.NotNil(t, weights)
		assert.Equal(t, []int{2, 3, 2, 1}, weights.Shape().Dimensions)
		assert.Nil(t, ctx.GetVariableByScopeAndName("/conv_transpose", "biases"))

		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 3, 2, 1))
				return convtranspose.New(ctx, x).Filters(2).KernelSizePerAxis(2, 3, 4).Done()
			})
		})
	})

	t.Run("Gradient", func(t *testing.T) {
		ctx := context.New()
		outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
			y := convtranspose.New(ctx, x).Filters(2).KernelSize(3).Strides(2).Done()
			return Gradient(ReduceAllSum(y), x)
		}, [][][][]float32{{{{1}, {2}}, {{3}, {4}}}})
		assert.Equal(t, []int{1, 2, 2, 1}, outputs[0].Shape().Dimensions)
	})
}
