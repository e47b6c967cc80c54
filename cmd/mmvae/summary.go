// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gomlx/mmvae/pkg/ml/mvcnn"
	"github.com/gomlx/mmvae/pkg/ml/voxel"
	"github.com/gomlx/mmvae/pkg/mmvae"
)

// subModels are the scopes of the sub-models, in the order they are reported.
var subModels = []string{mvcnn.Scope, voxel.EncoderScope, voxel.DecoderScope}

func newSummaryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Builds the model and reports the number of parameters of each sub-model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := opts.newModel()
			if err != nil {
				return err
			}
			ctx, _, err := opts.newContext(model)
			if err != nil {
				return err
			}
			if err = buildVariables(newBackend(), ctx, model); err != nil {
				return err
			}
			renderSummary(opts.out, ctx, model)
			renderParams(opts.out, ctx)
			return nil
		},
	}
}

// buildVariables builds and runs the full model once, with zero inputs and a batch of 1, so all
// variables are created and initialized (or loaded from a checkpoint).
func buildVariables(backend backends.Backend, ctx *context.Context, model *mmvae.Model) error {
	err := exceptions.TryCatch[error](func() {
		_ = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			images := Zeros(g, shapes.Make(dtypes.Float32, model.ImagesShape(1)...))
			voxels := Zeros(g, shapes.Make(dtypes.Float32, model.VoxelsShape(1)...))
			outputs, err := model.TryBuild(ctx, images, voxels)
			if err != nil {
				panic(err)
			}
			return []*Node{outputs.Fused.Z}
		})
	})
	return errors.WithMessage(err, "building model")
}

// scopeStats holds the number of variables, parameters and bytes of a scope.
type scopeStats struct {
	variables, parameters int
	memory                uintptr
}

// collectStats returns the statistics of the trainable variables of each sub-model, and of all
// variables in the context (key "").
func collectStats(ctx *context.Context) map[string]*scopeStats {
	stats := map[string]*scopeStats{"": {}}
	for _, scope := range subModels {
		stats[scope] = &scopeStats{}
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		shape := v.Shape()
		total := stats[""]
		total.variables++
		total.parameters += shape.Size()
		total.memory += shape.Memory()
		for _, scope := range subModels {
			if v.Trainable && inScope(v.Scope(), context.ScopeSeparator+scope) {
				s := stats[scope]
				s.variables++
				s.parameters += shape.Size()
				s.memory += shape.Memory()
			}
		}
	})
	return stats
}

// inScope returns whether variableScope is scope or one of its sub-scopes.
func inScope(variableScope, scope string) bool {
	if scope == "" || scope == context.RootScope {
		return true
	}
	scope = strings.TrimSuffix(scope, context.ScopeSeparator)
	return variableScope == scope || strings.HasPrefix(variableScope, scope+context.ScopeSeparator)
}

func renderSummary(w io.Writer, ctx *context.Context, model *mmvae.Model) {
	cfg := model.Config()
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("Sub-model", "# variables", "# parameters", "Bytes")
	stats := collectStats(ctx)
	for _, scope := range subModels {
		s := stats[scope]
		t.Row(scope, humanize.Comma(int64(s.variables)), humanize.Comma(int64(s.parameters)),
			humanize.Bytes(uint64(s.memory)))
	}
	total := stats[""]
	t.HighlightedRow(true, "Total (all variables)", humanize.Comma(int64(total.variables)),
		humanize.Comma(int64(total.parameters)), humanize.Bytes(uint64(total.memory)))
	_, _ = fmt.Fprintln(w, t.Render())

	info := newTable(lipgloss.Right, lipgloss.Left)
	info.Row("images", fmt.Sprintf("%v", model.ImagesShape(1)[1:]))
	info.Row("voxels", fmt.Sprintf("%v", model.VoxelsShape(1)[1:]))
	info.Row("z_dim", fmt.Sprintf("%d", cfg.ZDim))
	info.Row("backbone", cfg.Backbone)
	info.Row("fusion", cfg.Fusion)
	_, _ = fmt.Fprintln(w, info.Render())
}

// renderParams lists the hyperparameters stored in the context.
func renderParams(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	t := newTable(lipgloss.Left)
	t.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		t.Row(row...)
	}
	_, _ = fmt.Fprintln(w, t.Render())
}
