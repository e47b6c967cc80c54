// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/spf13/cobra"
)

func newVarsCmd(opts *options) *cobra.Command {
	var scope string
	var withStats bool
	cmd := &cobra.Command{
		Use:   "vars",
		Short: "Lists the variables of the model, with their shapes and sizes",
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
			backend := newBackend()
			if err = buildVariables(backend, ctx, model); err != nil {
				return err
			}
			if !withStats {
				backend = nil
			}
			renderVariables(opts.out, ctx, scope, backend)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Only list variables under this scope, e.g. \"/Voxel_Decoder\".")
	cmd.Flags().BoolVar(&withStats, "stats", false,
		"Include MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value) of each variable.")
	return cmd
}

// renderVariables lists the variables under scope. If backend is not nil, it also
// includes statistics of the values of the variables.
func renderVariables(w io.Writer, ctx *context.Context, scope string, backend backends.Backend) {
	title := "Variables"
	if scope != "" {
		title = fmt.Sprintf("Variables in scope %q", scope)
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))

	var statsExec *Exec
	if backend != nil {
		statsExec = MustNewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
			x = ConvertDType(x, dtypes.Float64)
			mav = ReduceAllMean(Abs(x))
			rms = Sqrt(ReduceAllMean(Square(x)))
			maxAV = ReduceAllMax(Abs(x))
			return
		}).SetMaxCache(-1)
	}

	t := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	headers := []string{"Scope", "Name", "Shape", "Size", "Bytes"}
	if statsExec != nil {
		headers = append(headers, "MAV", "RMS", "MaxAV")
	}
	t.Headers(headers...)

	var rows [][]string
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !inScope(v.Scope(), scope) {
			return
		}
		shape := v.Shape()
		row := []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		}
		if statsExec != nil {
			var mav, rms, maxAV string
			if shape.DType.IsFloat() && shape.Size() > 0 {
				stats := statsExec.MustExec(v.Value())
				mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
				rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
				maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
			}
			row = append(row, mav, rms, maxAV)
		}
		rows = append(rows, row)
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
