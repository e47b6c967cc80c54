// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/mmvae/pkg/ml/fusion"
	"github.com/gomlx/mmvae/pkg/ml/voxel"
	"github.com/gomlx/mmvae/pkg/mmvae"
)

// OccupancyThreshold is the probability above which a reconstructed voxel is considered occupied.
const OccupancyThreshold = 0.5

func newForwardCmd(opts *options) *cobra.Command {
	var batchSize int
	var inputForm string
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Runs one forward pass on random inputs and reports the outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := mmvae.ParseInputForm(inputForm)
			if err != nil {
				return err
			}
			if batchSize <= 0 {
				return errors.Errorf("--batch must be > 0, got %d", batchSize)
			}
			model, err := opts.newModel()
			if err != nil {
				return err
			}
			ctx, _, err := opts.newContext(model)
			if err != nil {
				return err
			}
			result, err := forward(newBackend(), ctx, model, form, batchSize)
			if err != nil {
				return err
			}
			result.render(opts.out)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 1, "Batch size of the random inputs.")
	cmd.Flags().StringVar(&inputForm, "input", string(mmvae.InputBoth),
		"Modalities used to reconstruct the voxels: voxel, image or both.")
	return cmd
}

// forwardResult holds the outputs of one forward pass.
type forwardResult struct {
	form            mmvae.InputForm
	named           []string
	outputs         []*tensors.Tensor
	switchedToImage *bool
	occupancy       float64
	elapsed         time.Duration
}

// forward runs the model on random images and voxels (occupancy ~20%).
func forward(backend backends.Backend, ctx *context.Context, model *mmvae.Model, form mmvae.InputForm, batchSize int) (
	*forwardResult, error) {
	result := &forwardResult{form: form}
	hasSwitch := form == mmvae.InputBoth && model.Config().Fusion == string(fusion.StrategySwitch)
	err := exceptions.TryCatch[error](func() {
		start := time.Now()
		result.outputs = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			images := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, model.ImagesShape(batchSize)...))
			occupancy := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, model.VoxelsShape(batchSize)...))
			voxels := ConvertDType(GreaterThan(occupancy, Scalar(g, dtypes.Float32, 0.8)), dtypes.Float32)

			var outputs []*Node
			if form == mmvae.InputBoth {
				out := model.Build(ctx, images, voxels)
				named := out.Named()
				for _, name := range []string{mmvae.OutputImageZ, mmvae.OutputVoxelZ, mmvae.OutputMean,
					mmvae.OutputLogVar, mmvae.OutputZ, mmvae.OutputLogits} {
					result.named = append(result.named, name)
					outputs = append(outputs, named[name])
				}
				if hasSwitch {
					outputs = append(outputs, out.SwitchedToImage)
				}
				outputs = append(outputs, ReduceAllMean(voxel.Occupancy(out.Reconstruction, OccupancyThreshold)))
				return outputs
			}
			logits, triple := model.Reconstruct(ctx, form, images, voxels)
			result.named = []string{mmvae.OutputMean, mmvae.OutputLogVar, mmvae.OutputZ, mmvae.OutputLogits}
			outputs = append(triple.Nodes(), logits)
			return append(outputs, ReduceAllMean(voxel.Occupancy(logits, OccupancyThreshold)))
		})
		result.elapsed = time.Since(start)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "running forward pass with input form %q", form)
	}

	numNamed := len(result.named)
	if hasSwitch {
		switched := result.outputs[numNamed].Value().(bool)
		result.switchedToImage = &switched
	}
	result.occupancy = float64(result.outputs[len(result.outputs)-1].Value().(float32))
	result.outputs = result.outputs[:numNamed]
	klog.V(1).Infof("forward pass (%s) took %s", form, result.elapsed)
	return result, nil
}

func (r *forwardResult) render(w io.Writer) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Forward pass (input: %s)", r.form)))
	t := newTable(lipgloss.Right, lipgloss.Left)
	t.Headers("Output", "Shape", "Bytes")
	for ii, name := range r.named {
		shape := r.outputs[ii].Shape()
		t.Row(name, shape.String(), humanize.Bytes(uint64(shape.Memory())))
	}
	_, _ = fmt.Fprintln(w, t.Render())

	info := newTable(lipgloss.Right, lipgloss.Left)
	if r.switchedToImage != nil {
		branch := "voxel"
		if *r.switchedToImage {
			branch = "image"
		}
		info.Row("switch", branch)
	}
	info.Row("occupancy", fmt.Sprintf("%.2f%%", 100*r.occupancy))
	info.Row("elapsed", r.elapsed.String())
	_, _ = fmt.Fprintln(w, info.Render())
}
