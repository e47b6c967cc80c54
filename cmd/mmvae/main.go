// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mmvae inspects and runs the multimodal (multi-view images + voxels) VAE.
//
// Hyperparameters are given with repeated "--set key=value" flags, for instance:
//
//	mmvae summary --set num_views=12 --set fusion=weighted_add
//	mmvae forward --set backbone=svcnn --input image --batch 4
//	mmvae init --checkpoint ~/work/mmvae && mmvae vars --checkpoint ~/work/mmvae --scope /Voxel_Decoder
//
// The backend is selected with the GOMLX_BACKEND environment variable.
package main

import (
	"flag"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/mmvae/pkg/mmvae"
)

// newBackend is replaced in tests.
var newBackend = backends.MustNew

// options shared by all subcommands.
type options struct {
	settings   []string
	checkpoint string
	out        io.Writer
}

// parseSettings converts "key=value" settings to a map.
func parseSettings(settings []string) (map[string]any, error) {
	values := make(map[string]any, len(settings))
	for _, setting := range settings {
		key, value, found := strings.Cut(setting, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, errors.Errorf("invalid setting %q, it must be formatted as \"key=value\"", setting)
		}
		values[key] = strings.TrimSpace(value)
	}
	return values, nil
}

// newModel parses the settings and creates the model.
func (o *options) newModel() (*mmvae.Model, error) {
	values, err := parseSettings(o.settings)
	if err != nil {
		return nil, err
	}
	cfg, err := mmvae.ConfigFromMap(values)
	if err != nil {
		return nil, err
	}
	return mmvae.New(cfg)
}

// newContext creates the context for the model, attached to the checkpoint, if one was given.
// Variables found in the checkpoint are loaded when the graph is built.
//
// With a checkpoint the context is unchecked: variables available in the checkpoint count as
// existing ones, and the checkpoint may hold only some of them (e.g. after a config change).
func (o *options) newContext(model *mmvae.Model) (*context.Context, *checkpoints.Handler, error) {
	ctx := context.New()
	var checkpoint *checkpoints.Handler
	if o.checkpoint != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).Dir(o.checkpoint).Keep(3).Done()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "loading checkpoint from %q", o.checkpoint)
		}
		klog.V(1).Infof("checkpoint: %s", checkpoint)
		ctx = ctx.Checked(false)
	}
	if err := model.Config().ApplyTo(ctx); err != nil {
		return nil, nil, err
	}
	return ctx, checkpoint, nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}
	rootCmd := &cobra.Command{
		Use:   "mmvae",
		Short: "Multimodal (multi-view images and voxels) variational auto-encoder",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringArrayVar(&opts.settings, "set", nil,
		"Hyperparameter formatted as key=value, can be repeated. Keys: "+strings.Join(mmvae.DefaultConfig().Keys(), ", "))
	rootCmd.PersistentFlags().StringVar(&opts.checkpoint, "checkpoint", "",
		"Directory of the checkpoint to load the variables from (and save to, with \"init\").")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(
		newSummaryCmd(opts),
		newVarsCmd(opts),
		newForwardCmd(opts),
		newInitCmd(opts),
	)
	return rootCmd
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		klog.Fatalf("mmvae: %+v", err)
	}
}
