// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes the variables of the model and saves them to --checkpoint",
		Long: "Initializes the variables of the model and saves them to --checkpoint. " +
			"Variables already in the checkpoint are preserved, and the hyperparameters are saved along.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.checkpoint == "" {
				return errors.New("init requires --checkpoint")
			}
			model, err := opts.newModel()
			if err != nil {
				return err
			}
			ctx, checkpoint, err := opts.newContext(model)
			if err != nil {
				return err
			}
			if err = buildVariables(newBackend(), ctx, model); err != nil {
				return err
			}
			if err = checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "saving checkpoint to %q", opts.checkpoint)
			}
			klog.Infof("saved %d parameters to %s", ctx.NumParameters(), checkpoint.Dir())
			_, _ = fmt.Fprintf(opts.out, "Checkpoint saved to %s\n", checkpoint.Dir())
			return nil
		},
	}
}
