// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmvae

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/mmvae/pkg/ml/latent"
)

// InputForm selects which modalities are used to reconstruct the voxel grid.
type InputForm string

const (
	InputVoxel InputForm = "voxel"
	InputImage InputForm = "image"
	InputBoth  InputForm = "both"
)

// ErrUnknownInputForm is returned (wrapped) by ParseInputForm.
var ErrUnknownInputForm = errors.New("unknown input form")

// ParseInputForm converts a name to an InputForm.
func ParseInputForm(name string) (InputForm, error) {
	switch f := InputForm(name); f {
	case InputVoxel, InputImage, InputBoth:
		return f, nil
	}
	return "", errors.Wrapf(ErrUnknownInputForm, "%q (valid values are %q, %q and %q)", name,
		InputVoxel, InputImage, InputBoth)
}

// Reconstruct returns the voxel logits reconstructed from the given input form, along with the
// latent triple that was decoded:
//
//   - InputVoxel: voxels are encoded and decoded, images is ignored (it can be nil).
//   - InputImage: images are encoded and decoded into voxels, voxels is ignored (it can be nil).
//   - InputBoth: both are encoded and fused, as in Build.
//
// Variables are shared with Build: a context trained with the full model can be used with any form.
func (m *Model) Reconstruct(ctx *context.Context, form InputForm, images, voxels *Node) (logits *Node, triple latent.Triple) {
	switch form {
	case InputVoxel:
		if voxels == nil {
			exceptions.Panicf("mmvae: input form %q requires voxels", form)
		}
		triple = m.EncodeVoxels(ctx, voxels)
	case InputImage:
		if images == nil {
			exceptions.Panicf("mmvae: input form %q requires images", form)
		}
		triple = m.EncodeImages(ctx, images)
	case InputBoth:
		if images == nil || voxels == nil {
			exceptions.Panicf("mmvae: input form %q requires images and voxels", form)
		}
		_, _, fused := m.Encode(ctx, images, voxels)
		triple = fused.Triple
	default:
		exceptions.Panicf("mmvae: unknown input form %q", form)
	}
	logits = m.Decode(ctx, triple.Z)
	return
}
