// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations adds the activations used by the multimodal VAE that are not part of
// GoMLX's own activations package, and resolves activations by their Keras names.
package activations

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	gomlxact "github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// EluAlpha is the default saturation value for negative inputs of Elu.
	EluAlpha = 1.0

	// NameElu is the name used to select Elu with Apply.
	NameElu = "elu"

	// NameLinear selects no activation, as in Keras' `activation=None`.
	NameLinear = "linear"
)

// Elu is the Exponential Linear Unit: x if x > 0, and EluAlpha·(eˣ-1) otherwise.
func Elu(x *Node) *Node {
	return EluWithAlpha(x, EluAlpha)
}

// EluWithAlpha is Elu with a configurable alpha.
//
// The exponential is taken over Min(x, 0), so large positive values don't overflow in the
// branch that is discarded (it would turn the gradient into NaN).
func EluWithAlpha(x *Node, alpha float64) *Node {
	zero := ScalarZero(x.Graph(), x.DType())
	negative := MulScalar(Expm1(Min(x, zero)), alpha)
	return Where(GreaterThan(x, zero), x, negative)
}

// Apply the activation with the given name.
//
// Besides NameElu and NameLinear ("" is the same as NameLinear), it accepts every
// name known by GoMLX's activations.FromName (e.g.: "relu", "sigmoid", "tanh").
func Apply(name string, x *Node) *Node {
	switch name {
	case "", NameLinear:
		return x
	case NameElu:
		return Elu(x)
	}
	return gomlxact.Apply(gomlxact.FromName(name), x)
}

// Validate panics with a helpful message if name is not a known activation.
func Validate(name string) {
	switch name {
	case "", NameLinear, NameElu:
		return
	}
	if _, err := gomlxact.TypeString(name); err != nil {
		exceptions.Panicf("unknown activation %q: use %q, %q or one of %v", name, NameElu, NameLinear,
			gomlxact.TypeValues())
	}
}
