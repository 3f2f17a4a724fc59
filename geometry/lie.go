// Package geometry provides differential-geometric operators over batches of
// row vectors: a finite-difference Lie derivative, parallel transport under a
// Levi-Civita connection, spectral (harmonic) decomposition on a distance
// graph, and an explicit Euler Ricci-style flow.
//
// A weight matrix is treated as a batch of its rows. All operators compute in
// float64 and return float32 matrices.
package geometry

import (
	"fmt"

	"github.com/sbl8/superablate/core"
)

// DefaultEpsilon is the finite-difference step of LieDerivative.
const DefaultEpsilon = 1e-5

// LieDerivative approximates the Lie bracket of the field rows with dir.
//
// For each row x the Jacobian of the perturbation x -> x + ε·dir is estimated
// by finite differences as δ ⊗ dir, and the bracket is J·dir - Jᵀ·x. eps <= 0
// selects DefaultEpsilon.
func LieDerivative(field *core.Matrix, dir core.Vector, eps float64) (*core.Matrix, error) {
	if err := field.Validate(); err != nil {
		return nil, err
	}
	if len(dir) != field.Cols {
		return nil, fmt.Errorf("direction length %d does not match field width %d: %w", len(dir), field.Cols, core.ErrShapeMismatch)
	}
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	var dirNorm2 float64
	for _, v := range dir {
		dirNorm2 += float64(v) * float64(v)
	}

	out := core.NewMatrix(field.Rows, field.Cols)
	delta := make([]float64, field.Cols)
	for b := 0; b < field.Rows; b++ {
		x := field.Row(b)
		var dx float64
		for k, xv := range x {
			base := float64(xv)
			delta[k] = ((base + eps*float64(dir[k])) - base) / eps
			dx += delta[k] * base
		}
		row := out.Row(b)
		for k := range row {
			row[k] = float32(delta[k]*dirNorm2 - float64(dir[k])*dx)
		}
	}
	return out, nil
}
