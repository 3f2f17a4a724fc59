package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// Harmonics is a field split into its lowest-frequency graph components.
type Harmonics struct {
	// Components[h] is the projection of every field row onto harmonic h,
	// shaped like the field.
	Components []*core.Matrix
	// Eigenvalues of the Laplacian for each component, ascending.
	Eigenvalues []float32
}

// Sum returns the low-pass filtered field Σ_h Components[h].
func (h *Harmonics) Sum() *core.Matrix {
	if len(h.Components) == 0 {
		return &core.Matrix{}
	}
	out := h.Components[0].Clone()
	for _, c := range h.Components[1:] {
		kernels.Axpy(1, c.Data, out.Data)
	}
	return out
}

// Norms returns the Euclidean norm of every row of every component, flattened
// component-major.
func (h *Harmonics) Norms() []float32 {
	var out []float32
	for _, c := range h.Components {
		out = append(out, kernels.RowNorms(c)...)
	}
	return out
}

// GraphLaplacian returns diag(degree) - W for the complete graph over the
// field rows weighted by Euclidean distance.
func GraphLaplacian(field *core.Matrix) *core.Matrix {
	return kernels.Laplacian(kernels.PairwiseDistances(field))
}

// HarmonicComponents projects the field rows onto the k lowest eigenvectors of
// a rows x rows graph Laplacian. A nil laplacian is built with GraphLaplacian.
func HarmonicComponents(field *core.Matrix, k int, laplacian *core.Matrix) (*Harmonics, error) {
	if err := field.Validate(); err != nil {
		return nil, err
	}
	if field.Empty() {
		return nil, fmt.Errorf("harmonics of empty field: %w", core.ErrShapeMismatch)
	}
	b := field.Rows
	if k < 1 || k > b {
		return nil, fmt.Errorf("%d harmonic components outside [1, %d]: %w", k, b, core.ErrConfiguration)
	}
	if laplacian == nil {
		laplacian = GraphLaplacian(field)
	}
	if laplacian.Rows != b || laplacian.Cols != b {
		return nil, fmt.Errorf("laplacian %dx%d for %d rows: %w", laplacian.Rows, laplacian.Cols, b, core.ErrShapeMismatch)
	}

	values, vectors, err := kernels.SymEigen(laplacian)
	if err != nil {
		return nil, err
	}

	h := &Harmonics{
		Components:  make([]*core.Matrix, k),
		Eigenvalues: make([]float32, k),
	}
	dense := kernels.ToDense(field)
	for c := 0; c < k; c++ {
		h.Eigenvalues[c] = float32(values[c])
		e := vectors.ColView(c)
		var coeff mat.VecDense
		coeff.MulVec(dense.T(), e)
		var proj mat.Dense
		proj.Outer(1, e, &coeff)
		h.Components[c] = kernels.FromDense(&proj)
	}
	return h, nil
}
