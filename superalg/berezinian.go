// Package superalg computes Berezinians (super-determinants) of block
// partitioned square matrices.
//
// A 2n x 2n matrix is read as the supermatrix [[A, B], [C, D]] with n x n
// blocks. In the even structure the Berezinian is det(A - B·D⁻¹·C) / det(D).
// The odd structure first applies the sign swap J = [[0, I], [-I, 0]] and then
// evaluates the even form exactly once.
//
// A singular D block (a zero LU pivot) or a failed inversion yields 0. That is
// a checked branch on kernels.Factorization, never an error. Ill-conditioned
// but invertible D blocks are evaluated.
package superalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// maxOddDepth bounds the odd-to-even reduction. J·M is always evaluated as
// an even supermatrix so the recursion never goes deeper than one call.
const maxOddDepth = 1

// Berezinian returns the super-determinant of m. m must be square with an even,
// non-zero dimension.
func Berezinian(m *core.Matrix, even bool) (float32, error) {
	if err := checkSupermatrix(m); err != nil {
		return 0, err
	}
	return berezinian(m, even, 0), nil
}

func berezinian(m *core.Matrix, even bool, depth int) float32 {
	if even {
		return evenBerezinian(kernels.ToDense(m))
	}
	if depth >= maxOddDepth {
		panic("superalg: odd reduction recursed past depth 1")
	}
	return berezinian(swapBlocks(m), true, depth+1)
}

func evenBerezinian(x *mat.Dense) float32 {
	r, _ := x.Dims()
	n := r / 2
	a := x.Slice(0, n, 0, n)
	b := x.Slice(0, n, n, r)
	c := x.Slice(n, r, 0, n)
	d := x.Slice(n, r, n, r)

	fd := kernels.Factorize(d)
	if !fd.Invertible {
		return 0
	}
	dinvC, err := fd.Solve(c)
	if err != nil {
		return 0
	}

	var schur mat.Dense
	schur.Mul(b, dinvC)
	schur.Sub(a, &schur)

	var su mat.LU
	su.Factorize(&schur)
	logSchur, signSchur := su.LogDet()
	logD, signD := fd.LogDet()
	if math.IsInf(logSchur, -1) || signSchur == 0 {
		return 0
	}
	ber := signSchur * signD * math.Exp(logSchur-logD)
	if math.IsNaN(ber) {
		return 0
	}
	return float32(ber)
}

// swapBlocks returns J·m without materializing J: the top half of the result
// is the bottom half of m and the bottom half is the negated top half.
func swapBlocks(m *core.Matrix) *core.Matrix {
	n := m.Rows / 2
	out := core.NewMatrix(m.Rows, m.Cols)
	for i := 0; i < n; i++ {
		copy(out.Row(i), m.Row(n+i))
		bottom := out.Row(n + i)
		for j, v := range m.Row(i) {
			bottom[j] = -v
		}
	}
	return out
}

// SignSwap returns the 2n x 2n matrix J = [[0, I], [-I, 0]].
func SignSwap(n int) *core.Matrix {
	j := core.NewMatrix(2*n, 2*n)
	for i := 0; i < n; i++ {
		j.Set(i, n+i, 1)
		j.Set(n+i, i, -1)
	}
	return j
}

// OuterBerezinian returns Berezinian(u ⊗ v, even) without building the d x d
// product when the answer is structural. For d >= 4 the D block of a rank-one
// matrix has rank at most one and is never invertible, in either structure.
func OuterBerezinian(u, v core.Vector, even bool) (float32, error) {
	if len(u) != len(v) || len(u) == 0 || len(u)%2 != 0 {
		return 0, fmt.Errorf("outer berezinian of %d and %d vectors: %w", len(u), len(v), core.ErrShapeMismatch)
	}
	if len(u) > 2 {
		return 0, nil
	}
	return berezinian(kernels.Outer(u, v), even, 0), nil
}

// SuperProjection returns (dir ⊗ dir) scaled by its own Berezinian.
func SuperProjection(dir core.Vector, even bool) (*core.Matrix, error) {
	ber, err := OuterBerezinian(dir, dir, even)
	if err != nil {
		return nil, err
	}
	proj := kernels.Outer(dir, dir)
	kernels.Scale(ber, proj.Data)
	return proj, nil
}

func checkSupermatrix(m *core.Matrix) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Empty() || !m.IsSquare() || m.Rows%2 != 0 {
		return fmt.Errorf("supermatrix must be square with even dimension, got %dx%d: %w", m.Rows, m.Cols, core.ErrShapeMismatch)
	}
	return nil
}
