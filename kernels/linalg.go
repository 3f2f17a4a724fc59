package kernels

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sbl8/superablate/core"
)

// Factorization is an LU decomposition together with its invertibility verdict.
type Factorization struct {
	LU         mat.LU
	Invertible bool
}

// Factorize computes the LU decomposition of a square matrix. The matrix is
// invertible unless a pivot is exactly zero. Ill-conditioned matrices are
// still invertible; callers that need a stricter test inspect LU.Cond.
func Factorize(a mat.Matrix) *Factorization {
	f := &Factorization{}
	f.LU.Factorize(a)
	logDet, sign := f.LU.LogDet()
	f.Invertible = sign != 0 && !math.IsInf(logDet, 0) && !math.IsNaN(logDet)
	return f
}

// Solve returns A⁻¹·b using the factorization. A singular matrix or a
// non-finite solution is an error.
func (f *Factorization) Solve(b mat.Matrix) (*mat.Dense, error) {
	if !f.Invertible {
		return nil, fmt.Errorf("solve against singular matrix")
	}
	var x mat.Dense
	if err := f.LU.SolveTo(&x, false, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) {
			return nil, err
		}
	}
	for _, v := range x.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("solve produced non-finite values")
		}
	}
	return &x, nil
}

// LogDet returns log|det(A)| and the sign of det(A).
func (f *Factorization) LogDet() (float64, float64) {
	return f.LU.LogDet()
}

// Covariance returns the column covariance of m with an (rows-1)
// denominator. A single row has no spread and gives the zero matrix.
func Covariance(m *core.Matrix) (*mat.SymDense, error) {
	if m.Empty() {
		return nil, fmt.Errorf("covariance of %dx%d matrix: %w", m.Rows, m.Cols, core.ErrShapeMismatch)
	}
	if m.Rows < 2 {
		return mat.NewSymDense(m.Cols, nil), nil
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, ToDense(m), nil)
	return &cov, nil
}

// SymEigen eigendecomposes the symmetric part of a square matrix.
// Eigenvalues are returned in ascending order; column i of the returned
// matrix is the eigenvector for eigenvalue i.
func SymEigen(m *core.Matrix) ([]float64, *mat.Dense, error) {
	if m.Empty() || !m.IsSquare() {
		return nil, nil, fmt.Errorf("eigendecomposition of %dx%d matrix: %w", m.Rows, m.Cols, core.ErrShapeMismatch)
	}
	n := m.Rows
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = 0.5 * (float64(m.At(i, j)) + float64(m.At(j, i)))
		}
	}
	return EigenSym(mat.NewSymDense(n, data))
}

// EigenSym eigendecomposes a symmetric matrix, eigenvalues ascending.
func EigenSym(sym *mat.SymDense) ([]float64, *mat.Dense, error) {
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return nil, nil, fmt.Errorf("symmetric eigendecomposition did not converge")
	}
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)
	return values, &vectors, nil
}
