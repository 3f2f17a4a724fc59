// Package kernels provides the dense float32 operations the engines are built on.
//
// Vector kernels operate on plain []float32 slices and accumulate in float64 so
// reduced-precision inputs do not lose the small contributions that dominate
// contour integrals. Matrix kernels work on core.Matrix values in row-major
// order. Determinants, condition checks and symmetric eigendecompositions are
// delegated to gonum (see linalg.go).
//
// Available operations:
//   - Vector: dot, axpy, scale, sub, norm, normalize, softmax, std
//   - Matrix: multiply, multiply by transpose, outer product, column mean,
//     row norms, pairwise row distances
package kernels

import (
	"fmt"
	"math"

	"github.com/sbl8/superablate/core"
)

// unrollFactor is the accumulation width used by Dot.
const unrollFactor = 4

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("vector length mismatch")
	}
	var s0, s1, s2, s3 float64
	i := 0
	for ; i <= len(a)-unrollFactor; i += unrollFactor {
		s0 += float64(a[i]) * float64(b[i])
		s1 += float64(a[i+1]) * float64(b[i+1])
		s2 += float64(a[i+2]) * float64(b[i+2])
		s3 += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < len(a); i++ {
		s0 += float64(a[i]) * float64(b[i])
	}
	return float32(s0 + s1 + s2 + s3)
}

// Axpy computes y += alpha*x in place.
func Axpy(alpha float32, x, y []float32) {
	if len(x) != len(y) {
		panic("vector length mismatch")
	}
	for i := range x {
		y[i] += alpha * x[i]
	}
}

// Scale multiplies x by alpha in place.
func Scale(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// Sub writes a - b into dst.
func Sub(dst, a, b []float32) {
	if len(a) != len(b) || len(dst) != len(a) {
		panic("vector length mismatch")
	}
	for i := range a {
		dst[i] = a[i] - b[i]
	}
}

// Norm returns the Euclidean norm of x.
func Norm(x []float32) float32 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}

// Normalize divides x in place by (||x|| + guard).
func Normalize(x []float32, guard float32) {
	n := Norm(x) + guard
	for i := range x {
		x[i] /= n
	}
}

// Softmax implements numerically stable softmax in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}

	maxVal := math.Inf(-1)
	for _, v := range x {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}

	var sum float64
	exps := make([]float64, len(x))
	for i, v := range x {
		exps[i] = math.Exp(float64(v) - maxVal)
		sum += exps[i]
	}

	for i := range x {
		x[i] = float32(exps[i] / sum)
	}
}

// Std returns the unbiased (n-1) standard deviation of x. Fewer than two
// samples have no spread and yield 0.
func Std(x []float32) float32 {
	if len(x) < 2 {
		return 0
	}
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(len(x))
	var ss float64
	for _, v := range x {
		d := float64(v) - mean
		ss += d * d
	}
	return float32(math.Sqrt(ss / float64(len(x)-1)))
}

// MatMul returns a·b.
func MatMul(a, b *core.Matrix) (*core.Matrix, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matmul %dx%d by %dx%d: %w", a.Rows, a.Cols, b.Rows, b.Cols, core.ErrShapeMismatch)
	}
	out := core.NewMatrix(a.Rows, b.Cols)
	acc := make([]float64, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := range acc {
			acc[j] = 0
		}
		arow := a.Row(i)
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Row(k)
			for j, bv := range brow {
				acc[j] += float64(av) * float64(bv)
			}
		}
		orow := out.Row(i)
		for j, v := range acc {
			orow[j] = float32(v)
		}
	}
	return out, nil
}

// MatMulTransB returns a·bᵀ, i.e. the inner product of every row of a with
// every row of b.
func MatMulTransB(a, b *core.Matrix) (*core.Matrix, error) {
	if a.Cols != b.Cols {
		return nil, fmt.Errorf("matmul %dx%d by (%dx%d)ᵀ: %w", a.Rows, a.Cols, b.Rows, b.Cols, core.ErrShapeMismatch)
	}
	out := core.NewMatrix(a.Rows, b.Rows)
	for i := 0; i < a.Rows; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for j := 0; j < b.Rows; j++ {
			orow[j] = Dot(arow, b.Row(j))
		}
	}
	return out, nil
}

// Outer returns u ⊗ v.
func Outer(u, v []float32) *core.Matrix {
	out := core.NewMatrix(len(u), len(v))
	for i, x := range u {
		row := out.Row(i)
		for j, y := range v {
			row[j] = x * y
		}
	}
	return out
}

// ColumnMean returns the mean of every column of m.
func ColumnMean(m *core.Matrix) core.Vector {
	mean := make([]float64, m.Cols)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			mean[j] += float64(v)
		}
	}
	out := make(core.Vector, m.Cols)
	if m.Rows == 0 {
		return out
	}
	for j, v := range mean {
		out[j] = float32(v / float64(m.Rows))
	}
	return out
}

// RowNorms returns the Euclidean norm of every row of m.
func RowNorms(m *core.Matrix) []float32 {
	out := make([]float32, m.Rows)
	for i := range out {
		out[i] = Norm(m.Row(i))
	}
	return out
}

// PairwiseDistances returns the rows x rows matrix of Euclidean distances
// between the rows of m.
func PairwiseDistances(m *core.Matrix) *core.Matrix {
	out := core.NewMatrix(m.Rows, m.Rows)
	for i := 0; i < m.Rows; i++ {
		ri := m.Row(i)
		for j := i + 1; j < m.Rows; j++ {
			rj := m.Row(j)
			var ss float64
			for k := range ri {
				d := float64(ri[k]) - float64(rj[k])
				ss += d * d
			}
			d := float32(math.Sqrt(ss))
			out.Set(i, j, d)
			out.Set(j, i, d)
		}
	}
	return out
}

// Laplacian returns diag(rowsum(w)) - w for a square weight matrix w.
func Laplacian(w *core.Matrix) *core.Matrix {
	out := core.NewMatrix(w.Rows, w.Cols)
	for i := 0; i < w.Rows; i++ {
		var degree float64
		row := w.Row(i)
		orow := out.Row(i)
		for j, v := range row {
			degree += float64(v)
			orow[j] = -v
		}
		orow[i] += float32(degree)
	}
	return out
}
