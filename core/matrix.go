// Package core provides the dense tensor primitives shared by every engine.
//
// Weight matrices, activation batches, contour paths and tangent arrays are all
// represented as a row-major Matrix of float32 values, matching the reduced
// precision the host network stores its parameters in. Engines may upcast
// internally for stability but always hand back float32 data.
//
// Key components:
//   - Matrix: row-major 2-D float32 array with shape checks
//   - Vector: 1-D float32 slice (directions, mean patterns)
//   - Sentinel error kinds shared across packages
//   - Binary tensor codec used for state blobs and activation files
package core

import (
	"fmt"
	"math"
)

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// Vector is a dense float32 vector.
type Vector []float32

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromRows builds a matrix from equally sized rows.
func FromRows(rows [][]float32) (*Matrix, error) {
	if len(rows) == 0 {
		return &Matrix{}, nil
	}
	cols := len(rows[0])
	m := NewMatrix(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d: %w", i, len(r), cols, ErrShapeMismatch)
		}
		copy(m.Row(i), r)
	}
	return m, nil
}

// Identity returns the n x n identity matrix.
func Identity(n int) *Matrix {
	m := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

// Validate checks that the backing slice matches the declared shape.
func (m *Matrix) Validate() error {
	if m == nil {
		return fmt.Errorf("matrix is nil: %w", ErrShapeMismatch)
	}
	if m.Rows < 0 || m.Cols < 0 || len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("matrix %dx%d backed by %d values: %w", m.Rows, m.Cols, len(m.Data), ErrShapeMismatch)
	}
	return nil
}

// Empty reports whether the matrix holds no values.
func (m *Matrix) Empty() bool {
	return m == nil || m.Rows == 0 || m.Cols == 0
}

// IsSquare reports whether rows == cols.
func (m *Matrix) IsSquare() bool {
	return m.Rows == m.Cols
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

// Set assigns element (i, j).
func (m *Matrix) Set(i, j int, v float32) {
	m.Data[i*m.Cols+j] = v
}

// Row returns row i as a slice aliasing the matrix storage.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Clone creates a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	clone := &Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float32, len(m.Data))}
	copy(clone.Data, m.Data)
	return clone
}

// SameShape reports whether o has the same dimensions as m.
func (m *Matrix) SameShape(o *Matrix) bool {
	return o != nil && m.Rows == o.Rows && m.Cols == o.Cols
}

// Equal reports element-wise equality within tol.
func (m *Matrix) Equal(o *Matrix, tol float32) bool {
	if !m.SameShape(o) {
		return false
	}
	for i, v := range m.Data {
		if math.Abs(float64(v-o.Data[i])) > float64(tol) {
			return false
		}
	}
	return true
}

// HasNonFinite reports whether any element is NaN or infinite.
func (m *Matrix) HasNonFinite() bool {
	for _, v := range m.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// ToRows copies the matrix out as a slice of rows.
func (m *Matrix) ToRows() [][]float32 {
	rows := make([][]float32, m.Rows)
	for i := range rows {
		rows[i] = append([]float32(nil), m.Row(i)...)
	}
	return rows
}

// Clone returns a copy of the vector.
func (v Vector) Clone() Vector {
	return append(Vector(nil), v...)
}

// Norm returns the Euclidean norm of v.
func (v Vector) Norm() float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}
