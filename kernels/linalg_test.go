package kernels

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/sbl8/superablate/core"
)

func TestFactorize(t *testing.T) {
	tests := []struct {
		name       string
		rows       [][]float32
		invertible bool
		det        float64
	}{
		{"identity", [][]float32{{1, 0}, {0, 1}}, true, 1},
		{"diagonal", [][]float32{{3, 0}, {0, 3}}, true, 9},
		{"negative det", [][]float32{{0, 1}, {1, 0}}, true, -1},
		{"ill conditioned", [][]float32{{1, 0}, {0, 1e-7}}, true, float64(float32(1e-7))},
		{"singular", [][]float32{{1, 2}, {2, 4}}, false, 0},
		{"zero", [][]float32{{0, 0}, {0, 0}}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := core.FromRows(tt.rows)
			f := Factorize(ToDense(m))
			if f.Invertible != tt.invertible {
				t.Fatalf("Invertible = %v, want %v", f.Invertible, tt.invertible)
			}
			if !tt.invertible {
				if _, err := f.Solve(ToDense(m)); err == nil {
					t.Error("Solve against singular matrix should fail")
				}
				return
			}
			logDet, sign := f.LogDet()
			if got := sign * math.Exp(logDet); math.Abs(got-tt.det) > 1e-9 {
				t.Errorf("det = %f, want %f", got, tt.det)
			}
		})
	}
}

func TestFactorizeSolve(t *testing.T) {
	a, _ := core.FromRows([][]float32{{2, 0}, {0, 4}})
	b, _ := core.FromRows([][]float32{{2}, {2}})
	f := Factorize(ToDense(a))

	x, err := f.Solve(ToDense(b))
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if math.Abs(x.At(0, 0)-1) > 1e-12 || math.Abs(x.At(1, 0)-0.5) > 1e-12 {
		t.Errorf("Solve = %v", mat.Formatted(x))
	}
}

func TestSymEigenAscending(t *testing.T) {
	m, _ := core.FromRows([][]float32{
		{2, 1, 0},
		{1, 2, 0},
		{0, 0, 5},
	})

	values, vectors, err := SymEigen(m)
	if err != nil {
		t.Fatalf("SymEigen failed: %v", err)
	}
	want := []float64{1, 3, 5}
	for i, v := range want {
		if math.Abs(values[i]-v) > 1e-9 {
			t.Errorf("eigenvalue %d = %f, want %f", i, values[i], v)
		}
	}

	// A v = λ v for every column.
	a := ToDense(m)
	for i := range values {
		col := mat.Col(nil, i, vectors)
		var av mat.VecDense
		av.MulVec(a, mat.NewVecDense(3, col))
		for k := range col {
			if math.Abs(av.AtVec(k)-values[i]*col[k]) > 1e-9 {
				t.Errorf("eigenpair %d does not satisfy A v = λ v", i)
			}
		}
	}
}

func TestSymEigenRejectsNonSquare(t *testing.T) {
	if _, _, err := SymEigen(core.NewMatrix(2, 3)); err == nil {
		t.Error("expected shape error")
	}
}

func TestToFromDense(t *testing.T) {
	m, _ := core.FromRows([][]float32{{1, 2, 3}, {4, 5, 6}})
	back := FromDense(ToDense(m))
	if !back.Equal(m, 0) {
		t.Errorf("round trip mismatch: %v", back.Data)
	}
}

func TestCovariance(t *testing.T) {
	m, _ := core.FromRows([][]float32{{2, 0}, {-2, 0}, {0, 1}, {0, -1}})
	cov, err := Covariance(m)
	if err != nil {
		t.Fatalf("Covariance failed: %v", err)
	}
	want := [][]float64{{8.0 / 3.0, 0}, {0, 2.0 / 3.0}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(cov.At(i, j)-want[i][j]) > 1e-9 {
				t.Errorf("cov(%d,%d) = %f, want %f", i, j, cov.At(i, j), want[i][j])
			}
		}
	}

	single, _ := core.FromRows([][]float32{{1, 2, 3}})
	cov, err = Covariance(single)
	if err != nil {
		t.Fatalf("single row: %v", err)
	}
	if cov.SymmetricDim() != 3 || mat.Sum(cov) != 0 {
		t.Errorf("single row covariance should be 3x3 zero, got %v", mat.Formatted(cov))
	}
}
