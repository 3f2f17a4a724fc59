package contour

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

const tolerance = 1e-4

func floatsEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func randomBatch(rng *rand.Rand, rows, cols int) *core.Matrix {
	m := core.NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = rng.Float32()*2 - 1
	}
	return m
}

func axisBatch(t *testing.T) *core.Matrix {
	t.Helper()
	// Covariance diag(8/3, 2/3, 0).
	m, err := core.FromRows([][]float32{{2, 0, 0}, {-2, 0, 0}, {0, 1, 0}, {0, -1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestGenerateShapes(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	batch := randomBatch(rng, 16, 8)

	for _, weighted := range []bool{false, true} {
		p, err := Generate(batch, 3, 50, weighted)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if p.Points.Rows != 50 || p.Points.Cols != 8 {
			t.Errorf("points shape %dx%d, want 50x8", p.Points.Rows, p.Points.Cols)
		}
		if !p.Tangents.SameShape(p.Points) {
			t.Errorf("tangents shape %dx%d does not match points", p.Tangents.Rows, p.Tangents.Cols)
		}
		if len(p.Eigenvalues) != 3 {
			t.Errorf("got %d eigenvalues, want 3", len(p.Eigenvalues))
		}
		for i := 1; i < len(p.Eigenvalues); i++ {
			if p.Eigenvalues[i] > p.Eigenvalues[i-1] {
				t.Errorf("eigenvalues not descending: %v", p.Eigenvalues)
			}
		}
	}
}

func TestGenerateUnitTangentsAndClosedPath(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(4))
	p, err := Generate(randomBatch(rng, 20, 6), 3, 64, false)
	if err != nil {
		t.Fatal(err)
	}

	// Three unit components with phases 2π/3 apart keep Σ sin² = Σ cos² = 3/2.
	for j := 0; j < p.Len(); j++ {
		if n := kernels.Norm(p.Tangents.Row(j)); !floatsEqual(float64(n), 1, tolerance) {
			t.Errorf("tangent %d has norm %f", j, n)
		}
		if n := kernels.Norm(p.Points.Row(j)); !floatsEqual(float64(n), math.Sqrt(1.5), tolerance) {
			t.Errorf("point %d has norm %f, want %f", j, n, math.Sqrt(1.5))
		}
	}

	first, last := p.Points.Row(0), p.Points.Row(p.Len()-1)
	for k := range first {
		if !floatsEqual(float64(first[k]), float64(last[k]), tolerance) {
			t.Fatalf("path is not closed: %v vs %v", first, last)
		}
	}
}

func TestGenerateWeightedUsesEigenvalue(t *testing.T) {
	t.Parallel()
	p, err := Generate(axisBatch(t), 1, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if !floatsEqual(float64(p.Eigenvalues[0]), 8.0/3.0, tolerance) {
		t.Errorf("top eigenvalue = %f, want %f", p.Eigenvalues[0], 8.0/3.0)
	}
	// t = 0: the point is sqrt(λ)·v with v = ±e0.
	row := p.Points.Row(0)
	if !floatsEqual(math.Abs(float64(row[0])), math.Sqrt(8.0/3.0), tolerance) ||
		!floatsEqual(float64(row[1]), 0, tolerance) || !floatsEqual(float64(row[2]), 0, tolerance) {
		t.Errorf("first point = %v, want ±%f along axis 0", row, math.Sqrt(8.0/3.0))
	}

	plain, err := Generate(axisBatch(t), 1, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if !floatsEqual(math.Abs(float64(plain.Points.At(0, 0))), 1, tolerance) {
		t.Errorf("unweighted first point = %v, want unit", plain.Points.Row(0))
	}
}

func TestGenerateSingleRowBatch(t *testing.T) {
	t.Parallel()
	batch, _ := core.FromRows([][]float32{{1, 2, 3, 4}})

	p, err := Generate(batch, 2, 8, true)
	if err != nil {
		t.Fatalf("single row batch should be accepted: %v", err)
	}
	for _, v := range p.Points.Data {
		if v != 0 {
			t.Fatalf("zero covariance should give a degenerate weighted path, got %v", p.Points.Data)
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()
	batch := randomBatch(rand.New(rand.NewSource(5)), 4, 3)
	tests := []struct {
		name        string
		batch       *core.Matrix
		nEig, res   int
		wantErrKind error
	}{
		{"zero eigenvectors", batch, 0, 10, core.ErrConfiguration},
		{"too many eigenvectors", batch, 4, 10, core.ErrConfiguration},
		{"single point", batch, 1, 1, core.ErrConfiguration},
		{"empty batch", &core.Matrix{}, 1, 10, core.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Generate(tt.batch, tt.nEig, tt.res, false); !errors.Is(err, tt.wantErrKind) {
				t.Errorf("expected %v, got %v", tt.wantErrKind, err)
			}
		})
	}
}

func TestFromDirection(t *testing.T) {
	t.Parallel()
	p, err := FromDirection(core.Vector{3, 4}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !floatsEqual(float64(p.Points.At(0, 0)), 0.6, tolerance) || !floatsEqual(float64(p.Points.At(0, 1)), 0.8, tolerance) {
		t.Errorf("first point = %v, want unit direction", p.Points.Row(0))
	}
	// t = π/2: tangent is -dir̂.
	if !floatsEqual(float64(p.Tangents.At(1, 0)), -0.6, tolerance) {
		t.Errorf("tangent at π/2 = %v", p.Tangents.Row(1))
	}

	if _, err := FromDirection(nil, 5); !errors.Is(err, core.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestFromPlane(t *testing.T) {
	t.Parallel()
	p, err := FromPlane(core.Vector{3, 4, 0}, core.Vector{1, 1, 2}, 5)
	if err != nil {
		t.Fatal(err)
	}
	// The component of other orthogonal to dir is (0.16, -0.12, 2), normalized.
	on := math.Sqrt(0.16*0.16 + 0.12*0.12 + 4)
	tests := []struct {
		name string
		got  core.Vector
		want []float64
	}{
		{"point at 0", p.Points.Row(0), []float64{0.6, 0.8, 0}},
		{"point at π/2", p.Points.Row(1), []float64{0.16 / on, -0.12 / on, 2 / on}},
		{"point at π", p.Points.Row(2), []float64{-0.6, -0.8, 0}},
		{"tangent at 0", p.Tangents.Row(0), []float64{0.16 / on, -0.12 / on, 2 / on}},
		{"tangent at π/2", p.Tangents.Row(1), []float64{-0.6, -0.8, 0}},
	}
	for _, tt := range tests {
		for k, w := range tt.want {
			if !floatsEqual(float64(tt.got[k]), w, tolerance) {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
				break
			}
		}
	}

	line, _ := FromDirection(core.Vector{3, 4, 0}, 5)
	parallel, err := FromPlane(core.Vector{3, 4, 0}, core.Vector{6, 8, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !parallel.Points.Equal(line.Points, 0) || !parallel.Tangents.Equal(line.Tangents, 0) {
		t.Error("parallel vectors should give the direction line")
	}

	if _, err := FromPlane(core.Vector{1, 0}, core.Vector{1, 0, 0}, 5); !errors.Is(err, core.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestForwardTangents(t *testing.T) {
	t.Parallel()
	path, _ := core.FromRows([][]float32{{0, 0}, {1, 0}, {1, 2}})
	got := ForwardTangents(path)
	want, _ := core.FromRows([][]float32{{1, 0}, {0, 2}, {0, 0}})
	if !got.Equal(want, 0) {
		t.Errorf("ForwardTangents = %v", got.ToRows())
	}
}

func TestQuadratureRules(t *testing.T) {
	t.Parallel()
	square := func(n int) []float64 {
		y := make([]float64, n)
		for i := range y {
			y[i] = float64(i * i)
		}
		return y
	}
	tests := []struct {
		name string
		rule Quadrature
		y    []float64
		want float64
	}{
		{"trapezoid line", Trapezoidal, []float64{1, 2, 3}, 4},
		{"trapezoid single", Trapezoidal, []float64{5}, 0},
		{"simpson line", Simpson, []float64{1, 2, 3}, 4},
		{"simpson exact cubic range", Simpson, square(5), 64.0 / 3.0},
		{"simpson even count", Simpson, square(4), 8.0/3.0 + 6.5},
		{"simpson two points", Simpson, []float64{1, 3}, 2},
		{"riemann mean", Riemann, []float64{1, 2, 3}, 2},
		{"riemann empty", Riemann, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Integrate(tt.y); !floatsEqual(got, tt.want, 1e-12) {
				t.Errorf("Integrate = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestParseQuadrature(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Quadrature
		wantErr bool
	}{
		{"", Trapezoidal, false},
		{"trapezoidal", Trapezoidal, false},
		{"Simpson", Simpson, false},
		{" riemann ", Riemann, false},
		{"gauss", "", true},
	}
	for _, tt := range tests {
		got, err := ParseQuadrature(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseQuadrature(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, core.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
		if got != tt.want {
			t.Errorf("ParseQuadrature(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIntegralHandComputed(t *testing.T) {
	t.Parallel()
	field, _ := core.FromRows([][]float32{{1, 0}, {2, 2}})
	path, _ := core.FromRows([][]float32{{1, 0}, {0, 1}})
	tangents, _ := core.FromRows([][]float32{{0, 1}, {1, 0}})

	// values = [[1, 0], [2, 2]], Σ t̂ = [1, 1].
	tests := []struct {
		rule Quadrature
		want []float64
	}{
		{Trapezoidal, []float64{0.5, 2}},
		{Riemann, []float64{0.5, 2}},
		{Simpson, []float64{0.5, 2}},
	}
	for _, tt := range tests {
		got, err := Integral(field, path, tangents, tt.rule)
		if err != nil {
			t.Fatalf("%s: %v", tt.rule, err)
		}
		for b := range tt.want {
			if !floatsEqual(float64(got[b]), tt.want[b], 1e-6) {
				t.Errorf("%s row %d = %f, want %f", tt.rule, b, got[b], tt.want[b])
			}
		}
	}

	// Caller tangents must not be normalized in place.
	tangents.Set(0, 1, 5)
	if _, err := Integral(field, path, tangents, Trapezoidal); err != nil {
		t.Fatal(err)
	}
	if tangents.At(0, 1) != 5 {
		t.Error("Integral modified caller tangents")
	}
}

func TestIntegralFiniteDifferenceTangents(t *testing.T) {
	t.Parallel()
	field, _ := core.FromRows([][]float32{{1, 1}})
	path, _ := core.FromRows([][]float32{{0, 0}, {1, 0}, {1, 1}})

	// values = [0, 1, 2], Σ t̂ = [1, 1, 0] -> integrand [0, 1, 0].
	got, err := Integral(field, path, nil, Trapezoidal)
	if err != nil {
		t.Fatal(err)
	}
	if !floatsEqual(float64(got[0]), 1, 1e-6) {
		t.Errorf("integral = %f, want 1", got[0])
	}
}

func TestUniformWeightsScaleIntegral(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(6))
	batch := randomBatch(rng, 12, 6)
	p, err := Generate(batch, 3, 40, true)
	if err != nil {
		t.Fatal(err)
	}

	weights := make([]float32, p.Len())
	for i := range weights {
		weights[i] = 1 / float32(p.Len())
	}
	for _, rule := range []Quadrature{Trapezoidal, Simpson, Riemann} {
		plain, err := Integral(batch, p.Points, p.Tangents, rule)
		if err != nil {
			t.Fatal(err)
		}
		weighted, err := WeightedIntegral(batch, p.Points, weights, p.Tangents, rule)
		if err != nil {
			t.Fatal(err)
		}
		for b := range plain {
			scaled := float64(weighted[b]) * float64(p.Len())
			if !floatsEqual(scaled, float64(plain[b]), 1e-3*math.Max(1, math.Abs(float64(plain[b])))) {
				t.Errorf("%s row %d: weighted·P = %f, plain = %f", rule, b, scaled, plain[b])
			}
		}
	}
}

func TestIntegralErrors(t *testing.T) {
	t.Parallel()
	field := core.NewMatrix(2, 3)
	path := core.NewMatrix(4, 3)
	tests := []struct {
		name     string
		field    *core.Matrix
		path     *core.Matrix
		weights  []float32
		tangents *core.Matrix
		rule     Quadrature
		wantKind error
	}{
		{"width mismatch", core.NewMatrix(2, 2), path, nil, nil, Trapezoidal, core.ErrShapeMismatch},
		{"tangent mismatch", field, path, nil, core.NewMatrix(3, 3), Trapezoidal, core.ErrShapeMismatch},
		{"weight count", field, path, []float32{1}, nil, Trapezoidal, core.ErrShapeMismatch},
		{"empty path", field, &core.Matrix{}, nil, nil, Trapezoidal, core.ErrShapeMismatch},
		{"unknown rule", field, path, nil, nil, Quadrature("gauss"), core.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WeightedIntegral(tt.field, tt.path, tt.weights, tt.tangents, tt.rule)
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("expected %v, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestIntegralPropagatesNaN(t *testing.T) {
	t.Parallel()
	field, _ := core.FromRows([][]float32{{float32(math.NaN()), 0}})
	path, _ := core.FromRows([][]float32{{1, 0}, {0, 1}})
	got, err := Integral(field, path, nil, Trapezoidal)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(float64(got[0])) {
		t.Errorf("expected NaN, got %f", got[0])
	}
}

func TestBerezinianWeights(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(8))
	for _, d := range []int{2, 4, 6} {
		p, err := Generate(randomBatch(rng, 10, d), 1, 25, true)
		if err != nil {
			t.Fatal(err)
		}
		for _, even := range []bool{true, false} {
			w, err := BerezinianWeights(p.Points, even)
			if err != nil {
				t.Fatalf("d=%d: %v", d, err)
			}
			if len(w) != p.Len() {
				t.Fatalf("got %d weights, want %d", len(w), p.Len())
			}
			var sum float64
			for _, v := range w {
				if v < 0 {
					t.Errorf("negative weight %f", v)
				}
				sum += float64(v)
			}
			if !floatsEqual(sum, 1, 1e-5) {
				t.Errorf("d=%d even=%v: weights sum to %f", d, even, sum)
			}
		}
	}

	if _, err := BerezinianWeights(core.NewMatrix(3, 3), true); !errors.Is(err, core.ErrShapeMismatch) {
		t.Errorf("odd width: expected ErrShapeMismatch, got %v", err)
	}
}

func BenchmarkWeightedIntegral(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	batch := randomBatch(rng, 64, 128)
	p, err := Generate(batch, 3, 100, true)
	if err != nil {
		b.Fatal(err)
	}
	weights, _ := BerezinianWeights(p.Points, true)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = WeightedIntegral(batch, p.Points, weights, p.Tangents, Trapezoidal)
	}
}
