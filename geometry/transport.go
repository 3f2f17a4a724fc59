package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// metricStep is the central-difference step used for metric derivatives.
const metricStep = 1e-4

// MetricField returns the metric tensor g(x) at a point. The returned matrix
// must be d x d and symmetric positive definite.
type MetricField func(x []float64) *mat.Dense

// Euclidean is the identity metric.
func Euclidean(x []float64) *mat.Dense {
	return kernels.ToDense(core.Identity(len(x)))
}

// Conformal returns the metric scale(x)·I.
func Conformal(scale func(x []float64) float64) MetricField {
	return func(x []float64) *mat.Dense {
		g := Euclidean(x)
		g.Scale(scale(x), g)
		return g
	}
}

// ParallelTransport carries vec along the sampled path with explicit Euler
// steps v_{i+1} = v_i - Γ(v_i, Δx_i), where Γ is the Levi-Civita connection of
// metric estimated from central differences. A nil metric is Euclidean, under
// which the vector is carried unchanged. Row i of the result is the vector at
// path point i.
func ParallelTransport(vec core.Vector, path *core.Matrix, metric MetricField) (*core.Matrix, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if path.Empty() {
		return nil, fmt.Errorf("transport along empty path: %w", core.ErrShapeMismatch)
	}
	d := path.Cols
	if len(vec) != d {
		return nil, fmt.Errorf("vector length %d does not match path width %d: %w", len(vec), d, core.ErrShapeMismatch)
	}

	out := core.NewMatrix(path.Rows, d)
	copy(out.Row(0), vec)
	if metric == nil {
		for i := 1; i < path.Rows; i++ {
			copy(out.Row(i), vec)
		}
		return out, nil
	}

	v := make([]float64, d)
	for k, x := range vec {
		v[k] = float64(x)
	}
	x := make([]float64, d)
	t := make([]float64, d)
	for i := 0; i+1 < path.Rows; i++ {
		for k := 0; k < d; k++ {
			x[k] = float64(path.At(i, k))
			t[k] = float64(path.At(i+1, k)) - x[k]
		}
		c, err := connection(metric, x, v, t)
		if err != nil {
			return nil, fmt.Errorf("transport step %d: %w", i, err)
		}
		row := out.Row(i + 1)
		for k := range v {
			v[k] -= c[k]
			row[k] = float32(v[k])
		}
	}
	return out, nil
}

// connection returns Γ^i_{jk} v^j t^k at x:
//
//	c = ½ g⁻¹ [ (D_v g)·t + (D_t g)·v - ∇(vᵀ g t) ]
func connection(metric MetricField, x, v, t []float64) ([]float64, error) {
	d := len(x)
	g := metric(x)
	if r, c := g.Dims(); r != d || c != d {
		return nil, fmt.Errorf("metric is %dx%d at a %d-dimensional point: %w", r, c, d, core.ErrShapeMismatch)
	}

	dgv := directional(metric, x, v)
	dgt := directional(metric, x, t)

	rhs := mat.NewVecDense(d, nil)
	var a, b mat.VecDense
	a.MulVec(dgv, mat.NewVecDense(d, t))
	b.MulVec(dgt, mat.NewVecDense(d, v))
	rhs.AddVec(&a, &b)

	probe := make([]float64, d)
	vv := mat.NewVecDense(d, v)
	tv := mat.NewVecDense(d, t)
	for l := 0; l < d; l++ {
		copy(probe, x)
		probe[l] += metricStep
		plus := mat.Inner(vv, metric(probe), tv)
		probe[l] = x[l] - metricStep
		minus := mat.Inner(vv, metric(probe), tv)
		rhs.SetVec(l, rhs.AtVec(l)-(plus-minus)/(2*metricStep))
	}
	rhs.ScaleVec(0.5, rhs)

	f := kernels.Factorize(g)
	sol, err := f.Solve(rhs)
	if err != nil {
		return nil, fmt.Errorf("metric not invertible: %w", core.ErrConfiguration)
	}
	return mat.Col(nil, 0, sol), nil
}

// directional returns the central-difference derivative of the metric at x
// along u.
func directional(metric MetricField, x, u []float64) *mat.Dense {
	d := len(x)
	plus := make([]float64, d)
	minus := make([]float64, d)
	for k := range x {
		plus[k] = x[k] + metricStep*u[k]
		minus[k] = x[k] - metricStep*u[k]
	}
	var out mat.Dense
	out.Sub(metric(plus), metric(minus))
	out.Scale(1/(2*metricStep), &out)
	return &out
}
