package contour

import (
	"fmt"
	"strings"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// Quadrature selects how an integrand sampled at unit spacing is reduced.
type Quadrature string

const (
	Trapezoidal Quadrature = "trapezoidal"
	Simpson     Quadrature = "simpson"
	// Riemann is the mean of the samples: sum / points.
	Riemann Quadrature = "riemann"
)

// ParseQuadrature maps a rule name to a Quadrature. The empty string selects
// the trapezoidal rule.
func ParseQuadrature(name string) (Quadrature, error) {
	switch q := Quadrature(strings.ToLower(strings.TrimSpace(name))); q {
	case "":
		return Trapezoidal, nil
	case Trapezoidal, Simpson, Riemann:
		return q, nil
	default:
		return "", fmt.Errorf("unknown integration method %q: %w", name, core.ErrConfiguration)
	}
}

// Valid reports whether q names a supported rule.
func (q Quadrature) Valid() bool {
	switch q {
	case Trapezoidal, Simpson, Riemann:
		return true
	}
	return false
}

// Integrate reduces samples y taken at unit spacing.
//
// Simpson's rule needs an even number of intervals; with an odd interval
// count the last panel is closed with a trapezoid, and fewer than three
// samples fall back to the trapezoidal rule.
func (q Quadrature) Integrate(y []float64) float64 {
	switch q {
	case Simpson:
		return simpson(y)
	case Riemann:
		if len(y) == 0 {
			return 0
		}
		var sum float64
		for _, v := range y {
			sum += v
		}
		return sum / float64(len(y))
	default:
		return trapezoid(y)
	}
}

func trapezoid(y []float64) float64 {
	var sum float64
	for i := 0; i+1 < len(y); i++ {
		sum += 0.5 * (y[i] + y[i+1])
	}
	return sum
}

func simpson(y []float64) float64 {
	n := len(y)
	if n < 3 {
		return trapezoid(y)
	}
	if n%2 == 0 {
		return simpson(y[:n-1]) + trapezoid(y[n-2:])
	}
	sum := y[0] + y[n-1]
	for i := 1; i < n-1; i++ {
		if i%2 == 1 {
			sum += 4 * y[i]
		} else {
			sum += 2 * y[i]
		}
	}
	return sum / 3
}

// Integral integrates every row of field along path with uniform weighting.
// A nil tangents matrix is replaced by forward differences of the path.
func Integral(field, path, tangents *core.Matrix, rule Quadrature) ([]float32, error) {
	return WeightedIntegral(field, path, nil, tangents, rule)
}

// WeightedIntegral integrates every row of field along path.
//
// The integrand at point p for row b is (field_b · path_p) · weights_p · Σ_d t̂_p,
// where t̂ are the unit tangents. nil weights means weight 1 everywhere.
// NaN and Inf inputs propagate to the result.
func WeightedIntegral(field, path *core.Matrix, weights []float32, tangents *core.Matrix, rule Quadrature) ([]float32, error) {
	if !rule.Valid() {
		return nil, fmt.Errorf("unknown integration method %q: %w", rule, core.ErrConfiguration)
	}
	if err := field.Validate(); err != nil {
		return nil, err
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if path.Empty() {
		return nil, fmt.Errorf("integral along empty path: %w", core.ErrShapeMismatch)
	}
	if field.Cols != path.Cols {
		return nil, fmt.Errorf("field width %d does not match path width %d: %w", field.Cols, path.Cols, core.ErrShapeMismatch)
	}
	if weights != nil && len(weights) != path.Rows {
		return nil, fmt.Errorf("%d weights for %d path points: %w", len(weights), path.Rows, core.ErrShapeMismatch)
	}

	if tangents == nil {
		tangents = ForwardTangents(path)
	} else {
		if err := tangents.Validate(); err != nil {
			return nil, err
		}
		if !tangents.SameShape(path) {
			return nil, fmt.Errorf("tangents %dx%d do not match path %dx%d: %w",
				tangents.Rows, tangents.Cols, path.Rows, path.Cols, core.ErrShapeMismatch)
		}
		tangents = tangents.Clone()
	}

	// Σ_d of each unit tangent, scaled by the point weight.
	scale := make([]float64, path.Rows)
	for p := range scale {
		row := tangents.Row(p)
		kernels.Normalize(row, TangentGuard)
		var s float64
		for _, v := range row {
			s += float64(v)
		}
		if weights != nil {
			s *= float64(weights[p])
		}
		scale[p] = s
	}

	values, err := kernels.MatMulTransB(field, path)
	if err != nil {
		return nil, err
	}

	out := make([]float32, field.Rows)
	integrand := make([]float64, path.Rows)
	for b := range out {
		for p, v := range values.Row(b) {
			integrand[p] = float64(v) * scale[p]
		}
		out[b] = float32(rule.Integrate(integrand))
	}
	return out, nil
}
