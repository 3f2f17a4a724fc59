// Package contour builds closed paths through activation space and integrates
// activation fields along them.
//
// A path is traced over the principal axes of an activation batch: component
// i follows cos(t + 2πi/n) along the i-th largest covariance eigenvector, for
// t sampled evenly over the closed interval [0, 2π]. Integration projects a
// batch of field rows onto the path points and reduces the resulting
// [batch, points] integrand with a quadrature rule.
package contour

import (
	"fmt"
	"math"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// TangentGuard is added to tangent norms before normalization.
const TangentGuard = 1e-8

// Path is a sampled contour together with its unit tangents.
type Path struct {
	Points   *core.Matrix // [resolution, d]
	Tangents *core.Matrix // [resolution, d], unit rows
	// Eigenvalues of the components in the order they were traced, largest first.
	Eigenvalues []float32
}

// Len returns the number of sample points.
func (p *Path) Len() int {
	return p.Points.Rows
}

// Mean returns the centroid of the path points.
func (p *Path) Mean() core.Vector {
	return kernels.ColumnMean(p.Points)
}

// Generate traces a contour over the nEig principal axes of batch.
//
// Component i pairs the i-th largest eigenvector with the i-th largest
// eigenvalue, so amplitude and axis always come from the same eigenpair.
// Taking the top n eigenvectors in ascending order while weighting them
// largest first would pair component i's axis with another component's
// eigenvalue for n > 1; Generate does not do that.
//
// With weighted set, component i is scaled by the square root of its
// eigenvalue (negative round-off is clamped to 0); otherwise every component
// has unit amplitude.
func Generate(batch *core.Matrix, nEig, resolution int, weighted bool) (*Path, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if batch.Empty() {
		return nil, fmt.Errorf("contour of empty batch: %w", core.ErrShapeMismatch)
	}
	d := batch.Cols
	if nEig < 1 || nEig > d {
		return nil, fmt.Errorf("n_eigenvectors %d outside [1, %d]: %w", nEig, d, core.ErrConfiguration)
	}
	if resolution < 2 {
		return nil, fmt.Errorf("resolution %d below 2: %w", resolution, core.ErrConfiguration)
	}

	cov, err := kernels.Covariance(batch)
	if err != nil {
		return nil, err
	}
	values, vectors, err := kernels.EigenSym(cov)
	if err != nil {
		return nil, err
	}

	path := &Path{
		Points:      core.NewMatrix(resolution, d),
		Tangents:    core.NewMatrix(resolution, d),
		Eigenvalues: make([]float32, nEig),
	}
	axis := make([]float64, d)
	for i := 0; i < nEig; i++ {
		idx := d - 1 - i
		lambda := values[idx]
		path.Eigenvalues[i] = float32(lambda)
		for k := range axis {
			axis[k] = vectors.At(k, idx)
		}
		w := 1.0
		if weighted {
			w = math.Sqrt(math.Max(lambda, 0))
		}
		trace(path, axis, w, 2*math.Pi*float64(i)/float64(nEig))
	}
	normalizeRows(path.Tangents)
	return path, nil
}

// FromDirection traces a single-component contour along dir: the points
// follow cos(t)·dir̂ and the tangents -sin(t)·dir̂.
func FromDirection(dir core.Vector, resolution int) (*Path, error) {
	if len(dir) == 0 {
		return nil, fmt.Errorf("contour of empty direction: %w", core.ErrShapeMismatch)
	}
	if resolution < 2 {
		return nil, fmt.Errorf("resolution %d below 2: %w", resolution, core.ErrConfiguration)
	}
	n := float64(dir.Norm()) + TangentGuard
	axis := make([]float64, len(dir))
	for k, v := range dir {
		axis[k] = float64(v) / n
	}
	path := &Path{
		Points:      core.NewMatrix(resolution, len(dir)),
		Tangents:    core.NewMatrix(resolution, len(dir)),
		Eigenvalues: []float32{float32(n * n)},
	}
	trace(path, axis, 1, 0)
	normalizeRows(path.Tangents)
	return path, nil
}

// planeTolerance is the relative size below which the part of the second
// plane vector orthogonal to the first is treated as zero.
const planeTolerance = 1e-6

// FromPlane traces a unit circle through dir in the plane spanned by dir and
// other: the points follow cos(t)·dir̂ + sin(t)·ô, where ô is the unit part of
// other orthogonal to dir. When other is parallel to dir or zero, the circle
// degenerates to the FromDirection line.
func FromPlane(dir, other core.Vector, resolution int) (*Path, error) {
	if len(other) != len(dir) {
		return nil, fmt.Errorf("plane of %d and %d vectors: %w", len(dir), len(other), core.ErrShapeMismatch)
	}
	path, err := FromDirection(dir, resolution)
	if err != nil {
		return nil, err
	}
	axis := make([]float64, len(dir))
	var proj float64
	dn := float64(dir.Norm()) + TangentGuard
	for k, v := range dir {
		axis[k] = float64(v) / dn
		proj += axis[k] * float64(other[k])
	}
	ortho := make([]float64, len(dir))
	var on float64
	for k, v := range other {
		ortho[k] = float64(v) - proj*axis[k]
		on += ortho[k] * ortho[k]
	}
	on = math.Sqrt(on)
	if on <= planeTolerance*float64(other.Norm()) || on == 0 {
		return path, nil
	}
	for k := range ortho {
		ortho[k] /= on
	}

	path.Tangents = core.NewMatrix(resolution, len(dir))
	path.Points = core.NewMatrix(resolution, len(dir))
	trace(path, axis, 1, 0)
	trace(path, ortho, 1, -math.Pi/2)
	path.Eigenvalues = append(path.Eigenvalues, float32(on*on))
	normalizeRows(path.Tangents)
	return path, nil
}

// trace accumulates w·cos(t+phase)·axis into the points and its analytic
// derivative into the tangents.
func trace(p *Path, axis []float64, w, phase float64) {
	res := p.Points.Rows
	step := 2 * math.Pi / float64(res-1)
	for j := 0; j < res; j++ {
		t := float64(j)*step + phase
		c := w * math.Cos(t)
		s := -w * math.Sin(t)
		pr := p.Points.Row(j)
		tr := p.Tangents.Row(j)
		for k, a := range axis {
			pr[k] += float32(c * a)
			tr[k] += float32(s * a)
		}
	}
}

func normalizeRows(m *core.Matrix) {
	for i := 0; i < m.Rows; i++ {
		kernels.Normalize(m.Row(i), TangentGuard)
	}
}

// ForwardTangents returns finite-difference tangents path[i+1]-path[i] with a
// zero final row.
func ForwardTangents(path *core.Matrix) *core.Matrix {
	out := core.NewMatrix(path.Rows, path.Cols)
	for i := 0; i+1 < path.Rows; i++ {
		kernels.Sub(out.Row(i), path.Row(i+1), path.Row(i))
	}
	return out
}
