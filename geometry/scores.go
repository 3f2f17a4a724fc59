package geometry

import (
	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// Score summarizes how strongly a weight matrix moves along a direction.
type Score struct {
	Lie      float32 `json:"lie"`      // mean row norm of the Lie derivative
	Harmonic float32 `json:"harmonic"` // mean norm of its harmonic components
	Spectral float32 `json:"spectral"` // mean Laplacian eigenvalue of those components
}

// Scores evaluates the Lie derivative of weight along dir and decomposes it
// into at most k harmonics.
func Scores(weight *core.Matrix, dir core.Vector, k int) (Score, error) {
	lie, err := LieDerivative(weight, dir, DefaultEpsilon)
	if err != nil {
		return Score{}, err
	}
	if k > lie.Rows {
		k = lie.Rows
	}
	h, err := HarmonicComponents(lie, k, nil)
	if err != nil {
		return Score{}, err
	}

	var s Score
	s.Lie = mean(kernels.RowNorms(lie))
	s.Harmonic = mean(h.Norms())
	s.Spectral = mean(h.Eigenvalues)
	return s, nil
}

func mean(x []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	return float32(sum / float64(len(x)))
}
