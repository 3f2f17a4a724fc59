package contour

import (
	"fmt"
	"math"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
	"github.com/sbl8/superablate/superalg"
)

// BerezinianWeights scores each path segment by |Ber(path_i ⊗ (path_{i+1} - path_i))|
// and softmax-normalizes the scores over all points. The final point has no
// outgoing segment and scores 0 before normalization.
func BerezinianWeights(path *core.Matrix, even bool) ([]float32, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if path.Empty() {
		return nil, fmt.Errorf("weights for empty path: %w", core.ErrShapeMismatch)
	}

	weights := make([]float32, path.Rows)
	delta := make(core.Vector, path.Cols)
	for i := 0; i+1 < path.Rows; i++ {
		kernels.Sub(delta, path.Row(i+1), path.Row(i))
		ber, err := superalg.OuterBerezinian(path.Row(i), delta, even)
		if err != nil {
			return nil, err
		}
		weights[i] = float32(math.Abs(float64(ber)))
	}
	kernels.Softmax(weights)
	return weights, nil
}
