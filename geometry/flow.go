package geometry

import (
	"fmt"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// DefaultStepSize is the Euler step of GeometricFlow.
const DefaultStepSize = 1

// GeometricFlow integrates s_{t+1} = s_t - h·R(s_t)·(s_t - target) for steps
// states, where R is the distance-graph Laplacian of the current rows. The
// first state is a copy of initial. stepSize <= 0 selects DefaultStepSize.
//
// The integrator is explicit with no step control. Large step sizes or widely
// spread rows can diverge.
func GeometricFlow(initial, target *core.Matrix, steps int, stepSize float32) ([]*core.Matrix, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if !initial.SameShape(target) {
		return nil, fmt.Errorf("flow from %dx%d to %dx%d: %w", initial.Rows, initial.Cols, target.Rows, target.Cols, core.ErrShapeMismatch)
	}
	if steps < 1 {
		return nil, fmt.Errorf("flow needs at least one step, got %d: %w", steps, core.ErrConfiguration)
	}
	if stepSize <= 0 {
		stepSize = DefaultStepSize
	}

	states := make([]*core.Matrix, steps)
	states[0] = initial.Clone()
	diff := core.NewMatrix(initial.Rows, initial.Cols)
	for t := 0; t+1 < steps; t++ {
		cur := states[t]
		kernels.Sub(diff.Data, cur.Data, target.Data)
		update, err := kernels.MatMul(GraphLaplacian(cur), diff)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		kernels.Axpy(-stepSize, update.Data, next.Data)
		states[t+1] = next
	}
	return states, nil
}

// FinalState runs GeometricFlow and returns only the last state.
func FinalState(initial, target *core.Matrix, steps int, stepSize float32) (*core.Matrix, error) {
	states, err := GeometricFlow(initial, target, steps, stepSize)
	if err != nil {
		return nil, err
	}
	return states[len(states)-1], nil
}
