package runtime

import (
	"fmt"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/geometry"
	"github.com/sbl8/superablate/kernels"
	"github.com/sbl8/superablate/superalg"
)

// Direction is a vector in activation space tied to the layer key it was
// measured at.
type Direction struct {
	Key    string      `json:"key"`
	Vector core.Vector `json:"vector"`
}

// Directions is an ordered list of directions. The controller only reads it.
type Directions []Direction

// ApplyContourAblation integrates every row of each selected layer's matrices
// along a closed contour through dir and removes strength·integral ⊗ dir.
// nil layers selects every layer except the first.
func (c *Controller) ApplyContourAblation(dir core.Vector, strength float32, layers []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if layers == nil {
		layers = c.allLayers(1)
	}
	path, err := contour.FromDirection(dir, c.opts.Resolution)
	if err != nil {
		return err
	}
	return c.rewriteLayers(layers, true, true, func(w *core.Matrix) (*core.Matrix, error) {
		if w.Cols != len(dir) {
			return nil, fmt.Errorf("direction length %d does not match width %d: %w", len(dir), w.Cols, core.ErrShapeMismatch)
		}
		integral, err := contour.Integral(w, path.Points, path.Tangents, c.opts.Integration)
		if err != nil {
			return nil, err
		}
		out := w.Clone()
		for b, v := range integral {
			kernels.Axpy(-strength*v, dir, out.Row(b))
		}
		return out, nil
	})
}

// ApplyBerezinianAblation removes P·W from each selected matrix W for every
// direction, where P is the direction's Berezinian-scaled super-projection.
// nil layers selects every layer.
func (c *Controller) ApplyBerezinianAblation(dirs Directions, layers []int, attn, mlp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if layers == nil {
		layers = c.allLayers(0)
	}
	even := c.opts.Even()
	for _, d := range dirs {
		proj, err := superalg.SuperProjection(d.Vector, even)
		if err != nil {
			return fmt.Errorf("direction %s: %w", d.Key, err)
		}
		err = c.rewriteLayers(layers, attn, mlp, func(w *core.Matrix) (*core.Matrix, error) {
			pw, err := kernels.MatMul(proj, w)
			if err != nil {
				return nil, err
			}
			out := w.Clone()
			kernels.Axpy(-1, pw.Data, out.Data)
			return out, nil
		})
		if err != nil {
			return fmt.Errorf("direction %s: %w", d.Key, err)
		}
	}
	return nil
}

// ApplyGeometricAblation flows each selected matrix W toward
// W - strength·(Lie_dir(W) + Σ harmonics(W)) and writes the final flow state.
// A flow that leaves the finite range is rejected and nothing is written for
// that layer. nil layers selects every layer.
func (c *Controller) ApplyGeometricAblation(dirs Directions, layers []int, strength float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if layers == nil {
		layers = c.allLayers(0)
	}
	opts := c.opts
	for _, d := range dirs {
		err := c.rewriteLayers(layers, true, true, func(w *core.Matrix) (*core.Matrix, error) {
			return geometricTarget(w, d.Vector, strength, opts)
		})
		if err != nil {
			return fmt.Errorf("direction %s: %w", d.Key, err)
		}
	}
	return nil
}

func geometricTarget(w *core.Matrix, dir core.Vector, strength float32, opts Options) (*core.Matrix, error) {
	lie, err := geometry.LieDerivative(w, dir, opts.Epsilon)
	if err != nil {
		return nil, err
	}
	k := min(opts.HarmonicComponents, w.Rows)
	h, err := geometry.HarmonicComponents(w, k, nil)
	if err != nil {
		return nil, err
	}
	push := h.Sum()
	kernels.Axpy(1, lie.Data, push.Data)

	target := w.Clone()
	kernels.Axpy(-strength, push.Data, target.Data)

	final, err := geometry.FinalState(w, target, opts.FlowSteps, opts.FlowStepSize)
	if err != nil {
		return nil, err
	}
	if final.HasNonFinite() {
		return nil, fmt.Errorf("geometric flow diverged after %d steps of size %g: %w", opts.FlowSteps, opts.FlowStepSize, core.ErrConfiguration)
	}
	return final, nil
}

// GeometricScores evaluates geometry.Scores of each direction against the
// attention output of the layer named by its key.
func (c *Controller) GeometricScores(dirs Directions) (map[string]geometry.Score, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scores := make(map[string]geometry.Score, len(dirs))
	for _, d := range dirs {
		layer, err := ParseLayerKey(d.Key)
		if err != nil {
			return nil, err
		}
		if err := c.checkLayer(layer); err != nil {
			return nil, err
		}
		w, err := readPart(c.handle, layer, AttentionPart)
		if err != nil {
			return nil, err
		}
		s, err := geometry.Scores(w, d.Vector, c.opts.HarmonicComponents)
		if err != nil {
			return nil, fmt.Errorf("direction %s: %w", d.Key, err)
		}
		scores[d.Key] = s
	}
	return scores, nil
}

// rewriteLayers applies fn to the selected matrices of every layer. Each
// layer's new matrices are all computed before any of them is written.
func (c *Controller) rewriteLayers(layers []int, attn, mlp bool, fn func(*core.Matrix) (*core.Matrix, error)) error {
	for _, layer := range layers {
		if err := c.checkLayer(layer); err != nil {
			return err
		}
	}
	parts := selectedParts(attn, mlp)
	for _, layer := range layers {
		originals := make([]*core.Matrix, len(parts))
		updates := make([]*core.Matrix, len(parts))
		for i, part := range parts {
			w, err := readPart(c.handle, layer, part)
			if err != nil {
				return fmt.Errorf("read %s: %w", RegionName(layer, part), err)
			}
			if updates[i], err = fn(w); err != nil {
				return fmt.Errorf("%s: %w", RegionName(layer, part), err)
			}
			originals[i] = w
		}
		if err := writeLayer(c.handle, layer, parts, updates, originals); err != nil {
			return err
		}
		c.stats.Edits++
	}
	return nil
}
