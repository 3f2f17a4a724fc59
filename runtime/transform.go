package runtime

import (
	"fmt"
	"time"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// Edit records one ModifyLayer call.
type Edit struct {
	Layer     int     `json:"layer"`
	Attention bool    `json:"attention"`
	MLP       bool    `json:"mlp"`
	Strength  float32 `json:"strength"`
	// Frobenius norm of the change written to each sub-matrix.
	AttentionDelta float32 `json:"attention_delta"`
	MLPDelta       float32 `json:"mlp_delta"`
}

func (e *Edit) setDelta(part Part, delta float32) {
	if part == AttentionPart {
		e.AttentionDelta = delta
	} else {
		e.MLPDelta = delta
	}
}

// Transform applies the unified Berezinian-contour transform with opts:
//
//	out = t + strength · integral ⊗ mean(path)
//
// where the path is the eigenvalue-weighted contour of t's rows and the
// integral is weighted by the path's Berezinian weights. strength == 0 returns
// an unchanged copy without evaluating the engines.
func Transform(t *core.Matrix, strength float32, opts Options) (*core.Matrix, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if strength == 0 {
		return t.Clone(), nil
	}

	path, err := contour.Generate(t, opts.NEigenvectors, opts.Resolution, true)
	if err != nil {
		return nil, err
	}
	weights, err := contour.BerezinianWeights(path.Points, opts.Even())
	if err != nil {
		return nil, err
	}
	integral, err := contour.WeightedIntegral(t, path.Points, weights, path.Tangents, opts.Integration)
	if err != nil {
		return nil, err
	}

	mean := path.Mean()
	out := t.Clone()
	for b, v := range integral {
		kernels.Axpy(strength*v, mean, out.Row(b))
	}
	return out, nil
}

// UnifiedTransform applies Transform with the controller's options.
func (c *Controller) UnifiedTransform(t *core.Matrix, strength float32) (*core.Matrix, error) {
	opts := c.Options()
	start := time.Now()
	out, err := Transform(t, strength, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stats.Transforms++
	c.stats.LastLatency = time.Since(start)
	c.mu.Unlock()
	return out, nil
}

// ModifyLayer transforms the selected sub-matrices of one layer and writes
// them back. pattern must match the hidden width; it is recorded but does not
// steer the transform. Both transforms are computed before either is written,
// and a failed write restores the part already written, so a failure leaves
// the layer untouched.
func (c *Controller) ModifyLayer(layer int, pattern core.Vector, strength float32, attn, mlp bool) (Edit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modifyLayer(layer, pattern, strength, attn, mlp)
}

func (c *Controller) modifyLayer(layer int, pattern core.Vector, strength float32, attn, mlp bool) (Edit, error) {
	if err := c.checkLayer(layer); err != nil {
		return Edit{}, err
	}
	start := time.Now()

	edit := Edit{Layer: layer, Attention: attn, MLP: mlp, Strength: strength}
	parts := selectedParts(attn, mlp)
	originals := make([]*core.Matrix, len(parts))
	updates := make([]*core.Matrix, len(parts))
	for i, part := range parts {
		w, err := readPart(c.handle, layer, part)
		if err != nil {
			return Edit{}, fmt.Errorf("read %s: %w", RegionName(layer, part), err)
		}
		if len(pattern) != w.Cols {
			return Edit{}, fmt.Errorf("pattern length %d does not match width %d: %w", len(pattern), w.Cols, core.ErrShapeMismatch)
		}
		out, err := Transform(w, strength, c.opts)
		if err != nil {
			return Edit{}, fmt.Errorf("transform %s: %w", RegionName(layer, part), err)
		}
		edit.setDelta(part, frobeniusDelta(out, w))
		originals[i], updates[i] = w, out
	}

	if err := writeLayer(c.handle, layer, parts, updates, originals); err != nil {
		return Edit{}, err
	}
	c.stats.Edits++
	c.stats.Transforms += int64(len(updates))
	c.stats.LastLatency = time.Since(start)
	return edit, nil
}

// ApplyUnifiedModification edits every listed layer (all layers when layers
// is nil) using the mean of that layer's cached activations as the pattern.
// The cache must be non-empty and hold every listed layer; both are checked
// before any weight is written.
func (c *Controller) ApplyUnifiedModification(layers []int, strength float32, attn, mlp bool) ([]Edit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) == 0 {
		return nil, fmt.Errorf("no cached activations: %w", core.ErrPrecondition)
	}
	if layers == nil {
		layers = c.allLayers(0)
	}
	patterns := make([]core.Vector, len(layers))
	for i, layer := range layers {
		if err := c.checkLayer(layer); err != nil {
			return nil, err
		}
		acts, ok := c.cache[LayerKey(layer)]
		if !ok {
			return nil, fmt.Errorf("no cached activations for %s: %w", LayerKey(layer), core.ErrPrecondition)
		}
		patterns[i] = kernels.ColumnMean(acts)
	}

	edits := make([]Edit, 0, len(layers))
	for i, layer := range layers {
		edit, err := c.modifyLayer(layer, patterns[i], strength, attn, mlp)
		if err != nil {
			return edits, err
		}
		edits = append(edits, edit)
	}
	return edits, nil
}

// DetectPatterns scores every row of every batch by how far the unit
// strength transform moves it. Scores not above threshold·std(scores) are
// zeroed. threshold <= 0 selects Options.PreserveThreshold and a nil cache
// scores the controller's own cache. Batches are scored concurrently.
func (c *Controller) DetectPatterns(cache map[string]*core.Matrix, threshold float32) (map[string][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cache == nil {
		cache = c.cache
	}
	if threshold <= 0 {
		threshold = c.opts.PreserveThreshold
	}
	opts := c.opts
	results, err := scoreBatches(cache, opts.Workers, func(acts *core.Matrix) ([]float32, error) {
		return patternScores(acts, threshold, opts)
	})
	if err != nil {
		return nil, err
	}
	c.stats.Transforms += int64(len(cache))
	return results, nil
}

func patternScores(acts *core.Matrix, threshold float32, opts Options) ([]float32, error) {
	transformed, err := Transform(acts, 1, opts)
	if err != nil {
		return nil, err
	}
	diff := core.NewMatrix(acts.Rows, acts.Cols)
	kernels.Sub(diff.Data, transformed.Data, acts.Data)
	scores := kernels.RowNorms(diff)

	gate := threshold * kernels.Std(scores)
	for i, s := range scores {
		if !(s > gate) {
			scores[i] = 0
		}
	}
	return scores, nil
}

func frobeniusDelta(a, b *core.Matrix) float32 {
	diff := make([]float32, len(a.Data))
	kernels.Sub(diff, a.Data, b.Data)
	return kernels.Norm(diff)
}
