package runtime

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
)

// DetectionMode selects the gate DetectContourPatterns applies to integrals.
type DetectionMode string

const (
	// StrongestMode keeps |I| > threshold·max|I|.
	StrongestMode DetectionMode = "strongest"
	// AllMode keeps |I| > threshold·std(I).
	AllMode DetectionMode = "all"

	DefaultContourThreshold = 0.5
)

// ParseDetectionMode maps a mode name to a DetectionMode. The empty string
// selects StrongestMode.
func ParseDetectionMode(name string) (DetectionMode, error) {
	switch DetectionMode(name) {
	case "", StrongestMode:
		return StrongestMode, nil
	case AllMode:
		return AllMode, nil
	}
	return "", fmt.Errorf("unknown detection mode %q: %w", name, core.ErrConfiguration)
}

// DetectContourPatterns integrates every batch along the unweighted contour
// over its own principal axes and keeps the integrals that pass the mode's
// gate. Kept entries keep their sign; the rest are zeroed. threshold <= 0
// selects DefaultContourThreshold and a nil cache scores the controller's own
// cache. Batches are scored concurrently.
func (c *Controller) DetectContourPatterns(cache map[string]*core.Matrix, threshold float32, mode DetectionMode) (map[string][]float32, error) {
	if _, err := ParseDetectionMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = StrongestMode
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if cache == nil {
		cache = c.cache
	}
	if threshold <= 0 {
		threshold = DefaultContourThreshold
	}
	opts := c.opts
	results, err := scoreBatches(cache, opts.Workers, func(acts *core.Matrix) ([]float32, error) {
		return contourScores(acts, threshold, mode, opts)
	})
	if err != nil {
		return nil, err
	}
	c.stats.Transforms += int64(len(cache))
	return results, nil
}

func contourScores(acts *core.Matrix, threshold float32, mode DetectionMode, opts Options) ([]float32, error) {
	path, err := contour.Generate(acts, min(opts.NEigenvectors, acts.Cols), opts.Resolution, false)
	if err != nil {
		return nil, err
	}
	integral, err := contour.Integral(acts, path.Points, path.Tangents, opts.Integration)
	if err != nil {
		return nil, err
	}

	var scale float32
	if mode == AllMode {
		scale = kernels.Std(integral)
	} else {
		for _, v := range integral {
			scale = max(scale, float32(math.Abs(float64(v))))
		}
	}
	gate := threshold * scale
	for i, v := range integral {
		if !(float32(math.Abs(float64(v))) > gate) {
			integral[i] = 0
		}
	}
	return integral, nil
}

// scoreBatches runs score over every batch of cache with at most workers
// goroutines and collects the results by key.
func scoreBatches(cache map[string]*core.Matrix, workers int, score func(*core.Matrix) ([]float32, error)) (map[string][]float32, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]float32, len(cache))
		g       errgroup.Group
	)
	g.SetLimit(workers)
	for _, key := range sortedKeys(cache) {
		acts := cache[key]
		g.Go(func() error {
			scores, err := score(acts)
			if err != nil {
				return fmt.Errorf("detect %s: %w", key, err)
			}
			mu.Lock()
			results[key] = scores
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// enhancement is the pending write for one layer.
type enhancement struct {
	edit      Edit
	parts     []Part
	originals []*core.Matrix
	updates   []*core.Matrix
}

// EnhanceActivation strengthens target in every layer with cached
// activations. Each cached batch is integrated along a circle through target
// in the batch's principal plane (contour.FromPlane) and the mean integral g
// sets the gain of the update
//
//	W += strength·g · integral(W) ⊗ target̂
//
// applied to both sub-matrices, where integral(W) integrates the weight rows
// along the same circle. The cache must be non-empty and every cached key
// must name a layer of matching width. All updates are computed before any
// weight is written.
func (c *Controller) EnhanceActivation(target core.Vector, strength float32) ([]Edit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) == 0 {
		return nil, fmt.Errorf("no cached activations: %w", core.ErrPrecondition)
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("empty enhancement target: %w", core.ErrShapeMismatch)
	}
	unit := target.Clone()
	kernels.Normalize(unit, contour.TangentGuard)

	keys := sortedKeys(c.cache)
	pending := make([]enhancement, 0, len(keys))
	for _, key := range keys {
		layer, err := ParseLayerKey(key)
		if err != nil {
			return nil, err
		}
		if err := c.checkLayer(layer); err != nil {
			return nil, err
		}
		e, err := c.enhanceLayer(layer, c.cache[key], target, unit, strength)
		if err != nil {
			return nil, fmt.Errorf("enhance %s: %w", key, err)
		}
		pending = append(pending, e)
	}

	edits := make([]Edit, 0, len(pending))
	for _, e := range pending {
		if err := writeLayer(c.handle, e.edit.Layer, e.parts, e.updates, e.originals); err != nil {
			return edits, err
		}
		c.stats.Edits++
		edits = append(edits, e.edit)
	}
	return edits, nil
}

func (c *Controller) enhanceLayer(layer int, batch *core.Matrix, target, unit core.Vector, strength float32) (enhancement, error) {
	if batch.Cols != len(target) {
		return enhancement{}, fmt.Errorf("batch width %d does not match target length %d: %w", batch.Cols, len(target), core.ErrShapeMismatch)
	}
	axis, err := principalAxis(batch)
	if err != nil {
		return enhancement{}, err
	}
	path, err := contour.FromPlane(target, axis, c.opts.Resolution)
	if err != nil {
		return enhancement{}, err
	}
	acts, err := contour.Integral(batch, path.Points, path.Tangents, c.opts.Integration)
	if err != nil {
		return enhancement{}, err
	}
	var sum float64
	for _, v := range acts {
		sum += float64(v)
	}
	gain := strength * float32(sum/float64(len(acts)))

	e := enhancement{
		edit:  Edit{Layer: layer, Attention: true, MLP: true, Strength: strength},
		parts: selectedParts(true, true),
	}
	for _, part := range e.parts {
		w, err := readPart(c.handle, layer, part)
		if err != nil {
			return enhancement{}, fmt.Errorf("read %s: %w", RegionName(layer, part), err)
		}
		if w.Cols != len(target) {
			return enhancement{}, fmt.Errorf("target length %d does not match width %d: %w", len(target), w.Cols, core.ErrShapeMismatch)
		}
		integral, err := contour.Integral(w, path.Points, path.Tangents, c.opts.Integration)
		if err != nil {
			return enhancement{}, err
		}
		out := w.Clone()
		for b, v := range integral {
			kernels.Axpy(gain*v, unit, out.Row(b))
		}
		e.edit.setDelta(part, frobeniusDelta(out, w))
		e.originals = append(e.originals, w)
		e.updates = append(e.updates, out)
	}
	return e, nil
}

// principalAxis returns the leading covariance eigenvector of batch.
func principalAxis(batch *core.Matrix) (core.Vector, error) {
	cov, err := kernels.Covariance(batch)
	if err != nil {
		return nil, err
	}
	_, vectors, err := kernels.EigenSym(cov)
	if err != nil {
		return nil, err
	}
	last := batch.Cols - 1
	axis := make(core.Vector, batch.Cols)
	for k := range axis {
		axis[k] = float32(vectors.At(k, last))
	}
	return axis, nil
}
