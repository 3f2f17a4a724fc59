package plan

import (
	"context"
	"fmt"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/kernels"
	"github.com/sbl8/superablate/runtime"
)

// Result is the outcome of one executed step.
type Result struct {
	Line   int                  `json:"line"`
	Op     Op                   `json:"op"`
	Edits  []runtime.Edit       `json:"edits,omitempty"`
	Scores map[string][]float32 `json:"scores,omitempty"`
}

// Validate checks layer indices and direction references against a network
// of numLayers layers before anything runs.
func (p *Plan) Validate(numLayers int, dirs runtime.Directions) error {
	known := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		known[d.Key] = true
	}
	for _, s := range p.Steps {
		for _, layer := range s.Layers {
			if layer >= numLayers {
				return fmt.Errorf("line %d: layer %d outside [0, %d): %w", s.Line, layer, numLayers, core.ErrConfiguration)
			}
		}
		if s.Direction != "" && !known[s.Direction] {
			return fmt.Errorf("line %d: unknown direction %q: %w", s.Line, s.Direction, core.ErrConfiguration)
		}
	}
	return nil
}

// Execute validates the plan and runs its steps in order against c. It
// stops at the first failing step or when ctx is cancelled and returns the
// results of the steps that completed.
func (p *Plan) Execute(ctx context.Context, c *runtime.Controller, dirs runtime.Directions) ([]Result, error) {
	if err := p.Validate(c.NumLayers(), dirs); err != nil {
		return nil, err
	}
	byKey := make(map[string]runtime.Direction, len(dirs))
	for _, d := range dirs {
		byKey[d.Key] = d
	}

	results := make([]Result, 0, len(p.Steps))
	for _, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := runStep(c, s, byKey)
		if err != nil {
			return results, fmt.Errorf("line %d %s: %w", s.Line, s.Op, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func runStep(c *runtime.Controller, s Step, dirs map[string]runtime.Direction) (Result, error) {
	res := Result{Line: s.Line, Op: s.Op}
	var err error

	switch s.Op {
	case OpModify:
		var edit runtime.Edit
		layer := s.Layers[0]
		pattern, perr := layerPattern(c, layer)
		if perr != nil {
			return res, perr
		}
		edit, err = c.ModifyLayer(layer, pattern, s.Strength, s.Attention, s.MLP)
		res.Edits = []runtime.Edit{edit}
	case OpUnified:
		res.Edits, err = c.ApplyUnifiedModification(s.Layers, s.Strength, s.Attention, s.MLP)
	case OpContour:
		err = c.ApplyContourAblation(dirs[s.Direction].Vector, s.Strength, s.Layers)
	case OpBerezinian:
		err = c.ApplyBerezinianAblation(runtime.Directions{dirs[s.Direction]}, s.Layers, s.Attention, s.MLP)
	case OpGeometric:
		err = c.ApplyGeometricAblation(runtime.Directions{dirs[s.Direction]}, s.Layers, s.Strength)
	case OpEnhance:
		res.Edits, err = c.EnhanceActivation(dirs[s.Direction].Vector, s.Strength)
	case OpDetect:
		if s.Mode == "" {
			res.Scores, err = c.DetectPatterns(nil, s.Threshold)
		} else {
			res.Scores, err = c.DetectContourPatterns(nil, s.Threshold, runtime.DetectionMode(s.Mode))
		}
	case OpReset:
		err = c.Reset()
	default:
		err = fmt.Errorf("unknown directive %q", s.Op)
	}
	return res, err
}

// layerPattern is the mean cached activation of layer, or zeros when the
// layer has nothing cached.
func layerPattern(c *runtime.Controller, layer int) (core.Vector, error) {
	if acts, ok := c.CachedActivation(runtime.LayerKey(layer)); ok {
		return kernels.ColumnMean(acts), nil
	}
	attn, _, err := c.Layer(layer)
	if err != nil {
		return nil, err
	}
	return make(core.Vector, attn.Cols), nil
}
