// Package runtime implements the unified ablation controller.
//
// The controller owns a handle to the network's per-layer output projections,
// a snapshot of their original values and an activation cache. It composes
// the contour path, Berezinian weighting and contour integration engines into
// a single transform and applies it to layer weights with read-transform-write
// cycles.
//
// Key components:
//   - Controller: serializes every layer edit and cache access behind a mutex
//   - Arena: contiguous host snapshot of the original weights, used by Reset
//   - Options: numeric settings shared by every operation
//   - State blob: options, current weights and cache in one stream
//
// Layer lifecycle:
//  1. Unmodified: weights equal the snapshot taken by NewController
//  2. Transformed: one or more edits have been written through the handle
//  3. Reset: snapshot restored, cache cleared (equivalent to Unmodified)
package runtime

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/core"
)

// LayerHandle reads and writes the output projections of a network's layers.
type LayerHandle interface {
	NumLayers() int
	AttentionOutput(layer int) (*core.Matrix, error)
	SetAttentionOutput(layer int, w *core.Matrix) error
	MLPOutput(layer int) (*core.Matrix, error)
	SetMLPOutput(layer int, w *core.Matrix) error
}

// Part selects one of a layer's weight matrices.
type Part string

const (
	AttentionPart Part = "attn_out"
	MLPPart       Part = "mlp_out"
)

// Super-structure names accepted by Options.SuperStructure.
const (
	EvenStructure = "even"
	OddStructure  = "odd"
)

// LayerKey returns the cache key of a layer: "layer_<index>".
func LayerKey(layer int) string {
	return "layer_" + strconv.Itoa(layer)
}

// ParseLayerKey extracts the layer index from a key produced by LayerKey.
func ParseLayerKey(key string) (int, error) {
	idx, ok := strings.CutPrefix(key, "layer_")
	if !ok {
		return 0, fmt.Errorf("key %q is not a layer key: %w", key, core.ErrConfiguration)
	}
	layer, err := strconv.Atoi(idx)
	if err != nil || layer < 0 {
		return 0, fmt.Errorf("key %q has no layer index: %w", key, core.ErrConfiguration)
	}
	return layer, nil
}

// Options configures the controller's engines.
type Options struct {
	Resolution         int                `json:"resolution"`
	NEigenvectors      int                `json:"n_eigenvectors"`
	Integration        contour.Quadrature `json:"integration"`
	SuperStructure     string             `json:"super_structure"`
	PreserveThreshold  float32            `json:"preserve_threshold"`
	FlowSteps          int                `json:"flow_steps"`
	FlowStepSize       float32            `json:"flow_step_size"`
	HarmonicComponents int                `json:"harmonic_components"`
	Epsilon            float64            `json:"epsilon"`
	Workers            int                `json:"workers"`
}

// DefaultOptions provides the reference settings.
func DefaultOptions() Options {
	return Options{
		Resolution:         100,
		NEigenvectors:      3,
		Integration:        contour.Trapezoidal,
		SuperStructure:     EvenStructure,
		PreserveThreshold:  0.1,
		FlowSteps:          100,
		FlowStepSize:       1,
		HarmonicComponents: 4,
		Epsilon:            1e-5,
		Workers:            runtime.NumCPU(),
	}
}

// Even reports whether the even super-structure is selected.
func (o Options) Even() bool {
	return o.SuperStructure != OddStructure
}

// Validate checks the settings that do not depend on the network width.
func (o Options) Validate() error {
	switch {
	case o.Resolution < 2:
		return fmt.Errorf("resolution %d below 2: %w", o.Resolution, core.ErrConfiguration)
	case o.NEigenvectors < 1:
		return fmt.Errorf("n_eigenvectors %d below 1: %w", o.NEigenvectors, core.ErrConfiguration)
	case !o.Integration.Valid():
		return fmt.Errorf("unknown integration method %q: %w", o.Integration, core.ErrConfiguration)
	case o.SuperStructure != EvenStructure && o.SuperStructure != OddStructure:
		return fmt.Errorf("unknown super structure %q: %w", o.SuperStructure, core.ErrConfiguration)
	case o.FlowSteps < 1:
		return fmt.Errorf("flow steps %d below 1: %w", o.FlowSteps, core.ErrConfiguration)
	case o.HarmonicComponents < 1:
		return fmt.Errorf("harmonic components %d below 1: %w", o.HarmonicComponents, core.ErrConfiguration)
	}
	return nil
}

// Stats counts controller activity.
type Stats struct {
	Transforms  int64
	Edits       int64
	Resets      int64
	LastLatency time.Duration
	Snapshot    SnapshotUsage
}

// SnapshotUsage describes the arena holding the original weights.
type SnapshotUsage struct {
	Capacity int           `json:"capacity"`
	Used     int           `json:"used"`
	Regions  []ArenaRegion `json:"regions"`
}

// Controller applies ablation transforms to a network through a LayerHandle.
type Controller struct {
	handle   LayerHandle
	snapshot *Arena
	cache    map[string]*core.Matrix
	opts     Options
	stats    Stats
	mu       sync.Mutex
}

// NewController snapshots every layer of handle and returns a controller
// with an empty activation cache. Zero-valued fields of opts keep their
// defaults.
func NewController(handle LayerHandle, opts Options) (*Controller, error) {
	if handle == nil {
		return nil, fmt.Errorf("layer handle cannot be nil: %w", core.ErrConfiguration)
	}
	opts = withDefaults(opts)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	snapshot, err := snapshotLayers(handle)
	if err != nil {
		return nil, err
	}
	return &Controller{
		handle:   handle,
		snapshot: snapshot,
		cache:    make(map[string]*core.Matrix),
		opts:     opts,
	}, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Resolution == 0 {
		opts.Resolution = def.Resolution
	}
	if opts.NEigenvectors == 0 {
		opts.NEigenvectors = def.NEigenvectors
	}
	if opts.Integration == "" {
		opts.Integration = def.Integration
	}
	if opts.SuperStructure == "" {
		opts.SuperStructure = def.SuperStructure
	}
	if opts.PreserveThreshold == 0 {
		opts.PreserveThreshold = def.PreserveThreshold
	}
	if opts.FlowSteps == 0 {
		opts.FlowSteps = def.FlowSteps
	}
	if opts.FlowStepSize == 0 {
		opts.FlowStepSize = def.FlowStepSize
	}
	if opts.HarmonicComponents == 0 {
		opts.HarmonicComponents = def.HarmonicComponents
	}
	if opts.Epsilon == 0 {
		opts.Epsilon = def.Epsilon
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	return opts
}

// snapshotLayers copies every layer's matrices into a right-sized arena.
func snapshotLayers(handle LayerHandle) (*Arena, error) {
	n := handle.NumLayers()
	mats := make(map[string]*core.Matrix, 2*n)
	order := make([]string, 0, 2*n)
	capacity := 0
	for layer := 0; layer < n; layer++ {
		for _, part := range []Part{AttentionPart, MLPPart} {
			m, err := readPart(handle, layer, part)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: %w", RegionName(layer, part), err)
			}
			name := RegionName(layer, part)
			mats[name] = m
			order = append(order, name)
			capacity += len(m.Data)
		}
	}

	arena, err := NewArena(capacity)
	if err != nil {
		return nil, err
	}
	for _, name := range order {
		if _, err := arena.Store(name, mats[name]); err != nil {
			return nil, err
		}
	}
	return arena, nil
}

func readPart(handle LayerHandle, layer int, part Part) (*core.Matrix, error) {
	if part == AttentionPart {
		return handle.AttentionOutput(layer)
	}
	return handle.MLPOutput(layer)
}

func writePart(handle LayerHandle, layer int, part Part, m *core.Matrix) error {
	if part == AttentionPart {
		return handle.SetAttentionOutput(layer, m)
	}
	return handle.SetMLPOutput(layer, m)
}

// writeLayer writes updates[i] to parts[i] of one layer. When a write fails
// the parts already written are restored from originals, so the layer is
// either fully replaced or left as it was.
func writeLayer(handle LayerHandle, layer int, parts []Part, updates, originals []*core.Matrix) error {
	for i, part := range parts {
		err := writePart(handle, layer, part, updates[i])
		if err == nil {
			continue
		}
		err = fmt.Errorf("write %s: %w", RegionName(layer, part), err)
		for j := i - 1; j >= 0; j-- {
			if rerr := writePart(handle, layer, parts[j], originals[j]); rerr != nil {
				err = errors.Join(err, fmt.Errorf("restore %s: %w", RegionName(layer, parts[j]), rerr))
			}
		}
		return err
	}
	return nil
}

// selectedParts returns the parts chosen by the attention/MLP flags.
func selectedParts(attn, mlp bool) []Part {
	parts := make([]Part, 0, 2)
	if attn {
		parts = append(parts, AttentionPart)
	}
	if mlp {
		parts = append(parts, MLPPart)
	}
	return parts
}

func (c *Controller) checkLayer(layer int) error {
	if n := c.handle.NumLayers(); layer < 0 || layer >= n {
		return fmt.Errorf("layer %d outside [0, %d): %w", layer, n, core.ErrConfiguration)
	}
	return nil
}

// allLayers returns [from, NumLayers).
func (c *Controller) allLayers(from int) []int {
	n := c.handle.NumLayers()
	layers := make([]int, 0, n)
	for i := from; i < n; i++ {
		layers = append(layers, i)
	}
	return layers
}

// Options returns the active settings.
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// NumLayers returns the number of layers behind the handle.
func (c *Controller) NumLayers() int {
	return c.handle.NumLayers()
}

// Layer returns copies of a layer's current attention and MLP matrices.
func (c *Controller) Layer(layer int) (attn, mlp *core.Matrix, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLayer(layer); err != nil {
		return nil, nil, err
	}
	if attn, err = readPart(c.handle, layer, AttentionPart); err != nil {
		return nil, nil, err
	}
	if mlp, err = readPart(c.handle, layer, MLPPart); err != nil {
		return nil, nil, err
	}
	return attn.Clone(), mlp.Clone(), nil
}

// Snapshot returns the arena holding the original weights.
func (c *Controller) Snapshot() *Arena {
	return c.snapshot
}

// Stats returns a copy of the activity counters and the snapshot layout.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Snapshot = snapshotUsage(c.snapshot)
	return stats
}

func snapshotUsage(a *Arena) SnapshotUsage {
	names := a.Names()
	usage := SnapshotUsage{
		Capacity: a.TotalSize(),
		Used:     a.UsedSize(),
		Regions:  make([]ArenaRegion, 0, len(names)),
	}
	for _, name := range names {
		if region, ok := a.Region(name); ok {
			usage.Regions = append(usage.Regions, region)
		}
	}
	return usage
}

// Reset restores every layer from the snapshot and clears the cache.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for layer := 0; layer < c.handle.NumLayers(); layer++ {
		for _, part := range []Part{AttentionPart, MLPPart} {
			m, err := c.snapshot.Load(RegionName(layer, part))
			if err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			if err := writePart(c.handle, layer, part, m); err != nil {
				return fmt.Errorf("reset %s: %w", RegionName(layer, part), err)
			}
		}
	}
	c.cache = make(map[string]*core.Matrix)
	c.stats.Resets++
	return nil
}

// CacheActivation stores a copy of an activation batch under key.
func (c *Controller) CacheActivation(key string, batch *core.Matrix) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if batch.Empty() {
		return fmt.Errorf("cannot cache empty batch for %s: %w", key, core.ErrShapeMismatch)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = batch.Clone()
	return nil
}

// CachedActivation returns a copy of the batch cached under key.
func (c *Controller) CachedActivation(key string) (*core.Matrix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// CacheKeys returns the cached keys in sorted order.
func (c *Controller) CacheKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.cache)
}

// ClearCache drops every cached activation.
func (c *Controller) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*core.Matrix)
}

func sortedKeys(m map[string]*core.Matrix) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
