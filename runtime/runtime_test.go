package runtime

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/model"
)

const hidden = 4

func testOptions() Options {
	return Options{
		Resolution:    16,
		NEigenvectors: 3,
		FlowSteps:     20,
		FlowStepSize:  0.01,
		Workers:       2,
	}
}

func newTestController(t *testing.T) (*Controller, *model.Model) {
	t.Helper()
	m := model.NewRandom(3, hidden, 1)
	c, err := NewController(m, testOptions())
	require.NoError(t, err)
	return c, m
}

func randomBatch(rows int, seed float32) *core.Matrix {
	b := core.NewMatrix(rows, hidden)
	for i := range b.Data {
		b.Data[i] = float32(math.Sin(float64(seed) + float64(i)*0.7))
	}
	return b
}

func TestNewController(t *testing.T) {
	t.Parallel()
	_, err := NewController(nil, Options{})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = NewController(model.New(1, 2), Options{Resolution: 1})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	c, _ := newTestController(t)
	opts := c.Options()
	assert.Equal(t, 16, opts.Resolution)
	assert.Equal(t, DefaultOptions().PreserveThreshold, opts.PreserveThreshold)
	assert.Equal(t, 3, c.NumLayers())
	assert.Len(t, c.Snapshot().Names(), 6)
	assert.Equal(t, 0, c.Snapshot().RemainingSize())
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"resolution", func(o *Options) { o.Resolution = 1 }},
		{"eigenvectors", func(o *Options) { o.NEigenvectors = 0 }},
		{"integration", func(o *Options) { o.Integration = "gauss" }},
		{"structure", func(o *Options) { o.SuperStructure = "mixed" }},
		{"flow steps", func(o *Options) { o.FlowSteps = 0 }},
		{"harmonics", func(o *Options) { o.HarmonicComponents = 0 }},
	}
	require.NoError(t, DefaultOptions().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			assert.ErrorIs(t, opts.Validate(), core.ErrConfiguration)
		})
	}
}

func TestParseLayerKey(t *testing.T) {
	t.Parallel()
	layer, err := ParseLayerKey(LayerKey(12))
	require.NoError(t, err)
	assert.Equal(t, 12, layer)
	assert.Equal(t, "layer_3.mlp_out", RegionName(3, MLPPart))

	for _, key := range []string{"block_1", "layer_", "layer_x", "layer_-2"} {
		_, err := ParseLayerKey(key)
		assert.ErrorIs(t, err, core.ErrConfiguration, key)
	}
}

func TestUnifiedTransformZeroStrengthIsIdentity(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	in := randomBatch(5, 0)

	out, err := c.UnifiedTransform(in, 0)
	require.NoError(t, err)
	assert.True(t, out.Equal(in, 0))
	assert.NotSame(t, in, out)
}

func TestUnifiedTransformMovesRows(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	in := randomBatch(6, 1)
	orig := in.Clone()

	out, err := c.UnifiedTransform(in, 0.5)
	require.NoError(t, err)
	assert.True(t, in.Equal(orig, 0), "input must not be modified")
	assert.True(t, out.SameShape(in))
	assert.False(t, out.HasNonFinite())
	assert.False(t, out.Equal(in, 0))
	assert.EqualValues(t, 1, c.Stats().Transforms)
}

func TestModifyLayer(t *testing.T) {
	t.Parallel()
	c, m := newTestController(t)
	before, _ := m.MLPOutput(1)
	attnBefore, _ := m.AttentionOutput(1)

	edit, err := c.ModifyLayer(1, make(core.Vector, hidden), 0.3, false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, edit.Layer)
	assert.Zero(t, edit.AttentionDelta)
	assert.Positive(t, edit.MLPDelta)

	after, _ := m.MLPOutput(1)
	assert.False(t, after.Equal(before, 0))
	attnAfter, _ := m.AttentionOutput(1)
	assert.True(t, attnAfter.Equal(attnBefore, 0), "unselected matrix must be untouched")
	assert.EqualValues(t, 1, c.Stats().Edits)
}

func TestModifyLayerErrors(t *testing.T) {
	t.Parallel()
	c, m := newTestController(t)
	before, _ := m.AttentionOutput(0)

	_, err := c.ModifyLayer(0, make(core.Vector, hidden+1), 1, true, true)
	assert.ErrorIs(t, err, core.ErrShapeMismatch)
	_, err = c.ModifyLayer(3, make(core.Vector, hidden), 1, true, true)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	after, _ := m.AttentionOutput(0)
	assert.True(t, after.Equal(before, 0))
}

func TestReset(t *testing.T) {
	t.Parallel()
	c, m := newTestController(t)
	original, _ := m.AttentionOutput(2)

	require.NoError(t, c.CacheActivation(LayerKey(2), randomBatch(4, 2)))
	_, err := c.ModifyLayer(2, make(core.Vector, hidden), 1, true, true)
	require.NoError(t, err)

	require.NoError(t, c.Reset())
	restored, _, err := c.Layer(2)
	require.NoError(t, err)
	assert.True(t, restored.Equal(original, 0))
	assert.Empty(t, c.CacheKeys())
	assert.EqualValues(t, 1, c.Stats().Resets)
}

func TestActivationCache(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	batch := randomBatch(3, 3)

	require.NoError(t, c.CacheActivation("layer_1", batch))
	require.NoError(t, c.CacheActivation("layer_0", batch))
	assert.ErrorIs(t, c.CacheActivation("layer_2", core.NewMatrix(0, hidden)), core.ErrShapeMismatch)

	batch.Data[0] = 42
	got, ok := c.CachedActivation("layer_1")
	require.True(t, ok)
	assert.NotEqual(t, float32(42), got.Data[0], "cache must hold a copy")
	assert.Equal(t, []string{"layer_0", "layer_1"}, c.CacheKeys())

	c.ClearCache()
	_, ok = c.CachedActivation("layer_1")
	assert.False(t, ok)
}

func TestApplyUnifiedModificationNeedsCache(t *testing.T) {
	t.Parallel()
	c, m := newTestController(t)
	before, _ := m.MLPOutput(0)

	_, err := c.ApplyUnifiedModification(nil, 1, true, true)
	assert.ErrorIs(t, err, core.ErrPrecondition)

	require.NoError(t, c.CacheActivation(LayerKey(0), randomBatch(4, 4)))
	_, err = c.ApplyUnifiedModification([]int{0, 1}, 1, true, true)
	assert.ErrorIs(t, err, core.ErrPrecondition)

	after, _ := m.MLPOutput(0)
	assert.True(t, after.Equal(before, 0), "failed preconditions must not write")
	assert.Zero(t, c.Stats().Edits)
}

func TestApplyUnifiedModification(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	for layer := 0; layer < c.NumLayers(); layer++ {
		require.NoError(t, c.CacheActivation(LayerKey(layer), randomBatch(4, float32(layer))))
	}

	edits, err := c.ApplyUnifiedModification(nil, 0.2, true, false)
	require.NoError(t, err)
	require.Len(t, edits, 3)
	for i, e := range edits {
		assert.Equal(t, i, e.Layer)
		assert.True(t, e.Attention)
		assert.False(t, e.MLP)
	}
}

func TestDetectPatternsZeroVariance(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	flat := core.NewMatrix(5, hidden)
	for i := 0; i < flat.Rows; i++ {
		copy(flat.Row(i), []float32{1, 2, 3, 4})
	}

	scores, err := c.DetectPatterns(map[string]*core.Matrix{"layer_0": flat}, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0, 0}, scores["layer_0"])
}

func TestDetectPatternsMatchesSequential(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	cache := map[string]*core.Matrix{
		"layer_0": randomBatch(6, 0),
		"layer_1": randomBatch(5, 1),
		"layer_2": randomBatch(7, 2),
	}

	first, err := c.DetectPatterns(cache, 0.5)
	require.NoError(t, err)
	second, err := c.DetectPatterns(cache, 0.5)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for key, acts := range cache {
		want, err := patternScores(acts, 0.5, c.Options())
		require.NoError(t, err)
		assert.Equal(t, want, first[key], key)
		assert.Len(t, first[key], acts.Rows)
	}
}

func TestDetectPatternsUsesOwnCache(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	scores, err := c.DetectPatterns(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, scores)

	require.NoError(t, c.CacheActivation("layer_1", randomBatch(4, 9)))
	scores, err = c.DetectPatterns(nil, 0)
	require.NoError(t, err)
	assert.Len(t, scores, 1)
	assert.Contains(t, scores, "layer_1")
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	c, m := newTestController(t)
	require.NoError(t, c.CacheActivation("layer_2", randomBatch(3, 5)))
	_, err := c.ModifyLayer(2, make(core.Vector, hidden), 0.4, true, true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.SaveState(&buf))

	other := model.NewRandom(3, hidden, 99)
	restored, err := NewController(other, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(bytes.NewReader(buf.Bytes())))

	for layer := 0; layer < 3; layer++ {
		want, _ := m.MLPOutput(layer)
		got, _ := other.MLPOutput(layer)
		assert.True(t, got.Equal(want, 0), "layer %d", layer)
	}
	assert.Equal(t, c.Options(), restored.Options())
	assert.Equal(t, []string{"layer_2"}, restored.CacheKeys())

	// The snapshot still describes the network the controller was built on.
	require.NoError(t, restored.Reset())
	orig := model.NewRandom(3, hidden, 99)
	want, _ := orig.AttentionOutput(0)
	got, _ := other.AttentionOutput(0)
	assert.True(t, got.Equal(want, 0))
}

func TestLoadStateRejectsMismatch(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t)
	var buf bytes.Buffer
	require.NoError(t, c.SaveState(&buf))

	small := model.NewRandom(2, hidden, 3)
	target, err := NewController(small, testOptions())
	require.NoError(t, err)
	before, _ := small.AttentionOutput(0)

	err = target.LoadState(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, core.ErrShapeMismatch)
	after, _ := small.AttentionOutput(0)
	assert.True(t, after.Equal(before, 0))

	assert.Error(t, target.LoadState(bytes.NewReader([]byte("not a state blob"))))
}

func TestLoadStateRejectsOversizedOptions(t *testing.T) {
	t.Parallel()
	c, m := newTestController(t)
	before, _ := m.MLPOutput(0)

	blob := binary.LittleEndian.AppendUint32(nil, stateMagic)
	blob = binary.LittleEndian.AppendUint16(blob, stateVersion)
	blob = binary.LittleEndian.AppendUint32(blob, 0xFFFFFFFF)
	assert.Error(t, c.LoadState(bytes.NewReader(blob)))

	short := binary.LittleEndian.AppendUint32(nil, stateMagic)
	short = binary.LittleEndian.AppendUint16(short, stateVersion)
	short = binary.LittleEndian.AppendUint32(short, 64)
	short = append(short, '{', '}')
	assert.Error(t, c.LoadState(bytes.NewReader(short)))

	after, _ := m.MLPOutput(0)
	assert.True(t, after.Equal(before, 0))
}
