// Package model holds an in-memory network reduced to what the ablation
// controller edits: the attention output projection and the feed-forward
// output projection of every layer.
//
// Key data structures:
//   - Block: the two d x d output projections of one layer
//   - Model: ordered blocks with a fixed hidden width
//   - Binary serialization for model files
//
// Model implements runtime.LayerHandle. Reads hand out copies and writes
// replace a matrix wholesale, so callers never alias stored weights.
package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/sbl8/superablate/core"
)

// Block is one layer's pair of output projections.
type Block struct {
	AttnOut *core.Matrix
	MLPOut  *core.Matrix
}

// Model is an ordered stack of blocks sharing one hidden width.
type Model struct {
	Hidden int
	Blocks []Block
	mu     sync.RWMutex
}

const (
	modelMagic   = 0x444D4241 // "ABMD" in little endian
	modelVersion = 1
)

// New returns a model with zeroed weights.
func New(layers, hidden int) *Model {
	m := &Model{Hidden: hidden, Blocks: make([]Block, layers)}
	for i := range m.Blocks {
		m.Blocks[i] = Block{
			AttnOut: core.NewMatrix(hidden, hidden),
			MLPOut:  core.NewMatrix(hidden, hidden),
		}
	}
	return m
}

// NewRandom returns a model with N(0, 1/hidden) weights drawn from seed.
func NewRandom(layers, hidden int, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))
	scale := 1 / math.Sqrt(float64(max(hidden, 1)))
	m := New(layers, hidden)
	for _, b := range m.Blocks {
		for _, w := range []*core.Matrix{b.AttnOut, b.MLPOut} {
			for i := range w.Data {
				w.Data[i] = float32(rng.NormFloat64() * scale)
			}
		}
	}
	return m
}

// NumLayers returns the number of blocks.
func (m *Model) NumLayers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Blocks)
}

// AttentionOutput returns a copy of a layer's attention output projection.
func (m *Model) AttentionOutput(layer int) (*core.Matrix, error) {
	return m.get(layer, func(b *Block) *core.Matrix { return b.AttnOut })
}

// MLPOutput returns a copy of a layer's feed-forward output projection.
func (m *Model) MLPOutput(layer int) (*core.Matrix, error) {
	return m.get(layer, func(b *Block) *core.Matrix { return b.MLPOut })
}

// SetAttentionOutput replaces a layer's attention output projection.
func (m *Model) SetAttentionOutput(layer int, w *core.Matrix) error {
	return m.set(layer, w, func(b *Block) **core.Matrix { return &b.AttnOut })
}

// SetMLPOutput replaces a layer's feed-forward output projection.
func (m *Model) SetMLPOutput(layer int, w *core.Matrix) error {
	return m.set(layer, w, func(b *Block) **core.Matrix { return &b.MLPOut })
}

func (m *Model) get(layer int, pick func(*Block) *core.Matrix) (*core.Matrix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if layer < 0 || layer >= len(m.Blocks) {
		return nil, fmt.Errorf("layer %d outside [0, %d): %w", layer, len(m.Blocks), core.ErrConfiguration)
	}
	return pick(&m.Blocks[layer]).Clone(), nil
}

func (m *Model) set(layer int, w *core.Matrix, slot func(*Block) **core.Matrix) error {
	if err := w.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if layer < 0 || layer >= len(m.Blocks) {
		return fmt.Errorf("layer %d outside [0, %d): %w", layer, len(m.Blocks), core.ErrConfiguration)
	}
	if w.Rows != m.Hidden || w.Cols != m.Hidden {
		return fmt.Errorf("weight %dx%d for hidden width %d: %w", w.Rows, w.Cols, m.Hidden, core.ErrShapeMismatch)
	}
	*slot(&m.Blocks[layer]) = w.Clone()
	return nil
}

// Validate checks that every block holds hidden x hidden matrices.
func (m *Model) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.Blocks) == 0 {
		return fmt.Errorf("model has no layers")
	}
	for i, b := range m.Blocks {
		for _, w := range []*core.Matrix{b.AttnOut, b.MLPOut} {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			if w.Rows != m.Hidden || w.Cols != m.Hidden {
				return fmt.Errorf("layer %d holds %dx%d weight for hidden width %d: %w", i, w.Rows, w.Cols, m.Hidden, core.ErrShapeMismatch)
			}
		}
	}
	return nil
}

// Serialize writes the model in binary form.
// Layout: [magic(4)][version(2)][layers(2)][hidden(4)] then for every layer
// the attention and MLP matrices as little endian float32, row-major.
func (m *Model) Serialize() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(modelMagic)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(modelVersion)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(m.Blocks))); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(m.Hidden)); err != nil {
		return nil, err
	}
	for _, b := range m.Blocks {
		if err := binary.Write(&buf, binary.LittleEndian, b.AttnOut.Data); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, b.MLPOut.Data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Deserialize reads a model written by Serialize.
func Deserialize(data []byte) (*Model, error) {
	buf := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(buf, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != modelMagic {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}

	var version uint16
	if err := binary.Read(buf, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != modelVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	var layers uint16
	if err := binary.Read(buf, binary.LittleEndian, &layers); err != nil {
		return nil, err
	}
	var hidden uint32
	if err := binary.Read(buf, binary.LittleEndian, &hidden); err != nil {
		return nil, err
	}
	want := int64(layers) * 2 * int64(hidden) * int64(hidden) * 4
	if int64(buf.Len()) != want {
		return nil, fmt.Errorf("model body is %d bytes, header describes %d", buf.Len(), want)
	}

	m := New(int(layers), int(hidden))
	for _, b := range m.Blocks {
		if err := binary.Read(buf, binary.LittleEndian, b.AttnOut.Data); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.LittleEndian, b.MLPOut.Data); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WriteTo writes the serialized model to w.
func (m *Model) WriteTo(w io.Writer) (int64, error) {
	data, err := m.Serialize()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Load reads a model file from disk.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Deserialize(data)
}

// Save writes the model to a file on disk.
func (m *Model) Save(path string) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
