package runtime

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sbl8/superablate/core"
)

// State blob layout:
//
//	[magic(4)][version(2)][len(options)(4)][options JSON][core tensor bundle]
//
// The bundle holds "weights/<layer>.<part>" for every layer and
// "cache/<key>" for every cached batch.
const (
	stateMagic   = 0x54534241 // "ABST" in little endian
	stateVersion = 1

	maxOptionsSize = 1 << 16

	weightsPrefix = "weights/"
	cachePrefix   = "cache/"
)

// SaveState writes the options, current weights and activation cache to w.
func (c *Controller) SaveState(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts, err := json.Marshal(c.opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	var tensors []core.NamedTensor
	for layer := 0; layer < c.handle.NumLayers(); layer++ {
		for _, part := range []Part{AttentionPart, MLPPart} {
			m, err := readPart(c.handle, layer, part)
			if err != nil {
				return fmt.Errorf("read %s: %w", RegionName(layer, part), err)
			}
			tensors = append(tensors, core.NamedTensor{Name: weightsPrefix + RegionName(layer, part), Tensor: m})
		}
	}
	for _, key := range sortedKeys(c.cache) {
		tensors = append(tensors, core.NamedTensor{Name: cachePrefix + key, Tensor: c.cache[key]})
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(stateMagic)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(stateVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(opts))); err != nil {
		return err
	}
	if _, err := bw.Write(opts); err != nil {
		return err
	}
	if err := core.WriteTensors(bw, tensors); err != nil {
		return err
	}
	return bw.Flush()
}

// LoadState replaces the options, weights and cache with a blob written by
// SaveState. The blob must describe a network of the same shape. Nothing is
// written unless the whole blob decodes and matches. The snapshot used by
// Reset is left unchanged.
func (c *Controller) LoadState(r io.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read state header: %w", err)
	}
	if magic != stateMagic {
		return errors.New("invalid state magic number")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != stateVersion {
		return fmt.Errorf("unsupported state version %d", version)
	}
	var optsLen uint32
	if err := binary.Read(r, binary.LittleEndian, &optsLen); err != nil {
		return err
	}
	if optsLen > maxOptionsSize {
		return fmt.Errorf("options section of %d bytes exceeds %d", optsLen, maxOptionsSize)
	}
	raw, err := io.ReadAll(io.LimitReader(r, int64(optsLen)))
	if err != nil {
		return fmt.Errorf("read options: %w", err)
	}
	if len(raw) != int(optsLen) {
		return fmt.Errorf("read options: %w", io.ErrUnexpectedEOF)
	}
	var opts Options
	if err := json.Unmarshal(raw, &opts); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	opts = withDefaults(opts)
	if err := opts.Validate(); err != nil {
		return err
	}

	tensors, err := core.ReadTensors(r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	weights := make(map[string]*core.Matrix)
	cache := make(map[string]*core.Matrix)
	for _, t := range tensors {
		switch {
		case strings.HasPrefix(t.Name, weightsPrefix):
			weights[strings.TrimPrefix(t.Name, weightsPrefix)] = t.Tensor
		case strings.HasPrefix(t.Name, cachePrefix):
			cache[strings.TrimPrefix(t.Name, cachePrefix)] = t.Tensor
		default:
			return fmt.Errorf("unexpected tensor %q in state", t.Name)
		}
	}

	n := c.handle.NumLayers()
	if len(weights) != 2*n {
		return fmt.Errorf("state holds %d weight matrices, network has %d: %w", len(weights), 2*n, core.ErrShapeMismatch)
	}
	for layer := 0; layer < n; layer++ {
		for _, part := range []Part{AttentionPart, MLPPart} {
			name := RegionName(layer, part)
			m, ok := weights[name]
			if !ok {
				return fmt.Errorf("state is missing %s: %w", name, core.ErrShapeMismatch)
			}
			cur, err := readPart(c.handle, layer, part)
			if err != nil {
				return err
			}
			if !m.SameShape(cur) {
				return fmt.Errorf("%s is %dx%d in state, %dx%d in network: %w", name, m.Rows, m.Cols, cur.Rows, cur.Cols, core.ErrShapeMismatch)
			}
		}
	}

	for layer := 0; layer < n; layer++ {
		for _, part := range []Part{AttentionPart, MLPPart} {
			if err := writePart(c.handle, layer, part, weights[RegionName(layer, part)]); err != nil {
				return err
			}
		}
	}
	c.cache = cache
	c.opts = opts
	return nil
}
