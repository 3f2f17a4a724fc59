package model

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sbl8/superablate/core"
)

func TestNewRandomIsDeterministic(t *testing.T) {
	t.Parallel()
	a := NewRandom(2, 4, 42)
	b := NewRandom(2, 4, 42)
	c := NewRandom(2, 4, 43)

	if !a.Blocks[1].MLPOut.Equal(b.Blocks[1].MLPOut, 0) {
		t.Error("same seed produced different weights")
	}
	if a.Blocks[1].MLPOut.Equal(c.Blocks[1].MLPOut, 0) {
		t.Error("different seeds produced identical weights")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLayerAccessCopies(t *testing.T) {
	t.Parallel()
	m := NewRandom(1, 2, 1)

	w, err := m.AttentionOutput(0)
	if err != nil {
		t.Fatalf("AttentionOutput failed: %v", err)
	}
	w.Data[0] = 99
	if m.Blocks[0].AttnOut.Data[0] == 99 {
		t.Error("AttentionOutput aliases stored weights")
	}

	if err := m.SetMLPOutput(0, core.Identity(2)); err != nil {
		t.Fatalf("SetMLPOutput failed: %v", err)
	}
	got, _ := m.MLPOutput(0)
	if !got.Equal(core.Identity(2), 0) {
		t.Errorf("MLPOutput = %v, want identity", got.ToRows())
	}
}

func TestLayerAccessErrors(t *testing.T) {
	t.Parallel()
	m := New(2, 3)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"read out of range", func() error { _, err := m.AttentionOutput(2); return err }(), core.ErrConfiguration},
		{"negative layer", func() error { _, err := m.MLPOutput(-1); return err }(), core.ErrConfiguration},
		{"wrong shape", m.SetAttentionOutput(0, core.Identity(2)), core.ErrShapeMismatch},
		{"bad backing", m.SetMLPOutput(0, &core.Matrix{Rows: 3, Cols: 3}), core.ErrShapeMismatch},
		{"write out of range", m.SetMLPOutput(5, core.Identity(3)), core.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, tt.err)
			}
		})
	}
}

func TestModelSerialization(t *testing.T) {
	t.Parallel()
	m := NewRandom(3, 4, 7)

	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if got.Hidden != 4 || len(got.Blocks) != 3 {
		t.Fatalf("got %d layers of width %d", len(got.Blocks), got.Hidden)
	}
	for i := range m.Blocks {
		if !got.Blocks[i].AttnOut.Equal(m.Blocks[i].AttnOut, 0) || !got.Blocks[i].MLPOut.Equal(m.Blocks[i].MLPOut, 0) {
			t.Errorf("layer %d differs after round trip", i)
		}
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("WriteTo output differs from Serialize")
	}
}

func TestDeserializeRejectsBadInput(t *testing.T) {
	t.Parallel()
	data, _ := NewRandom(1, 2, 1).Serialize()

	if _, err := Deserialize(data[:len(data)-4]); err == nil {
		t.Error("expected truncation error")
	}
	bad := append([]byte(nil), data...)
	bad[0] ^= 0xFF
	if _, err := Deserialize(bad); err == nil {
		t.Error("expected magic number error")
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "net.abm")
	m := NewRandom(2, 2, 5)
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Blocks[1].AttnOut.Equal(m.Blocks[1].AttnOut, 0) {
		t.Error("loaded model differs")
	}
}
