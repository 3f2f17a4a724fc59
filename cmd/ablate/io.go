package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/model"
)

// readJSON decodes path into v. "-" reads stdin.
func readJSON(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readMatrix(path string) (*core.Matrix, error) {
	var rows [][]float32
	if err := readJSON(path, &rows); err != nil {
		return nil, err
	}
	return core.FromRows(rows)
}

// readActivations decodes {"layer_0": [[...], ...], ...}.
func readActivations(path string) (map[string]*core.Matrix, error) {
	var raw map[string][][]float32
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]*core.Matrix, len(raw))
	for key, rows := range raw {
		m, err := core.FromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = m
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openModel loads path, or builds a random model when path is empty.
func openModel(path string, layers, hidden int, seed int64) (*model.Model, error) {
	if path == "" {
		return model.NewRandom(layers, hidden, seed), nil
	}
	return model.Load(path)
}
