package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/superablate/model"
	"github.com/sbl8/superablate/runtime"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBerezinianCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`[[2,0],[0,1]]`), 0o644))

	out, err := execute(t, "berezinian", path)
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))

	_, err = execute(t, "berezinian", "--structure", "even", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRandomModelAndModify(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "net.abm")
	_, err := execute(t, "random-model", modelPath, "--layers", "2", "--hidden", "4", "--seed", "3")
	require.NoError(t, err)

	acts := map[string][][]float32{
		"layer_0": {{1, 0, 2, 1}, {0, 1, 1, 3}, {2, 2, 0, 1}, {1, 3, 1, 0}},
		"layer_1": {{0, 1, 0, 2}, {1, 1, 2, 0}, {3, 0, 1, 1}, {2, 1, 0, 1}},
	}
	data, err := json.Marshal(acts)
	require.NoError(t, err)
	actsPath := filepath.Join(dir, "acts.json")
	require.NoError(t, os.WriteFile(actsPath, data, 0o644))

	outPath := filepath.Join(dir, "out.abm")
	out, err := execute(t, "modify", modelPath, "--activations", actsPath, "--out", outPath, "--strength", "0.5", "--mlp=false")
	require.NoError(t, err)

	var edits []runtime.Edit
	require.NoError(t, json.Unmarshal([]byte(out), &edits))
	assert.Len(t, edits, 2)

	before, err := model.Load(modelPath)
	require.NoError(t, err)
	after, err := model.Load(outPath)
	require.NoError(t, err)
	assert.False(t, after.Blocks[0].AttnOut.Equal(before.Blocks[0].AttnOut, 0))
	assert.True(t, after.Blocks[0].MLPOut.Equal(before.Blocks[0].MLPOut, 0))

	out, err = execute(t, "detect", actsPath, "--threshold", "0.5")
	require.NoError(t, err)
	var scores map[string][]float32
	require.NoError(t, json.Unmarshal([]byte(out), &scores))
	assert.Len(t, scores["layer_1"], 4)

	t.Cleanup(func() { detectFlags.mode = "" })
	out, err = execute(t, "detect", actsPath, "--mode", "strongest")
	require.NoError(t, err)
	scores = nil
	require.NoError(t, json.Unmarshal([]byte(out), &scores))
	assert.Len(t, scores["layer_0"], 4)

	_, err = execute(t, "detect", actsPath, "--mode", "loudest")
	assert.Error(t, err)
}

func TestBenchRejectsOddWidth(t *testing.T) {
	_, err := execute(t, "bench", "--size", "3")
	assert.Error(t, err)
}

func TestRunPlan(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "net.abm")
	require.NoError(t, model.NewRandom(2, 4, 5).Save(modelPath))

	planPath := filepath.Join(dir, "ablate.plan")
	require.NoError(t, os.WriteFile(planPath, []byte("iterate L 0 1 {\n  modify L 0.5 attn\n}\nberezinian refusal\n"), 0o644))
	dirsPath := filepath.Join(dir, "dirs.json")
	require.NoError(t, os.WriteFile(dirsPath, []byte(`[{"key":"refusal","vector":[1,0,0,0]}]`), 0o644))

	out, err := execute(t, "run", planPath, modelPath, "--directions", dirsPath, "--out", filepath.Join(dir, "out.abm"))
	require.NoError(t, err)
	assert.Contains(t, out, `"op": "berezinian"`)

	runFlags.directions = ""
	_, err = execute(t, "run", planPath, modelPath)
	assert.Error(t, err, "unknown direction without --directions")
}
