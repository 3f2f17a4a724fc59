// Package plan parses and runs ablation plans: line-oriented scripts of
// controller operations.
//
// Directives:
//
//	modify <layer> <strength> [attn|mlp|both]
//	unified <strength> [attn|mlp|both] [layer...]
//	contour <direction> <strength> [layer...]
//	berezinian <direction> [attn|mlp|both] [layer...]
//	geometric <direction> <strength> [layer...]
//	enhance <direction> <strength>
//	detect [threshold] [strongest|all]
//	reset
//
// Lines starting with '#' are comments. An iterate block repeats its body
// with a variable bound to every integer of an inclusive range:
//
//	iterate L 1 3 {
//	    modify L 0.5 attn
//	}
//
// Directions are referenced by key and resolved against the Directions
// passed to Execute.
package plan

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Op is a plan directive.
type Op string

const (
	OpModify     Op = "modify"
	OpUnified    Op = "unified"
	OpContour    Op = "contour"
	OpBerezinian Op = "berezinian"
	OpGeometric  Op = "geometric"
	OpEnhance    Op = "enhance"
	OpDetect     Op = "detect"
	OpReset      Op = "reset"
)

// Step is one parsed directive.
type Step struct {
	Op        Op
	Line      int // 1-based source line
	Layers    []int
	Strength  float32
	Threshold float32
	Direction string
	Mode      string // contour detection mode; empty selects transform scoring
	Attention bool
	MLP       bool
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step
}

// ParseFile reads and parses a plan file.
func ParseFile(path string) (*Plan, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src)
}

// Parse parses plan source. Iterate blocks are expanded in place.
func Parse(src []byte) (*Plan, error) {
	lines := strings.Split(string(src), "\n")
	p := &parser{}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var err error
		i, err = p.parseLine(lines, i)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return &Plan{Steps: p.steps}, nil
}

type parser struct {
	steps []Step
}

// parseLine processes a single line and returns the index of the last line
// it consumed.
func (p *parser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(lines[idx])
	if fields[0] == "iterate" {
		return p.parseIterateBlock(lines, idx, fields)
	}
	return idx, p.parseDirective(fields, idx+1)
}

func (p *parser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, fmt.Errorf("invalid iterate header: %s", strings.Join(fields, " "))
	}
	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}

	blockStart := idx
	if fields[len(fields)-1] != "{" {
		blockStart++
		for blockStart < len(lines) && strings.TrimSpace(lines[blockStart]) == "" {
			blockStart++
		}
		if blockStart >= len(lines) || strings.TrimSpace(lines[blockStart]) != "{" {
			return idx, fmt.Errorf("missing '{' after iterate")
		}
	}

	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}
	for v := start; v <= end; v++ {
		for _, b := range block {
			expanded := expandVariable(b.text, varName, v)
			if err := p.parseDirective(strings.Fields(expanded), b.line); err != nil {
				return idx, fmt.Errorf("iterate %s=%d: %w", varName, v, err)
			}
		}
	}
	return blockEnd, nil
}

func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate start %q: %v", fields[2], err)
	}
	end, err = strconv.Atoi(fields[3])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid iterate end %q: %v", fields[3], err)
	}
	if end < start {
		return "", 0, 0, fmt.Errorf("iterate range %d..%d is empty", start, end)
	}
	return varName, start, end, nil
}

type blockLine struct {
	text string
	line int
}

// collectBlockLines gathers the lines between the brace at startIdx and
// the matching "}".
func collectBlockLines(lines []string, startIdx int) ([]blockLine, int, error) {
	var block []blockLine
	for i := startIdx + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "}" {
			return block, i, nil
		}
		if strings.HasPrefix(line, "iterate") {
			return nil, i, fmt.Errorf("nested iterate blocks are not supported")
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			block = append(block, blockLine{text: line, line: i + 1})
		}
	}
	return nil, len(lines), fmt.Errorf("unterminated iterate block")
}

// expandVariable replaces every whole-field occurrence of varName.
func expandVariable(line, varName string, value int) string {
	fields := strings.Fields(line)
	for i, field := range fields {
		if field == varName {
			fields[i] = strconv.Itoa(value)
		}
	}
	return strings.Join(fields, " ")
}

func (p *parser) parseDirective(fields []string, line int) error {
	step := Step{Op: Op(fields[0]), Line: line, Attention: true, MLP: true}
	args := fields[1:]
	var err error

	switch step.Op {
	case OpModify:
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: modify <layer> <strength> [attn|mlp|both]")
		}
		layer, err := parseLayer(args[0])
		if err != nil {
			return err
		}
		step.Layers = []int{layer}
		if step.Strength, err = parseFloat(args[1]); err != nil {
			return err
		}
		if len(args) == 3 {
			if step.Attention, step.MLP, err = parseParts(args[2]); err != nil {
				return err
			}
		}
	case OpUnified:
		if len(args) < 1 {
			return fmt.Errorf("usage: unified <strength> [attn|mlp|both] [layer...]")
		}
		if step.Strength, err = parseFloat(args[0]); err != nil {
			return err
		}
		args = args[1:]
		if len(args) > 0 {
			if a, m, perr := parseParts(args[0]); perr == nil {
				step.Attention, step.MLP = a, m
				args = args[1:]
			}
		}
		if step.Layers, err = parseLayers(args); err != nil {
			return err
		}
	case OpContour, OpGeometric:
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <direction> <strength> [layer...]", step.Op)
		}
		step.Direction = args[0]
		if step.Strength, err = parseFloat(args[1]); err != nil {
			return err
		}
		if step.Layers, err = parseLayers(args[2:]); err != nil {
			return err
		}
	case OpBerezinian:
		if len(args) < 1 {
			return fmt.Errorf("usage: berezinian <direction> [attn|mlp|both] [layer...]")
		}
		step.Direction = args[0]
		args = args[1:]
		if len(args) > 0 {
			if a, m, perr := parseParts(args[0]); perr == nil {
				step.Attention, step.MLP = a, m
				args = args[1:]
			}
		}
		if step.Layers, err = parseLayers(args); err != nil {
			return err
		}
	case OpEnhance:
		if len(args) != 2 {
			return fmt.Errorf("usage: enhance <direction> <strength>")
		}
		step.Direction = args[0]
		if step.Strength, err = parseFloat(args[1]); err != nil {
			return err
		}
	case OpDetect:
		if len(args) > 2 {
			return fmt.Errorf("usage: detect [threshold] [strongest|all]")
		}
		if len(args) > 0 {
			if v, perr := parseFloat(args[0]); perr == nil {
				step.Threshold = v
				args = args[1:]
			}
		}
		if len(args) == 1 {
			if args[0] != "strongest" && args[0] != "all" {
				return fmt.Errorf("invalid detection mode %q", args[0])
			}
			step.Mode = args[0]
		} else if len(args) > 1 {
			return fmt.Errorf("usage: detect [threshold] [strongest|all]")
		}
	case OpReset:
		if len(args) != 0 {
			return fmt.Errorf("reset takes no arguments")
		}
	default:
		return fmt.Errorf("unknown directive: %s", fields[0])
	}

	p.steps = append(p.steps, step)
	return nil
}

func parseLayer(s string) (int, error) {
	layer, err := strconv.Atoi(s)
	if err != nil || layer < 0 {
		return 0, fmt.Errorf("invalid layer %q", s)
	}
	return layer, nil
}

// parseLayers returns nil for an empty list, selecting the operation's
// default layers.
func parseLayers(fields []string) ([]int, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	layers := make([]int, len(fields))
	for i, f := range fields {
		layer, err := parseLayer(f)
		if err != nil {
			return nil, err
		}
		layers[i] = layer
	}
	return layers, nil
}

func parseFloat(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s, err)
	}
	return float32(v), nil
}

func parseParts(s string) (attn, mlp bool, err error) {
	switch s {
	case "attn":
		return true, false, nil
	case "mlp":
		return false, true, nil
	case "both":
		return true, true, nil
	}
	return false, false, fmt.Errorf("invalid part %q", s)
}
