package main

import (
	"fmt"
	"io"
	"math/rand"
	goruntime "runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/geometry"
	"github.com/sbl8/superablate/runtime"
	"github.com/sbl8/superablate/superalg"
)

var benchFlags struct {
	test   string
	size   int
	batch  int
	iter   int
	seed   int64
	method string
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time the numeric engines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if benchFlags.size < 2 || benchFlags.size%2 != 0 {
			return fmt.Errorf("size must be even and at least 2, got %d", benchFlags.size)
		}
		if benchFlags.iter < 1 {
			return fmt.Errorf("iterations must be positive, got %d", benchFlags.iter)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Superablate Performance Analysis\n")
		fmt.Fprintf(w, "================================\n")
		fmt.Fprintf(w, "Go Version: %s\n", goruntime.Version())
		fmt.Fprintf(w, "OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
		fmt.Fprintf(w, "CPUs: %d\n", goruntime.NumCPU())
		fmt.Fprintf(w, "Width: %d  Batch: %d  Iterations: %d\n\n", benchFlags.size, benchFlags.batch, benchFlags.iter)

		rng := rand.New(rand.NewSource(benchFlags.seed))
		switch benchFlags.test {
		case "all":
			benchSuper(w, rng)
			if err := benchContour(w, rng); err != nil {
				return err
			}
			return benchGeometry(w, rng)
		case "super":
			benchSuper(w, rng)
			return nil
		case "contour":
			return benchContour(w, rng)
		case "geometry":
			return benchGeometry(w, rng)
		}
		return fmt.Errorf("unknown test type %q", benchFlags.test)
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchFlags.test, "test", "all", "test type: all, super, contour, geometry")
	f.IntVar(&benchFlags.size, "size", 64, "hidden width (even)")
	f.IntVar(&benchFlags.batch, "batch", 32, "activation rows")
	f.IntVar(&benchFlags.iter, "iter", 100, "iterations per measurement")
	f.Int64Var(&benchFlags.seed, "seed", 1, "random seed")
	f.StringVar(&benchFlags.method, "method", string(contour.Trapezoidal), "quadrature rule")
}

func randomMatrix(rng *rand.Rand, rows, cols int) *core.Matrix {
	m := core.NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = rng.Float32()*2 - 1
	}
	return m
}

// timeIt runs fn iter times and reports the mean latency.
func timeIt(w io.Writer, label string, fn func() error) error {
	start := time.Now()
	for i := 0; i < benchFlags.iter; i++ {
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
	}
	elapsed := time.Since(start)
	fmt.Fprintf(w, "%-28s %12v/op\n", label+":", elapsed/time.Duration(benchFlags.iter))
	return nil
}

func benchSuper(w io.Writer, rng *rand.Rand) {
	fmt.Fprintf(w, "Super-Algebra\n-------------\n")
	m := randomMatrix(rng, benchFlags.size, benchFlags.size)
	for _, even := range []bool{true, false} {
		label := "Berezinian (even)"
		if !even {
			label = "Berezinian (odd)"
		}
		_ = timeIt(w, label, func() error {
			_, err := superalg.Berezinian(m, even)
			return err
		})
	}
	fmt.Fprintln(w)
}

func benchContour(w io.Writer, rng *rand.Rand) error {
	fmt.Fprintf(w, "Contour\n-------\n")
	rule, err := contour.ParseQuadrature(benchFlags.method)
	if err != nil {
		return err
	}
	opts := runtime.DefaultOptions()
	opts.Integration = rule
	batch := randomMatrix(rng, benchFlags.batch, benchFlags.size)

	var path *contour.Path
	if err := timeIt(w, "Generate", func() (err error) {
		path, err = contour.Generate(batch, opts.NEigenvectors, opts.Resolution, true)
		return err
	}); err != nil {
		return err
	}
	var weights []float32
	if err := timeIt(w, "BerezinianWeights", func() (err error) {
		weights, err = contour.BerezinianWeights(path.Points, true)
		return err
	}); err != nil {
		return err
	}
	if err := timeIt(w, "WeightedIntegral", func() error {
		_, err := contour.WeightedIntegral(batch, path.Points, weights, path.Tangents, rule)
		return err
	}); err != nil {
		return err
	}
	err = timeIt(w, "Transform", func() error {
		_, err := runtime.Transform(batch, 1, opts)
		return err
	})
	fmt.Fprintln(w)
	return err
}

func benchGeometry(w io.Writer, rng *rand.Rand) error {
	fmt.Fprintf(w, "Geometry\n--------\n")
	field := randomMatrix(rng, benchFlags.batch, benchFlags.size)
	dir := randomMatrix(rng, 1, benchFlags.size).Row(0)

	if err := timeIt(w, "LieDerivative", func() error {
		_, err := geometry.LieDerivative(field, dir, geometry.DefaultEpsilon)
		return err
	}); err != nil {
		return err
	}
	if err := timeIt(w, "HarmonicComponents", func() error {
		_, err := geometry.HarmonicComponents(field, min(4, field.Rows), nil)
		return err
	}); err != nil {
		return err
	}
	err := timeIt(w, "GeometricFlow (10 steps)", func() error {
		target := field.Clone()
		_, err := geometry.FinalState(field, target, 10, 0.01)
		return err
	})
	fmt.Fprintln(w)
	return err
}
