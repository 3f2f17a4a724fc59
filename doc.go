// Package superablate edits the output projections of transformer layers to
// suppress or amplify a direction in activation space.
//
// The numeric core is split across small packages:
//
//   - core: row-major float32 matrices, sentinel errors, tensor codec
//   - kernels: vector and matrix kernels plus the gonum bridge
//   - superalg: Berezinian of block supermatrices
//   - contour: principal-axis contours, Berezinian weights, quadrature
//   - geometry: Lie derivative, parallel transport, harmonics, geometric flow
//   - runtime: the controller that applies transforms to layer weights
//
// Around it sit the model file format (model), ablation plans (plan),
// configuration (config), logging, metrics and tracing (observability),
// state storage (store), the HTTP API (server) and the ablate command.
//
// # Basic Usage
//
//	m := model.NewRandom(4, 64, 1)
//	c, err := runtime.NewController(m, runtime.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.CacheActivation(runtime.LayerKey(2), batch); err != nil {
//	    log.Fatal(err)
//	}
//	edits, err := c.ApplyUnifiedModification([]int{2}, 0.5, true, true)
//
// From the command line:
//
//	ablate random-model net.abm --layers 4 --hidden 64
//	ablate modify net.abm --activations acts.json --strength 0.5
//	ablate serve --model net.abm --addr :8080
package superablate
