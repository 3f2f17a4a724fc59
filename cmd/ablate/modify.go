package main

import (
	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/logging"
	"github.com/sbl8/superablate/runtime"
)

var modifyFlags struct {
	activations string
	out         string
	strength    float32
	layers      []int
	attention   bool
	mlp         bool
}

var modifyCmd = &cobra.Command{
	Use:   "modify <model>",
	Short: "Apply the unified transform to layers using cached activations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.LoggerConfig("ablate"))

		m, err := openModel(args[0], 0, 0, 0)
		if err != nil {
			return err
		}
		controller, err := runtime.NewController(m, cfg.Options())
		if err != nil {
			return err
		}
		acts, err := readActivations(modifyFlags.activations)
		if err != nil {
			return err
		}
		for key, batch := range acts {
			if err := controller.CacheActivation(key, batch); err != nil {
				return err
			}
		}

		var layers []int
		if cmd.Flags().Changed("layers") {
			layers = modifyFlags.layers
		}
		edits, err := controller.ApplyUnifiedModification(layers, modifyFlags.strength, modifyFlags.attention, modifyFlags.mlp)
		if err != nil {
			return err
		}
		for _, e := range edits {
			logger.Info("layer modified", "layer", e.Layer, "attention_delta", e.AttentionDelta, "mlp_delta", e.MLPDelta)
		}

		out := modifyFlags.out
		if out == "" {
			out = args[0]
		}
		if err := m.Save(out); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), edits)
	},
}

func init() {
	f := modifyCmd.Flags()
	f.StringVar(&modifyFlags.activations, "activations", "", "JSON file of cached activations keyed by layer_<n>")
	f.StringVar(&modifyFlags.out, "out", "", "output model file (defaults to overwriting the input)")
	f.Float32Var(&modifyFlags.strength, "strength", 1, "transform strength")
	f.IntSliceVar(&modifyFlags.layers, "layers", nil, "layers to modify (default all)")
	f.BoolVar(&modifyFlags.attention, "attention", true, "modify attention output projections")
	f.BoolVar(&modifyFlags.mlp, "mlp", true, "modify feed-forward output projections")
	_ = modifyCmd.MarkFlagRequired("activations")
}
