package main

import (
	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/logging"
	"github.com/sbl8/superablate/plan"
	"github.com/sbl8/superablate/runtime"
)

var runFlags struct {
	activations string
	directions  string
	out         string
}

var runCmd = &cobra.Command{
	Use:   "run <plan> <model>",
	Short: "Execute an ablation plan against a model file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.LoggerConfig("ablate"))

		p, err := plan.ParseFile(args[0])
		if err != nil {
			return err
		}
		m, err := openModel(args[1], 0, 0, 0)
		if err != nil {
			return err
		}
		controller, err := runtime.NewController(m, cfg.Options())
		if err != nil {
			return err
		}

		var dirs runtime.Directions
		if runFlags.directions != "" {
			if err := readJSON(runFlags.directions, &dirs); err != nil {
				return err
			}
		}
		if runFlags.activations != "" {
			acts, err := readActivations(runFlags.activations)
			if err != nil {
				return err
			}
			for key, batch := range acts {
				if err := controller.CacheActivation(key, batch); err != nil {
					return err
				}
			}
		}

		results, err := p.Execute(cmd.Context(), controller, dirs)
		if err != nil {
			return err
		}
		logger.Info("plan executed", "steps", len(results), "edits", controller.Stats().Edits)

		out := runFlags.out
		if out == "" {
			out = args[1]
		}
		if err := m.Save(out); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), results)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.activations, "activations", "", "JSON file of cached activations keyed by layer_<n>")
	f.StringVar(&runFlags.directions, "directions", "", `JSON list of {"key": ..., "vector": [...]} directions`)
	f.StringVar(&runFlags.out, "out", "", "output model file (defaults to overwriting the input)")
}
