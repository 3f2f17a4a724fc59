package main

import (
	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/runtime"
)

var detectFlags struct {
	model     string
	threshold float32
	mode      string
	layers    int
	hidden    int
}

var detectCmd = &cobra.Command{
	Use:   "detect <activations.json|->",
	Short: "Score activation rows by transform displacement or contour integrals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		acts, err := readActivations(args[0])
		if err != nil {
			return err
		}
		m, err := openModel(detectFlags.model, detectFlags.layers, detectFlags.hidden, 1)
		if err != nil {
			return err
		}
		controller, err := runtime.NewController(m, cfg.Options())
		if err != nil {
			return err
		}
		var scores map[string][]float32
		if detectFlags.mode == "" {
			scores, err = controller.DetectPatterns(acts, detectFlags.threshold)
		} else {
			mode, perr := runtime.ParseDetectionMode(detectFlags.mode)
			if perr != nil {
				return perr
			}
			scores, err = controller.DetectContourPatterns(acts, detectFlags.threshold, mode)
		}
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), scores)
	},
}

func init() {
	f := detectCmd.Flags()
	f.StringVar(&detectFlags.model, "model", "", "model file (scores do not depend on weights; a 1-layer stub is used when empty)")
	f.Float32Var(&detectFlags.threshold, "threshold", 0, "gate multiplier (0 uses detection.preserve_threshold, or 0.5 in contour mode)")
	f.StringVar(&detectFlags.mode, "mode", "", "contour detection mode: strongest or all (empty scores transform displacement)")
	f.IntVar(&detectFlags.layers, "layers", 1, "layers of the stub model")
	f.IntVar(&detectFlags.hidden, "hidden", 2, "hidden width of the stub model")
}
