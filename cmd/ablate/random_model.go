package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/model"
)

var randomFlags struct {
	layers int
	hidden int
	seed   int64
}

var randomModelCmd = &cobra.Command{
	Use:   "random-model <out>",
	Short: "Write a model with random N(0, 1/hidden) weights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := model.NewRandom(randomFlags.layers, randomFlags.hidden, randomFlags.seed)
		if err := m.Save(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d layers of width %d to %s\n", randomFlags.layers, randomFlags.hidden, args[0])
		return nil
	},
}

func init() {
	f := randomModelCmd.Flags()
	f.IntVar(&randomFlags.layers, "layers", 4, "number of layers")
	f.IntVar(&randomFlags.hidden, "hidden", 64, "hidden width (even)")
	f.Int64Var(&randomFlags.seed, "seed", 1, "random seed")
}
