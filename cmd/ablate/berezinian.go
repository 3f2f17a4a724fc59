package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/runtime"
	"github.com/sbl8/superablate/superalg"
)

var berezinianStructure string

var berezinianCmd = &cobra.Command{
	Use:   "berezinian <matrix.json|->",
	Short: "Evaluate the Berezinian of a JSON supermatrix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := readMatrix(args[0])
		if err != nil {
			return err
		}
		v, err := superalg.Berezinian(m, berezinianStructure != runtime.OddStructure)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%g\n", v)
		return nil
	},
}

func init() {
	berezinianCmd.Flags().StringVar(&berezinianStructure, "structure", runtime.EvenStructure, "super structure: even or odd")
}
