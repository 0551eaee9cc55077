package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const (
	version = "0.1.0"
)

func init() {
	fractalCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Fractal",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("fractal version %s\n", version)
			},
		})
}
