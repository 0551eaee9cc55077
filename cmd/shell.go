package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/leftmike/fractal/shell"
)

var (
	shellCmd = &cobra.Command{
		Use:   "shell [file ...]",
		Short: "Run commands from files or an interactive console",
		RunE:  shellRun,
	}
)

func init() {
	fractalCmd.AddCommand(shellCmd)
}

func shellRun(cmd *cobra.Command, args []string) error {
	return withShell(func(sh *shell.Shell) error {
		if len(args) == 0 {
			return sh.Interact(os.Stdout)
		}

		for _, arg := range args {
			f, err := os.Open(arg)
			if err != nil {
				return err
			}
			err = sh.Run(f, os.Stdout)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}
