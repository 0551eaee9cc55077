package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/fractal/catalog"
	"github.com/leftmike/fractal/env"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/shell"
)

var (
	dataDir     = "testdata"
	catalogKind = catalog.BBolt
	topts       = env.DefaultTreeOptions()
	compression = topts.CompressionMethod.String()
)

func initEnvFlags(fs *pflag.FlagSet) {
	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing dictionaries")
	configVar(fs, "data")

	fs.StringVar(&catalogKind, "catalog", catalogKind,
		"catalog store: btree, bbolt, badger, or pebble")
	configVar(fs, "catalog")

	fs.Uint32Var(&topts.NodeSize, "nodesize", topts.NodeSize,
		"target size in bytes of new nodes")
	configVar(fs, "nodesize")

	fs.Uint32Var(&topts.BasementNodeSize, "basementnodesize", topts.BasementNodeSize,
		"target size in bytes of new basement nodes")
	configVar(fs, "basementnodesize")

	fs.Uint32Var(&topts.Fanout, "fanout", topts.Fanout, "children per internal node")
	configVar(fs, "fanout")

	fs.StringVar(&compression, "compression", compression,
		"compression of new nodes: none, snappy, or zlib")
	configVar(fs, "compression")
}

func openEnv() (*env.Env, error) {
	cm, err := fttypes.ParseCompressionMethod(compression)
	if err != nil {
		return nil, fmt.Errorf("fractal: %s", err)
	}
	topts.CompressionMethod = cm

	e, err := env.Open(env.Options{
		Dir:     dataDir,
		Catalog: catalogKind,
		Flags:   flgs,
		Logger:  log.StandardLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("fractal: %s", err)
	}
	return e, nil
}

// withShell runs fn with a shell on the env; the env is closed, which checkpoints any
// changes, after fn returns.
func withShell(fn func(sh *shell.Shell) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	sh := shell.New(e, topts)

	err = fn(sh)
	sh.Close()
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}

func shellCommand(use, short string, args cobra.PositionalArgs) *cobra.Command {
	name := strings.Fields(use)[0]
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShell(func(sh *shell.Shell) error {
				return sh.Exec(strings.Join(append([]string{name}, args...), " "), os.Stdout)
			})
		},
	}
}

func init() {
	fractalCmd.AddCommand(
		shellCommand("create <dict>", "Create a dictionary", cobra.ExactArgs(1)),
		shellCommand("insert <dict> <key> <value>", "Insert a key and value",
			cobra.ExactArgs(3)),
		shellCommand("delete <dict> <key>", "Delete a key", cobra.ExactArgs(2)),
		shellCommand("get <dict> <key>", "Print the value of a key", cobra.ExactArgs(2)),
		shellCommand("load <dict> <count>", "Replace a dictionary with count generated rows",
			cobra.ExactArgs(2)),
		shellCommand("checkpoint", "Take a checkpoint", cobra.NoArgs),
		shellCommand("verify <dict>", "Verify a dictionary", cobra.ExactArgs(1)),
		shellCommand("garbage <dict>", "Report the garbage in the leaves of a dictionary",
			cobra.ExactArgs(1)),
		shellCommand("header <dict>", "Print the header of a dictionary", cobra.ExactArgs(1)),
		shellCommand("stat <dict>", "Print the statistics of a dictionary",
			cobra.ExactArgs(1)),
		shellCommand("list", "List the dictionaries", cobra.NoArgs),
		shellCommand("logdump", "Print the log", cobra.NoArgs),
		shellCommand("redirect <dict> [abort]",
			"Redirect a dictionary to a new, empty file; abort reverses the redirect",
			cobra.RangeArgs(1, 2)),
		shellCommand("remove <dict>", "Remove a dictionary", cobra.ExactArgs(1)),
	)
}
