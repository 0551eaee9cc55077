package cmd

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"

	"github.com/hashicorp/hcl"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/fractal/flags"
)

var (
	fractalCmd = &cobra.Command{
		Use:   "fractal",
		Short: "A fractal tree dictionary tool",
		Long: "Fractal creates, loads, checkpoints, and verifies fractal tree dictionaries " +
			"kept in a data directory.",
		PersistentPreRunE: fractalPreRun,
		PersistentPostRun: fractalPostRun,
		SilenceUsage:      true,
	}

	logFile   = "fractal.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "fractal.hcl"
	noConfig   = false

	// cfgVars are the command line flags which may also be set in the config file.
	cfgVars   = map[string]*pflag.Flag{}
	flgs      = flags.Default()
	usedFlags = map[string]struct{}{}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := fractalCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	configVar(fs, "log-file")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	configVar(fs, "log-level")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	initEnvFlags(fs)
}

func configVar(fs *pflag.FlagSet, name string) {
	flg := fs.Lookup(name)
	if flg == nil {
		panic(fmt.Sprintf("cmd: flag %s not defined", name))
	}
	cfgVars[name] = flg
}

func Execute() error {
	return fractalCmd.Execute()
}

func fractalPreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			usedFlags[flg.Name] = struct{}{}
		})

	loaded := false
	if configFile != "" && !noConfig {
		cfg, err := readConfig(configFile)
		if err == nil {
			err = applyConfig(cfg)
			if err != nil {
				return fmt.Errorf("fractal: %s: %s", configFile, err)
			}
			loaded = true
		} else if !os.IsNotExist(err) || flagUsed("config-file") {
			// Only the default config file is optional.
			return fmt.Errorf("fractal: %s", err)
		}
	}

	err := setupLogging()
	if err != nil {
		return fmt.Errorf("fractal: %s", err)
	}

	fields := log.Fields{
		"pid":     os.Getpid(),
		"command": cmd.Name(),
	}
	if loaded {
		fields["config"] = configFile
	}
	log.WithFields(fields).Info("fractal starting")
	return nil
}

func setupLogging() error {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return err
	}

	if !logStderr && logFile != "" {
		w, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		logWriter = w
		log.SetOutput(w)
	}
	log.SetLevel(ll)
	return nil
}

func fractalPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("fractal done")

	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

func flagUsed(name string) bool {
	_, ok := usedFlags[name]
	return ok
}

func readConfig(fname string) (map[string]interface{}, error) {
	b, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	var cfg map[string]interface{}
	err = hcl.Decode(&cfg, string(b))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyConfig sets the command line flags named in cfg, unless they were given on the
// command line, and the environment flags named in cfg. Names are applied in order, and
// the first bad one stops the rest.
func applyConfig(cfg map[string]interface{}) error {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val := cfg[name]
		if flg, ok := cfgVars[name]; ok {
			if flagUsed(flg.Name) {
				continue
			}
			err := setConfigVar(flg, val)
			if err != nil {
				return fmt.Errorf("%s: %s", name, err)
			}
		} else if f, ok := flags.LookupFlag(name); ok {
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("%s: expected boolean value; got %v", name, val)
			}
			flgs.SetFlag(f, b)
		} else {
			return fmt.Errorf("%s is not a config variable", name)
		}
	}

	return nil
}

// setConfigVar leaves flg unchanged if val does not parse; pflag would otherwise store
// the zero value.
func setConfigVar(flg *pflag.Flag, val interface{}) error {
	prev := flg.Value.String()
	err := flg.Value.Set(fmt.Sprintf("%v", val))
	if err != nil {
		flg.Value.Set(prev)
		return err
	}
	return nil
}
