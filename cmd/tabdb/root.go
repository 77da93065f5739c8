package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andreyvit/tabdb"
	"github.com/andreyvit/tabdb/internal/config"
	"github.com/andreyvit/tabdb/internal/logger"
)

// app carries the settings shared by all subcommands.
type app struct {
	stdout, stderr io.Writer

	envFile string
	verbose bool
	engine  string

	cfg    config.Config
	log    *slog.Logger
	closer func() error
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, closer: func() error { return nil }}
	rc := &cobra.Command{
		Use:          "tabdb",
		Short:        "tabdb - manage schema-driven tabular stores",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.closer()
		},
	}
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	a.addFlags(rc.PersistentFlags())

	rc.AddCommand(newEnsureCommand(a))
	rc.AddCommand(newDumpCommand(a))
	rc.AddCommand(newTablesCommand(a))
	rc.AddCommand(newCheckCommand(a))
	return rc
}

func (a *app) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&a.envFile, "env-file", "", "read settings from this file instead of .env")
	fs.StringVar(&a.engine, "engine", "", "storage engine (bolt, sqlite, memory), overrides TABDB_ENGINE")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "log every database operation")
}

func (a *app) setup(cmd *cobra.Command) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	if a.engine != "" {
		cfg.Engine = a.engine
	}
	if a.verbose {
		cfg.Verbose = true
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.log, a.closer = logger.New(logger.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: a.stderr,
	})
	return nil
}

func (a *app) options() tabdb.Options {
	opt := a.cfg.Options()
	opt.Logger = a.log
	return opt
}
