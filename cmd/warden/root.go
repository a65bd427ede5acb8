package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/internal/config"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	stateRoot  string
	logLevel   string
}

// loadConfig resolves the effective configuration: flags > env > file >
// defaults. Any failure here is a configuration error (exit 2).
func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, &exitError{code: exitConfig, err: err}
	}
	if f.stateRoot != "" {
		cfg.StateRoot = f.stateRoot
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, &exitError{code: exitConfig, err: err}
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "MCP server supervising agent CLI sessions with checkpointing",
		Long: `warden supervises concurrent agent CLI child processes, streams their
line-delimited JSON output to an MCP client with backpressure, and keeps
content-addressed checkpoints of project trees.

Running warden with no subcommand serves MCP over stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unknown argument %q", args[0])
			}
			return runServe(cmd, flags, serveFlags{})
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"path to warden.yaml (default: ./warden.yaml, ~/.warden/warden.yaml)")
	root.PersistentFlags().StringVar(&flags.stateRoot, "state-root", "",
		"override the state root directory")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"override the log level (debug|info|warn|error)")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newGCCommand(flags))
	root.AddCommand(newDoctorCommand(flags))
	root.AddCommand(newVersionCommand())
	return root
}
