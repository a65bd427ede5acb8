package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/faults"
)

type serveFlags struct {
	requireBinary bool
}

func newServeCommand(root *rootFlags) *cobra.Command {
	flags := serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio (the default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.requireBinary, "require-binary", false,
		"probe the agent CLI at boot and exit 3 when none is found")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootFlags, flags serveFlags) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	// Stdout belongs to the MCP transport; the console mirror goes to
	// stderr so log lines never corrupt protocol frames.
	a, err := app.Build(cfg, version, os.Stderr)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.requireBinary {
		if _, err := a.Locator.Resolve(ctx, false); err != nil {
			_ = a.Close(context.Background())
			if faults.KindOf(err) == faults.KindNotFound {
				return &exitError{code: exitNoBinary, err: err}
			}
			return err
		}
	}

	runErr := a.Run(ctx)
	stop()
	if closeErr := a.Close(context.Background()); runErr == nil {
		runErr = closeErr
	}
	return runErr
}
