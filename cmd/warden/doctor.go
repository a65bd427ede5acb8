package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"warden/internal/locator"
)

func newDoctorCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run the agent CLI discovery chain and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			loc, err := locator.New(locator.Options{
				BinaryName:      cfg.Locator.BinaryName,
				Override:        cfg.Locator.Override,
				MinVersion:      cfg.Locator.MinVersion,
				ProbeTimeout:    cfg.Locator.ProbeTimeout,
				TTL:             cfg.Locator.TTL,
				ManagerGlobs:    cfg.Locator.ManagerGlobs,
				InstallPrefixes: cfg.Locator.InstallPrefixes,
				CachePath:       filepath.Join(cfg.RegistryDir(), "binaries.db"),
			})
			if err != nil {
				return err
			}
			defer loc.Close()

			rec, err := loc.Resolve(cmd.Context(), true)
			if err != nil {
				color.Red("no usable %s binary found", cfg.Locator.BinaryName)
				return &exitError{code: exitNoBinary, err: err}
			}

			color.Green("found %s", cfg.Locator.BinaryName)
			fmt.Printf("  path:       %s\n", rec.Path)
			fmt.Printf("  version:    %s\n", rec.Version)
			fmt.Printf("  method:     %s\n", rec.Method)
			fmt.Printf("  discovered: %s\n", rec.DiscoveredAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	return cmd
}
