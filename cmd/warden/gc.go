package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"warden/internal/checkpoint"
	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/store"
)

func newGCCommand(root *rootFlags) *cobra.Command {
	var (
		dryRun bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect unreferenced checkpoints and content-store blobs",
		Long: `gc runs an offline mark-and-sweep against the state root: checkpoints
unreachable from any ref are removed, then blobs no live checkpoint holds.
Do not run it while a warden server uses the same state root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if !dryRun && !yes {
				ok, promptErr := confirmGC(cfg.StateRoot)
				if promptErr != nil || !ok {
					fmt.Println("aborted")
					return nil
				}
			}
			return runGC(cmd, cfg, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// confirmGC asks before a destructive sweep. Non-interactive stdin counts
// as a refusal so scripted callers must pass --yes explicitly.
func confirmGC(stateRoot string) (bool, error) {
	if !logging.IsTerminal(os.Stdin) {
		return false, fmt.Errorf("stdin is not a terminal; pass --yes to proceed")
	}
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("Sweep unreferenced data under %s", stateRoot),
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		return false, nil
	}
	return true, nil
}

func runGC(cmd *cobra.Command, cfg config.Config, dryRun bool) error {
	st, err := store.Open(cfg.ContentStoreDir(), store.Options{
		ZstdLevel: cfg.Store.ZstdLevel,
		TempGrace: cfg.Store.TempGrace,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	cm, err := checkpoint.NewManager(checkpoint.Options{
		Dir:   cfg.CheckpointsDir(),
		Store: st,
	})
	if err != nil {
		return err
	}

	report, err := cm.GC(cmd.Context(), dryRun)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold).SprintFunc()
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %s checkpoints, %s blobs, %s bytes\n",
		verb,
		bold(report.ManifestsRemoved),
		bold(report.Store.BlobsRemoved),
		bold(report.Store.BytesFreed))
	if report.PendingRemoved > 0 {
		fmt.Printf("cleared %d stale pending manifests\n", report.PendingRemoved)
	}
	return nil
}
