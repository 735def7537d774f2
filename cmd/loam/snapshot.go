package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/diffsnap"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture and compare named project snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Capture the current model files and table signatures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		models, err := a.discover()
		if err != nil {
			return err
		}
		s := diffsnap.NewSnapshotter(a.db, a.store, a.log)
		if err := s.Create(cmd.Context(), args[0], a.cfg.TransformRoot, models); err != nil {
			return err
		}
		fmt.Printf("snapshot %q saved\n", args[0])
		return nil
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff <name>",
	Short: "Show what diverged from a stored snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		models, err := a.discover()
		if err != nil {
			return err
		}
		s := diffsnap.NewSnapshotter(a.db, a.store, a.log)
		delta, ok, err := s.Compare(cmd.Context(), args[0], a.cfg.TransformRoot, models)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no snapshot named %q", args[0])
		}
		if jsonOutput {
			return emitJSON(delta)
		}
		printSection := func(label string, items []string) {
			if len(items) > 0 {
				fmt.Printf("%s: %s\n", label, strings.Join(items, ", "))
			}
		}
		printSection("files added", delta.FilesAdded)
		printSection("files removed", delta.FilesRemoved)
		printSection("files changed", delta.FilesChanged)
		printSection("tables changed", delta.TablesChanged)
		if len(delta.FilesAdded)+len(delta.FilesRemoved)+len(delta.FilesChanged)+len(delta.TablesChanged) == 0 {
			fmt.Println("no changes since snapshot")
		}
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
	rootCmd.AddCommand(snapshotCmd)
}
