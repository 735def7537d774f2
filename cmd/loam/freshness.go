package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/profile"
)

var freshnessCmd = &cobra.Command{
	Use:   "freshness",
	Short: "Report how stale each materialized model is",
	Long: `Compute hours since last successful build per model. Models listed
under freshness: in project.yml are checked against their max age; any
stale model fails the command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		states, err := a.store.AllModelStates(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]string, 0, len(states))
		for name := range states {
			names = append(names, name)
		}
		sort.Strings(names)

		now := time.Now()
		var checks []profile.Freshness
		stale := 0
		for _, name := range names {
			f := profile.Check(states[name], a.cfg.Freshness[name], now)
			checks = append(checks, f)
			if f.IsStale {
				stale++
			}
		}

		if jsonOutput {
			if err := emitJSON(checks); err != nil {
				return err
			}
		} else {
			for _, f := range checks {
				marker := "fresh"
				if f.IsStale {
					marker = "STALE"
				}
				fmt.Printf("%-6s %s (%.1fh since last run)\n", marker, f.FullName, f.HoursSinceRun)
			}
		}

		if stale > 0 {
			return fmt.Errorf("%d models are stale", stale)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(freshnessCmd)
}
