package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/quality"
	"github.com/loamdata/loam/internal/runner"
)

var (
	runForce   bool
	runTarget  string
	runWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Materialize changed models and evaluate their assertions",
	Long: `Discover models under the transform root, plan them as a DAG and
materialize every model whose content or upstream fingerprint changed.
Assertions and contracts run against the fresh output; results land in
the _internal metadata schema.`,
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
		workers := runWorkers
		if workers == 0 {
			workers = a.cfg.Workers
		}
		summary, err := a.runner.Run(cmd.Context(), models, runner.Options{
			Force:   runForce,
			Target:  runTarget,
			Workers: workers,
		})
		if err != nil {
			return err
		}

		// Contracts run after the transform pass; warn severity never
		// changes the exit status.
		contracts, err := quality.LoadContracts(a.cfg.ContractsDir)
		if err != nil {
			return err
		}
		var contractErr error
		if len(contracts) > 0 {
			cr := quality.NewContractRunner(quality.NewEvaluator(a.db), a.store, a.log)
			contractErr = cr.Run(cmd.Context(), contracts)
		}

		if jsonOutput {
			if err := emitJSON(summary); err != nil {
				return err
			}
		} else {
			printSummary(summary)
		}

		if contractErr != nil {
			return contractErr
		}
		if status := summary.Status(); status != engine.RunSuccess {
			return fmt.Errorf("run %s finished with status %s", summary.RunID, status)
		}
		return nil
	},
}

func printSummary(summary *engine.RunSummary) {
	names := make([]string, 0, len(summary.Results))
	for name := range summary.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := summary.Results[name]
		switch res.Status {
		case engine.StatusBuilt:
			fmt.Printf("%-12s %s (%d rows, %s)\n", res.Status, name, res.RowCount, res.Duration.Round(1e6))
		case engine.StatusSkipped:
			fmt.Printf("%-12s %s\n", res.Status, name)
		default:
			fmt.Printf("%-12s %s: %v\n", res.Status, name, res.Err)
		}
	}
	counts := summary.Counts()
	fmt.Printf("run %s: %d built, %d skipped, %d failed, %d assertion_failed, %d cancelled in %s\n",
		summary.RunID,
		counts[engine.StatusBuilt], counts[engine.StatusSkipped], counts[engine.StatusFailed],
		counts[engine.StatusAssertionFailed], counts[engine.StatusCancelled],
		summary.FinishedAt.Sub(summary.StartedAt).Round(1e6))
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "rebuild all models regardless of fingerprints")
	runCmd.Flags().StringVar(&runTarget, "target", "", "run only this model and its descendants")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "tier-internal parallelism (0 = config, then CPU count)")
	rootCmd.AddCommand(runCmd)
}
