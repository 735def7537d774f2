package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/diffsnap"
)

var diffSampleLimit int

var diffCmd = &cobra.Command{
	Use:   "diff <model>",
	Short: "Compare a model's would-be output against its current table",
	Long: `Materialize the model's query into a disposable relation and report
added, removed and modified rows plus schema deltas, without touching
the model's table. Models with a unique_key get key-aware counts.`,
	Args: cobra.ExactArgs(1),
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
		target := args[0]
		for _, m := range models {
			if m.FullName() == target {
				d := diffsnap.NewDiffer(a.db, a.log)
				rep, err := d.Diff(cmd.Context(), m, diffSampleLimit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return emitJSON(rep)
				}
				printDiff(rep)
				return nil
			}
		}
		return fmt.Errorf("unknown model %q", target)
	},
}

func printDiff(rep *diffsnap.Report) {
	if rep.TargetMissing {
		fmt.Printf("%s: target not materialized yet; %d rows would be created\n", rep.Model, rep.Added)
		return
	}
	fmt.Printf("%s: +%d added, -%d removed, ~%d modified\n", rep.Model, rep.Added, rep.Removed, rep.Modified)
	if len(rep.ColumnsAdded) > 0 {
		fmt.Printf("columns added:   %s\n", strings.Join(rep.ColumnsAdded, ", "))
	}
	if len(rep.ColumnsRemoved) > 0 {
		fmt.Printf("columns removed: %s\n", strings.Join(rep.ColumnsRemoved, ", "))
	}
	if rep.AddedSample != nil {
		fmt.Println("sample of added rows:")
		printResult(rep.AddedSample)
	}
	if rep.RemovedSample != nil {
		fmt.Println("sample of removed rows:")
		printResult(rep.RemovedSample)
	}
}

func init() {
	diffCmd.Flags().IntVar(&diffSampleLimit, "sample", diffsnap.DefaultSampleLimit, "max sample rows per bucket")
	rootCmd.AddCommand(diffCmd)
}
