package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/dag"
	"github.com/loamdata/loam/internal/lineage"
)

var impactColumn string

var impactCmd = &cobra.Command{
	Use:   "impact <model>",
	Short: "Show the downstream blast radius of a model or column",
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
		plan, err := dag.Build(models)
		if err != nil {
			return err
		}
		if _, ok := plan.Models[args[0]]; !ok {
			return fmt.Errorf("unknown model %q", args[0])
		}

		imp := lineage.Analyze(cmd.Context(), a.db, plan, args[0], impactColumn)
		if jsonOutput {
			return emitJSON(imp)
		}
		if len(imp.Downstream) == 0 {
			fmt.Println("no downstream models")
			return nil
		}
		fmt.Println(strings.Join(imp.Downstream, "\n"))
		for _, d := range imp.Diagnostics {
			fmt.Println("note:", d)
		}
		return nil
	},
}

func init() {
	impactCmd.Flags().StringVar(&impactColumn, "column", "", "narrow impact to consumers of this column")
	rootCmd.AddCommand(impactCmd)
}
