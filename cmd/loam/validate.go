package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/dag"
	"github.com/loamdata/loam/internal/lineage"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile-check every model without materializing anything",
	Long: `Parse all models, build the DAG and plan each query against
stand-in views of its dependencies. In strict validation mode any
finding fails the command; in report mode findings are printed and the
exit status stays zero.`,
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

		v := lineage.NewValidator(a.db, a.log)
		issues, err := v.Validate(cmd.Context(), plan)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := emitJSON(issues); err != nil {
				return err
			}
		} else {
			for _, issue := range issues {
				fmt.Println(issue)
			}
			fmt.Printf("%d models checked, %d findings\n", len(plan.Order), len(issues))
		}

		if len(issues) > 0 && a.cfg.ValidationMode == "strict" {
			return fmt.Errorf("validation failed with %d findings", len(issues))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
