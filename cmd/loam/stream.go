package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/pipeline"
)

var streamForce bool

var streamCmd = &cobra.Command{
	Use:   "stream <name>",
	Short: "Run a named stream from project.yml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		orch := pipeline.NewOrchestrator(a.db, a.store, a.runner, a.cfg, a.discover, a.log)
		res, err := orch.RunStream(cmd.Context(), args[0], streamForce)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := emitJSON(res); err != nil {
				return err
			}
		} else {
			for _, step := range res.Steps {
				switch {
				case step.Skipped:
					fmt.Printf("skipped  %s\n", step.Action)
				case step.Error != "":
					fmt.Printf("failed   %s (attempts=%d): %s\n", step.Action, step.Attempts, step.Error)
				default:
					fmt.Printf("ok       %s (attempts=%d)\n", step.Action, step.Attempts)
				}
			}
			fmt.Printf("stream %s: %s in %.1fs\n", res.Stream, res.Status, res.DurationSeconds)
		}

		if res.Status != "success" {
			return fmt.Errorf("stream %s failed", res.Stream)
		}
		return nil
	},
}

func init() {
	streamCmd.Flags().BoolVar(&streamForce, "force", false, "force transform steps to rebuild")
	rootCmd.AddCommand(streamCmd)
}
