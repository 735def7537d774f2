package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/pipeline"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the stream scheduler in the foreground",
	Long: `Tick once per minute on local-time minute boundaries and run every
stream whose cron expression matches. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		// Long-lived process: rediscover only when the transform root
		// actually changes.
		cache := model.NewCache(a.cfg.TransformRoot)
		defer func() { _ = cache.Close() }()

		orch := pipeline.NewOrchestrator(a.db, a.store, a.runner, a.cfg, cache.Models, a.log)
		sched, err := pipeline.NewScheduler(orch, a.cfg, a.log)
		if err != nil {
			return err
		}
		if err := sched.Run(cmd.Context()); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
