package cmd

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// One-shot runs for cron or k8s jobs that replace the in-process scheduler.

func newSweepCmd() *cobra.Command {
	var (
		batch  int
		budget time.Duration
	)
	c := &cobra.Command{
		Use:   "sweep",
		Short: "Run one matching sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer e.close()

			if !cmd.Flags().Changed("batch") {
				batch = cfg.SweepBatchSize
			}
			if !cmd.Flags().Changed("budget") {
				budget = cfg.SweepMaxProcessingTime
			}
			res, err := e.scheduler.RunMatchingSweep(cmd.Context(), batch, budget)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"task_id":   res.TaskID,
				"processed": res.ProcessedCount,
				"matched":   res.MatchedCount,
				"started":   res.StartedCount,
				"errors":    res.ErrorCount,
			}).Info("sweep finished")
			return nil
		},
	}
	c.Flags().IntVar(&batch, "batch", 0, "waiting entries to process (default SWEEP_BATCH_SIZE)")
	c.Flags().DurationVar(&budget, "budget", 0, "processing time budget (default SWEEP_MAX_PROCESSING_TIME)")
	return c
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Expire stale queue entries and unfilled matches and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.scheduler.RunCleanup(cmd.Context())
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"task_id": res.TaskID,
				"cleaned": res.CleanedCount,
				"expired": res.ExpiredMatches,
			}).Info("cleanup finished")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), cfg)
		},
	}
}
