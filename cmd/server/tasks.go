package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"expflow/internal/changelog"
	"expflow/internal/config"
	"expflow/internal/repository"
	"expflow/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReconcileCommand(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run every scheduler job once and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(load())
			if err != nil {
				return err
			}
			defer a.close()

			res := a.scheduler.RunOnce(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newPruneCommand(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-changelog",
		Short: "Delete changelog entries that repeat their predecessor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := load()
			db, err := initDB(cfg.MySQL)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			deleted, err := changelog.NewLedger(repository.NewChangeLogRepository(db)).Prune(ctx)
			if err != nil {
				return err
			}
			logger.Info("changelog pruned", zap.Int64("deleted", deleted))
			return nil
		},
	}
}
