package main

import (
	"os"

	"expflow/internal/config"
	"expflow/pkg/logger"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "expflow",
		Short:         "Experiment publication control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			logger.InitLogger(cfg.Server.Environment)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	load := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		newServeCommand(load),
		newReconcileCommand(load),
		newPruneCommand(load),
		newWatchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed: " + err.Error())
		os.Exit(1)
	}
}
