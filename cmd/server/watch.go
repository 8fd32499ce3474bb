package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"expflow/client"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	var addr, token string
	var apps []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the change stream and print one JSON event per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("EXPFLOW_TOKEN")
			}
			if token == "" {
				return errors.New("--token or EXPFLOW_TOKEN is required")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			enc := json.NewEncoder(cmd.OutOrStdout())
			w := client.NewWatcher(addr, token,
				client.WithApplications(apps...),
				client.OnEvent(func(ev v1.ChangeEvent) {
					if err := enc.Encode(ev); err != nil {
						logger.Error("failed to write event", zap.Error(err))
					}
				}),
				client.OnReset(func() {
					logger.Warn("missed changes, reload the experiment list")
				}),
			)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "control plane address")
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringSliceVar(&apps, "application", nil, "only follow these applications")
	return cmd
}
