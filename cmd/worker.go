/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/carlot-app/apiserver/config"
	"github.com/carlot-app/apiserver/internal/events"
	"github.com/carlot-app/apiserver/internal/mq"
	"github.com/spf13/cobra"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consumes car lifecycle events from the broker",
	Long: `Consumes car lifecycle events from the broker and writes them to
the audit log. Requires MQ_BACKEND to be set. Usage:

	carlot worker
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		broker, err := mq.FromConfig(cmd.Context(), cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is required to run the worker")
		}
		defer broker.Close()

		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		subscriber := events.NewMQSubscriber(broker)
		return subscriber.Run(cmd.Context(), func(ctx context.Context, event events.CarEvent) error {
			logger.InfoContext(ctx, "car event",
				"event", event.Event,
				"car_id", event.CarID,
				"owner_id", event.OwnerID,
			)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
