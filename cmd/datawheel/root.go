package main

import (
	"context"
	"fmt"

	"datawheel/internal/config"
	"datawheel/internal/messaging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "datawheel",
		Short:        "Control tool for the synthetic data pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("error loading env file %s: %w", envFile, err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env", "", "path to load environment variables from")

	root.AddCommand(
		newSubmitCmd(),
		newMonitorCmd(),
		newQueueCmd(),
		newDlqCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDlq(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openQueues builds the configured main and dead-letter queues. The returned
// cleanup closes both.
func openQueues(ctx context.Context) (*config.Config, messaging.Queue, messaging.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	main, dlq, err := messaging.NewQueues(ctx, cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		main.Close()
		dlq.Close()
	}
	return cfg, main, dlq, cleanup, nil
}
