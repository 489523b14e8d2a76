package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"datawheel/internal/monitor"

	"github.com/spf13/cobra"
)

func newMonitorCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Report main and dead-letter queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, main, dlq, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			m := monitor.NewMonitor(main, dlq)

			if !watch {
				snapshot, err := m.Snapshot(ctx)
				if err != nil {
					return err
				}
				printSnapshot(cmd, snapshot)
				return nil
			}

			watchCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = m.Watch(watchCtx, interval, func(snapshot monitor.Snapshot) {
				printSnapshot(cmd, snapshot)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "poll continuously until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "polling interval for --watch")

	return cmd
}

func printSnapshot(cmd *cobra.Command, snapshot monitor.Snapshot) {
	cmd.Printf("%s  main: available=%d in_flight=%d delayed=%d  dlq: available=%d in_flight=%d\n",
		snapshot.At.Format(time.RFC3339),
		snapshot.Main.Available, snapshot.Main.InFlight, snapshot.Main.Delayed,
		snapshot.Dlq.Available, snapshot.Dlq.InFlight,
	)
}
