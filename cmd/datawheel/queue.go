package main

import (
	"bufio"
	"fmt"
	"strings"

	"datawheel/internal/messaging"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the task queue",
	}

	cmd.AddCommand(newQueueCountCmd(), newQueuePeekCmd(), newQueuePurgeCmd())
	return cmd
}

// selectQueue returns the main queue, or the dead-letter queue when the
// subcommand's --dlq flag is set.
func selectQueue(main, dlq messaging.Queue, useDlq bool) (messaging.Queue, string) {
	if useDlq {
		return dlq, "dead-letter queue"
	}
	return main, "main queue"
}

func newQueueCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print message counts for the main and dead-letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, main, dlq, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			mainCounts, err := main.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to read main queue counts: %w", err)
			}
			dlqCounts, err := dlq.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to read dead-letter queue counts: %w", err)
			}

			cmd.Printf("main: available=%d in_flight=%d delayed=%d total=%d\n",
				mainCounts.Available, mainCounts.InFlight, mainCounts.Delayed, mainCounts.Total())
			cmd.Printf("dlq:  available=%d in_flight=%d delayed=%d total=%d\n",
				dlqCounts.Available, dlqCounts.InFlight, dlqCounts.Delayed, dlqCounts.Total())
			return nil
		},
	}
}

func newQueuePeekCmd() *cobra.Command {
	var (
		maxMessages int
		deleteAfter bool
		useDlq      bool
	)

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print queued message bodies without consuming them",
		Long: "Print queued message bodies. Without --delete the messages are only " +
			"leased and return to the queue when their visibility timeout lapses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, main, dlq, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			queue, label := selectQueue(main, dlq, useDlq)

			seen := 0
			for seen < maxMessages {
				deliveries, err := queue.Receive(ctx, min(messaging.MaxBatchSize, maxMessages-seen))
				if err != nil {
					return fmt.Errorf("failed to receive from %s: %w", label, err)
				}
				if len(deliveries) == 0 {
					break
				}

				for _, delivery := range deliveries {
					seen++
					cmd.Printf("--- message %s (receive_count=%d, sent=%s)\n%s\n",
						delivery.ID(), delivery.ReceiveCount(), delivery.SentAt().Format("2006-01-02T15:04:05Z07:00"), delivery.Body())

					if deleteAfter {
						if err := delivery.Ack(); err != nil {
							return fmt.Errorf("failed to delete message %s: %w", delivery.ID(), err)
						}
					}
				}
			}

			if seen == 0 {
				cmd.Printf("%s is empty\n", label)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxMessages, "max", 10, "maximum messages to show")
	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "delete each message after printing")
	cmd.Flags().BoolVar(&useDlq, "dlq", false, "peek the dead-letter queue instead")

	return cmd
}

func newQueuePurgeCmd() *cobra.Command {
	var (
		force  bool
		useDlq bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every message in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, main, dlq, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			queue, label := selectQueue(main, dlq, useDlq)

			counts, err := queue.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to read %s counts: %w", label, err)
			}

			if !force {
				cmd.Printf("Purge %d messages from the %s? [y/N] ", counts.Total(), label)
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				if !strings.EqualFold(strings.TrimSpace(answer), "y") {
					cmd.Println("aborted")
					return nil
				}
			}

			if err := queue.Purge(ctx); err != nil {
				return fmt.Errorf("failed to purge %s: %w", label, err)
			}
			cmd.Printf("purged %d messages from the %s\n", counts.Total(), label)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&useDlq, "dlq", false, "purge the dead-letter queue instead")

	return cmd
}
