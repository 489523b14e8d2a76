package main

import (
	"datawheel/internal/dlq"

	"github.com/spf13/cobra"
)

func newDlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Recover failed tasks from the dead-letter queue",
	}

	cmd.AddCommand(newDlqDownloadCmd(), newDlqResubmitCmd())
	return cmd
}

func newDlqDownloadCmd() *cobra.Command {
	var (
		outputDir   string
		maxMessages int
		deleteAfter bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Save dead-letter messages to local files for inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, main, deadLetter, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := dlq.NewRecovery(main, deadLetter).Download(ctx, outputDir, maxMessages, deleteAfter)
			if err != nil {
				return err
			}
			cmd.Printf("downloaded %d messages to %s\n", n, outputDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "dlq_messages", "directory to write message files to")
	cmd.Flags().IntVar(&maxMessages, "max", 0, "stop after this many messages (0 = all)")
	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "delete each message from the queue after saving")

	return cmd
}

func newDlqResubmitCmd() *cobra.Command {
	var (
		inputDir  string
		dryRun    bool
		freshSeed bool
	)

	cmd := &cobra.Command{
		Use:   "resubmit",
		Short: "Re-enqueue saved dead-letter messages to the main queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, main, deadLetter, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			report, resubmitErr := dlq.NewRecovery(main, deadLetter).Resubmit(ctx, inputDir, dlq.ResubmitOptions{
				DryRun:    dryRun,
				FreshSeed: freshSeed,
			})
			printReport(cmd, report, dryRun)
			return resubmitErr
		},
	}

	cmd.Flags().StringVarP(&inputDir, "input", "i", "", "directory holding downloaded message files")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without enqueueing")
	cmd.Flags().BoolVar(&freshSeed, "fresh-seed", false, "replace each task's seed with a new one")

	cobra.CheckErr(cmd.MarkFlagRequired("input"))

	return cmd
}
