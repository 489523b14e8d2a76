package main

import (
	"fmt"
	"sort"

	"datawheel/internal/generator"
	"datawheel/internal/submitter"
	"datawheel/pkg/models"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		generatorType string
		totalSamples  int
		batchSize     int
		seed          int64
		outputFormat  string
		outputBucket  string
		dryRun        bool
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Partition a bulk generation request and enqueue its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, queue, _, cleanup, err := openQueues(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			// A specific generator is accepted without local discovery since
			// the workers own the generator installations; only the "all"
			// sentinel needs a local listing to expand.
			var registry generator.Registry
			execRegistry, err := generator.NewExecRegistry(cfg.GeneratorsPath, cfg.GeneratorInterpreter)
			if err != nil {
				if generatorType == submitter.AllGenerators {
					return fmt.Errorf("--generator=all needs a local generator listing: %w", err)
				}
				registry = generator.NewStaticRegistry()
			} else {
				registry = execRegistry
			}

			req := submitter.Request{
				Generator:    generatorType,
				TotalSamples: totalSamples,
				BatchSize:    batchSize,
				OutputFormat: outputFormat,
				OutputBucket: outputBucket,
				DryRun:       dryRun,
				Verbose:      verbose,
				Progress:     true,
			}
			if cmd.Flags().Changed("seed") {
				req.Seed = &seed
			}

			report, submitErr := submitter.NewSubmitter(queue, registry).Submit(ctx, req)
			printReport(cmd, report, dryRun)
			return submitErr
		},
	}

	cmd.Flags().StringVarP(&generatorType, "generator", "g", "", "generator type, or 'all' for every installed generator")
	cmd.Flags().IntVarP(&totalSamples, "samples", "n", 0, "total samples to generate per generator")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 10, "samples per task message")
	cmd.Flags().Int64VarP(&seed, "seed", "s", 0, "base seed; omit for nondeterministic generation")
	cmd.Flags().StringVar(&outputFormat, "output-format", "", "output packaging: files or tar")
	cmd.Flags().StringVar(&outputBucket, "output-bucket", "", "override the workers' default output bucket")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "partition and validate without enqueueing")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every task message")

	cobra.CheckErr(cmd.MarkFlagRequired("generator"))
	cobra.CheckErr(cmd.MarkFlagRequired("samples"))

	return cmd
}

func printReport(cmd *cobra.Command, report models.SubmitReport, dryRun bool) {
	verb := "enqueued"
	if dryRun {
		verb = "validated (dry run)"
	}

	names := make([]string, 0, len(report.ByGenerator))
	for name := range report.ByGenerator {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		counts := report.ByGenerator[name]
		cmd.Printf("%s: %d tasks %s, %d failed\n", name, counts.Succeeded, verb, counts.Failed)
	}
	cmd.Printf("total: %d/%d tasks %s\n", report.Succeeded, report.Attempted, verb)
}
