package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"datawheel/cmd"
	"datawheel/internal/config"
	"datawheel/internal/core"
	"datawheel/internal/generator"
	"datawheel/internal/messaging"
	"datawheel/internal/metrics"
	"datawheel/internal/storage"
)

func main() {
	cmd.LoadEnvFile()

	slog.Info("starting worker process")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.RequireQueue(); err != nil {
		log.Fatalf("Invalid queue configuration: %v", err)
	}
	if err := cfg.RequireStorage(); err != nil {
		log.Fatalf("Invalid storage configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, dlq, err := messaging.NewQueues(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create queues: %v", err)
	}
	defer queue.Close()
	defer dlq.Close()

	registry, err := generator.NewExecRegistry(cfg.GeneratorsPath, cfg.GeneratorInterpreter)
	if err != nil {
		log.Fatalf("Failed to load generators from %s: %v", cfg.GeneratorsPath, err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	uploader := storage.NewUploader(store, cfg.OutputBucket, cfg.WorkerConcurrency)

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.MetricsNamespace != "" {
		cwSink, err := metrics.NewCloudWatchSink(ctx, cfg.MetricsNamespace, cfg.AWSRegion, cfg.AWSProfile)
		if err != nil {
			// Metrics are best effort; a worker without them is still useful.
			slog.Warn("failed to create cloudwatch sink, metrics disabled", "error", err)
		} else {
			sink = cwSink
		}
	}

	slog.Info("worker configured",
		"queue_backend", cfg.QueueBackend,
		"output_bucket", cfg.OutputBucket,
		"generators_path", cfg.GeneratorsPath,
		"concurrency", cfg.WorkerConcurrency,
	)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		proc := core.NewTaskProcessor(queue, registry, uploader, sink, cfg.TaskTimeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc.Run(ctx)
		}()
	}

	slog.Info("worker started, waiting for tasks")

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for in-flight tasks")
	wg.Wait()
	slog.Info("worker process stopped")
}
