package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric is one observation emitted by the pipeline, dimensioned by
// generator type and, for failures, the error class.
type Metric struct {
	Name      string
	Value     float64
	Unit      types.StandardUnit
	Generator string
	ErrorType string
}

// Sink receives pipeline metrics. Emission is advisory: sinks log and drop
// on failure rather than propagate errors into task processing.
type Sink interface {
	Put(ctx context.Context, metric Metric)
}

func TaskSuccess(generator string) Metric {
	return Metric{Name: "TaskSuccess", Value: 1, Unit: types.StandardUnitCount, Generator: generator}
}

func TaskFailure(generator, errorType string) Metric {
	return Metric{Name: "TaskFailure", Value: 1, Unit: types.StandardUnitCount, Generator: generator, ErrorType: errorType}
}

func SamplesUploaded(generator string, count int) Metric {
	return Metric{Name: "SamplesUploaded", Value: float64(count), Unit: types.StandardUnitCount, Generator: generator}
}

func TaskDuration(generator string, d time.Duration) Metric {
	return Metric{Name: "TaskDuration", Value: float64(d.Milliseconds()), Unit: types.StandardUnitMilliseconds, Generator: generator}
}

func SampleDuration(generator string, d time.Duration) Metric {
	return Metric{Name: "SampleDuration", Value: float64(d.Milliseconds()), Unit: types.StandardUnitMilliseconds, Generator: generator}
}

func SamplePeakRSS(generator string, bytes int64) Metric {
	return Metric{Name: "SamplePeakRSS", Value: float64(bytes), Unit: types.StandardUnitBytes, Generator: generator}
}

// NoopSink discards every metric. Used when no namespace is configured.
type NoopSink struct{}

var _ Sink = NoopSink{}

func (NoopSink) Put(ctx context.Context, metric Metric) {}
