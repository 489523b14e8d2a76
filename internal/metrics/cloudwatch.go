package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchApi is the slice of the CloudWatch client used by the sink,
// split out so tests can substitute a fake.
type CloudWatchApi interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type CloudWatchSink struct {
	client    CloudWatchApi
	namespace string
}

var _ Sink = (*CloudWatchSink)(nil)

func NewCloudWatchSink(ctx context.Context, namespace, region, profile string) (*CloudWatchSink, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewCloudWatchSinkFromClient(cloudwatch.NewFromConfig(awsCfg), namespace), nil
}

func NewCloudWatchSinkFromClient(client CloudWatchApi, namespace string) *CloudWatchSink {
	return &CloudWatchSink{client: client, namespace: namespace}
}

func (s *CloudWatchSink) Put(ctx context.Context, metric Metric) {
	dimensions := []types.Dimension{
		{Name: aws.String("GeneratorType"), Value: aws.String(metric.Generator)},
	}
	if metric.ErrorType != "" {
		dimensions = append(dimensions, types.Dimension{
			Name: aws.String("ErrorType"), Value: aws.String(metric.ErrorType),
		})
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(s.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(metric.Name),
				Value:      aws.Float64(metric.Value),
				Unit:       metric.Unit,
				Dimensions: dimensions,
			},
		},
	})
	if err != nil {
		// Metrics are best effort, never fail the task for them.
		slog.Warn("failed to put metric", "metric", metric.Name, "error", err)
	}
}
