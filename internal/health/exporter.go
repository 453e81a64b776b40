package health

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"
)

// LogExporter writes snapshots to the structured log.
type LogExporter struct {
	logger zerolog.Logger
}

// NewLogExporter builds a LogExporter.
func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger.With().Str("component", "metrics").Logger()}
}

// Export logs the snapshot at debug level.
func (e *LogExporter) Export(_ context.Context, snap Snapshot) error {
	e.logger.Debug().
		Int32("pool_size", snap.Pool.Size).
		Int32("pool_in_use", snap.Pool.InUse).
		Int32("pool_idle", snap.Pool.Idle).
		Int64("pool_waiting", snap.Pool.Waiting).
		Float64("pool_utilization", snap.Pool.Utilization()).
		Float64("db_latency_ms", snap.DatabaseLatencyMS).
		Str("cache_status", string(snap.CacheStatus)).
		Float64("cache_latency_ms", snap.CacheLatencyMS).
		Msg("pool metrics sampled")
	return nil
}

// MetricPutter is the subset of the CloudWatch client the exporter uses.
type MetricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchExporter publishes snapshots as CloudWatch metrics.
type CloudWatchExporter struct {
	client     MetricPutter
	namespace  string
	dimensions []cwtypes.Dimension
}

// NewCloudWatchExporter loads the default AWS configuration for region.
func NewCloudWatchExporter(ctx context.Context, region, namespace, service string) (*CloudWatchExporter, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewCloudWatchExporterWithClient(cloudwatch.NewFromConfig(cfg), namespace, service), nil
}

// NewCloudWatchExporterWithClient builds an exporter around client.
func NewCloudWatchExporterWithClient(client MetricPutter, namespace, service string) *CloudWatchExporter {
	return &CloudWatchExporter{
		client:    client,
		namespace: namespace,
		dimensions: []cwtypes.Dimension{
			{Name: aws.String("Service"), Value: aws.String(service)},
		},
	}
}

// Export sends one PutMetricData call per snapshot.
func (e *CloudWatchExporter) Export(ctx context.Context, snap Snapshot) error {
	cacheUp := 0.0
	if snap.CacheStatus == StatusHealthy {
		cacheUp = 1
	}
	dbUp := 1.0
	if snap.DatabaseError != "" {
		dbUp = 0
	}

	data := []cwtypes.MetricDatum{
		e.datum("PoolSize", float64(snap.Pool.Size), cwtypes.StandardUnitCount, snap.SampledAt),
		e.datum("PoolInUse", float64(snap.Pool.InUse), cwtypes.StandardUnitCount, snap.SampledAt),
		e.datum("PoolWaiting", float64(snap.Pool.Waiting), cwtypes.StandardUnitCount, snap.SampledAt),
		e.datum("PoolUtilization", snap.Pool.Utilization()*100, cwtypes.StandardUnitPercent, snap.SampledAt),
		e.datum("DatabaseLatency", snap.DatabaseLatencyMS, cwtypes.StandardUnitMilliseconds, snap.SampledAt),
		e.datum("DatabaseUp", dbUp, cwtypes.StandardUnitNone, snap.SampledAt),
	}
	if snap.CacheStatus != StatusNotConfigured && snap.CacheStatus != StatusUnknown {
		data = append(data,
			e.datum("CacheLatency", snap.CacheLatencyMS, cwtypes.StandardUnitMilliseconds, snap.SampledAt),
			e.datum("CacheUp", cacheUp, cwtypes.StandardUnitNone, snap.SampledAt),
		)
	}

	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("cloudwatch put metric data: %w", err)
	}
	return nil
}

func (e *CloudWatchExporter) datum(name string, value float64, unit cwtypes.StandardUnit, at time.Time) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(at),
		Dimensions: e.dimensions,
	}
}

var (
	_ Exporter = (*LogExporter)(nil)
	_ Exporter = (*CloudWatchExporter)(nil)
)
