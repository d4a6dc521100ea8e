// Package telemetry provides OpenTelemetry metrics for the pipeline.
//
// Telemetry is disabled by default. Set ODETL_TELEMETRY=stdout to export
// metrics to stderr; any other value leaves the no-op provider installed.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/odxtools/odetl"

// EnvVar selects the exporter. Empty disables telemetry.
const EnvVar = "ODETL_TELEMETRY"

// Metrics is the pipeline's instrument set. A nil *Metrics is valid and
// records nothing, so callers never need to guard.
type Metrics struct {
	rowsCopied    metric.Int64Counter
	rowsLoaded    metric.Int64Counter
	tableFailures metric.Int64Counter
	tableDuration metric.Float64Histogram
}

// Enabled reports whether telemetry export is requested.
func Enabled() bool {
	return os.Getenv(EnvVar) != ""
}

// Setup builds the instrument set and returns a shutdown function that
// flushes any pending export. With telemetry disabled the instruments hang
// off a no-op provider and the shutdown function does nothing.
func Setup(ctx context.Context, version string) (*Metrics, func(context.Context) error, error) {
	shutdown := func(context.Context) error { return nil }

	var provider metric.MeterProvider = metricnoop.NewMeterProvider()
	if Enabled() {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String("odetl"),
			semconv.ServiceVersionKey.String(version),
		))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: resource: %w", err)
		}
		sdk := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))),
		)
		provider = sdk
		shutdown = sdk.Shutdown
	}

	meter := provider.Meter(instrumentationScope)
	m := &Metrics{}
	var err error
	if m.rowsCopied, err = meter.Int64Counter("odetl.rows.copied",
		metric.WithDescription("Rows copied source to replication")); err != nil {
		return nil, nil, err
	}
	if m.rowsLoaded, err = meter.Int64Counter("odetl.rows.loaded",
		metric.WithDescription("Rows loaded replication to analytics")); err != nil {
		return nil, nil, err
	}
	if m.tableFailures, err = meter.Int64Counter("odetl.table.failures",
		metric.WithDescription("Per-table copy/load failures")); err != nil {
		return nil, nil, err
	}
	if m.tableDuration, err = meter.Float64Histogram("odetl.table.duration",
		metric.WithDescription("Per-table operation duration"),
		metric.WithUnit("s")); err != nil {
		return nil, nil, err
	}
	return m, shutdown, nil
}

// RecordCopy records one completed table copy.
func (m *Metrics) RecordCopy(ctx context.Context, table string, rows int64, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("stage", "replicate"))
	m.rowsCopied.Add(ctx, rows, attrs)
	m.tableDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLoad records one completed table load.
func (m *Metrics) RecordLoad(ctx context.Context, table string, rows int64, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("stage", "load"))
	m.rowsLoaded.Add(ctx, rows, attrs)
	m.tableDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFailure records one failed per-table operation.
func (m *Metrics) RecordFailure(ctx context.Context, table, stage string) {
	if m == nil {
		return
	}
	m.tableFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("stage", stage)))
}
