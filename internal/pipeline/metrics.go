package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/comet/pipeline"

const (
	outcomeDelivered  = "delivered"
	outcomeDropped    = "dropped"
	outcomeSilent     = "silent"
	outcomeNoAudience = "no_audience"
	outcomeCancelled  = "cancelled"
)

type metrics struct {
	units         metric.Int64Counter
	engineCalls   metric.Int64Counter
	stageDuration metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	m, err := initMetrics(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		m, _ = initMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func initMetrics(meter metric.Meter) (*metrics, error) {
	units, err := meter.Int64Counter("comet.pipeline.units", metric.WithDescription("Units processed by outcome"))
	if err != nil {
		return nil, err
	}
	calls, err := meter.Int64Counter("comet.pipeline.engine_calls", metric.WithDescription("Engine invocations by stage, retries included"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("comet.pipeline.stage_duration",
		metric.WithDescription("Stage latency including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{units: units, engineCalls: calls, stageDuration: duration}, nil
}

func (m *metrics) unit(ctx context.Context, outcome string) {
	m.units.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) engineCall(ctx context.Context, stage string) {
	m.engineCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *metrics) stage(ctx context.Context, stage string, elapsed time.Duration) {
	m.stageDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attribute.String("stage", stage)))
}
