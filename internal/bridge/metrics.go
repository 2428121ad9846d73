package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-callbridge/bridge"

type metrics struct {
	active        metric.Int64UpDownCounter
	frames        metric.Int64Counter
	interruptions metric.Int64Counter
	functionCalls metric.Int64Counter
	duration      metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	m, err := buildMetrics(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.active, err = meter.Int64UpDownCounter("callbridge.calls.active",
		metric.WithDescription("Calls currently bridged")); err != nil {
		return nil, err
	}
	if m.frames, err = meter.Int64Counter("callbridge.frames.relayed",
		metric.WithDescription("Audio frames relayed between caller and model")); err != nil {
		return nil, err
	}
	if m.interruptions, err = meter.Int64Counter("callbridge.interruptions",
		metric.WithDescription("Assistant responses cut off by the caller")); err != nil {
		return nil, err
	}
	if m.functionCalls, err = meter.Int64Counter("callbridge.function.calls",
		metric.WithDescription("Functions invoked by the model")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Bridged call duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) callStarted(ctx context.Context) {
	m.active.Add(ctx, 1)
}

func (m *metrics) callEnded(ctx context.Context, reason Reason, d time.Duration) {
	m.active.Add(ctx, -1)
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", string(reason))))
}

func (m *metrics) frame(ctx context.Context, direction string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

func (m *metrics) interrupted(ctx context.Context) {
	m.interruptions.Add(ctx, 1)
}

func (m *metrics) function(ctx context.Context, name, outcome string) {
	m.functionCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function", name),
		attribute.String("outcome", outcome),
	))
}
