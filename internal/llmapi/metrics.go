package llmapi

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cascade/internal/llmapi"

type metrics struct {
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &metrics{}
	var err error

	m.attempts, err = meter.Int64Counter(
		"cascade.llmapi.attempts_total",
		metric.WithDescription("HTTP attempts sent to the inference backend, by path and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		logger.Warn("failed to create attempts counter", zap.Error(err))
	}

	m.retries, err = meter.Int64Counter(
		"cascade.llmapi.retries_total",
		metric.WithDescription("Transient backend failures that were retried after a backoff"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"cascade.llmapi.request_duration_seconds",
		metric.WithDescription("Wall time of a Post call including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	return m
}

func (m *metrics) recordAttempt(ctx context.Context, path string, v Verdict) {
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("path", path),
			attribute.String("verdict", v.String()),
		))
	}
}

func (m *metrics) recordRetry(ctx context.Context, path string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

func (m *metrics) recordDuration(ctx context.Context, path string, d time.Duration, err error) {
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("path", path),
			attribute.Bool("error", err != nil),
		))
	}
}
