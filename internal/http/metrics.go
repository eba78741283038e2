package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/cascade/internal/http"

// HTTPMetrics holds the OpenTelemetry instruments for the HTTP API.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates HTTP metrics on meter, or on the global meter
// provider when meter is nil.
func NewHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}

	m := &HTTPMetrics{
		meter:  meter,
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"cascade.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, endpoint and status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Underlying().Warn("failed to create requests counter", zap.Error(err))
	}

	// Rounds wait on the backend, so the buckets reach into minutes.
	m.requestDur, err = m.meter.Float64Histogram(
		"cascade.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, endpoint and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		m.logger.Underlying().Warn("failed to create duration histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"cascade.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Underlying().Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", responseStatus(c, err)),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return err
		}
	}
}

// normalizePath maps the matched route pattern to a metric label. Routes
// carry no path parameters, so the label set is the route table.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// responseStatus is the status the client sees. Handler errors are written
// after the middleware chain returns, so they are read off the error.
func responseStatus(c echo.Context, err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	if err != nil {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

// RoundMetrics counts rounds served over HTTP for Prometheus scraping.
type RoundMetrics struct {
	rounds   *prometheus.CounterVec
	duration prometheus.Histogram
	steps    *prometheus.CounterVec
}

// NewRoundMetrics registers the round collectors with reg.
func NewRoundMetrics(reg prometheus.Registerer) *RoundMetrics {
	f := promauto.With(reg)
	return &RoundMetrics{
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "rounds_total",
			Help:      "Rounds run through the HTTP API by status (ok, failed)",
		}, []string{"status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cascade",
			Name:      "round_duration_seconds",
			Help:      "Wall time of rounds run through the HTTP API",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "round_steps_total",
			Help:      "Steps of finished rounds by kind and final state",
		}, []string{"kind", "state"}),
	}
}

func (m *RoundMetrics) observe(status string, elapsed time.Duration, steps []StepStatus) {
	m.rounds.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
	for _, s := range steps {
		m.steps.WithLabelValues(s.Kind, s.State).Inc()
	}
}
