// Package llmapi is a JSON-over-HTTP client for inference servers that
// retries rate-limited requests with exponential backoff.
//
// Every request is classified by Classify: success, transient (429 other
// than exhausted quota, retried until the elapsed-time budget runs out) or
// permanent (any other API error, transport failures and undecodable bodies,
// returned immediately).
package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default retry and transport settings.
const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	defaultMultiplier      = 1.5
	defaultRandomization   = 0.5
	defaultMaxElapsed      = 60 * time.Second
	defaultTimeout         = 120 * time.Second
)

// RetryPolicy configures the exponential backoff between transient failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy retries for up to a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Multiplier:      defaultMultiplier,
		MaxElapsed:      defaultMaxElapsed,
	}
}

// ApplyDefaults fills zero fields from DefaultRetryPolicy.
func (p *RetryPolicy) ApplyDefaults() {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
}

// Client sends requests to one backend. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	config     Config
	retry      RetryPolicy
	limiter    *rate.Limiter
	logger     *logging.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	metrics    *metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy sets the backoff policy. Zero fields keep their defaults.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		p.ApplyDefaults()
		c.retry = p
	}
}

// WithRateLimit throttles outgoing attempts. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTelemetry sets the tracer and meter. Nil values fall back to the
// global providers.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Client) {
		c.tracer = tracer
		c.meter = meter
	}
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		config:     cfg,
		retry:      DefaultRetryPolicy(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	c.logger = c.logger.Named("llmapi")
	c.metrics = newMetrics(c.meter, c.logger.Underlying())
	return c
}

// Config returns the client's target configuration.
func (c *Client) Config() Config {
	return c.config
}

// Post sends payload as JSON to path and decodes a successful response into
// O. It is a function because Go methods cannot take type parameters.
func Post[O any](ctx context.Context, c *Client, path string, payload any) (O, error) {
	var out O

	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("llmapi: encode request: %w", err)
	}

	raw, err := c.execute(ctx, path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL(path), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llmapi: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, vs := range c.config.Headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if len(c.config.Query) > 0 {
			req.URL.RawQuery = c.config.Query.Encode()
		}
		return req, nil
	})
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &DeserializationError{Body: raw, Err: err}
	}
	return out, nil
}

// execute runs the request built by makeRequest under the retry policy and
// returns the raw success body. makeRequest is called once per attempt
// because a sent request body cannot be replayed.
func (c *Client) execute(ctx context.Context, path string, makeRequest func(context.Context) (*http.Request, error)) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "llmapi.post", trace.WithAttributes(
		attribute.String("llmapi.path", path),
	))
	defer span.End()

	start := time.Now()
	attempts := 0

	operation := func() ([]byte, error) {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("llmapi: rate limiter: %w", err))
			}
		}

		req, err := makeRequest(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, backoff.Permanent(&TransportError{Op: "send request", Err: err})
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, backoff.Permanent(&TransportError{Op: "read response", Err: err})
		}
		c.logger.Trace(ctx, "backend response",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)

		verdict, err := Classify(resp.StatusCode, body)
		c.metrics.recordAttempt(ctx, path, verdict)
		switch verdict {
		case VerdictSuccess:
			return body, nil
		case VerdictRetry:
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(c.retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.recordRetry(ctx, path)
			c.logger.Warn(ctx, "transient backend error, retrying",
				zap.String("path", path),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)

	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Retryable() {
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	}

	elapsed := time.Since(start)
	c.metrics.recordDuration(ctx, path, elapsed, err)
	span.SetAttributes(attribute.Int("llmapi.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error(ctx, "backend request failed",
			zap.String("path", path),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Debug(ctx, "backend request succeeded",
		zap.String("path", path),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", elapsed),
	)
	return raw, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.Multiplier = c.retry.Multiplier
	b.RandomizationFactor = defaultRandomization
	return b
}
