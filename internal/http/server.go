// Package http serves cascade rounds over an HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/cascade"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"github.com/fyrsmithlabs/cascade/internal/transcript"
)

// Server provides HTTP endpoints for running rounds.
type Server struct {
	echo    *echo.Echo
	backend backend.Backend
	logger  *logging.Logger
	config  *Config

	store     *transcript.Store
	tracer    trace.Tracer
	meter     metric.Meter
	registry  *prometheus.Registry
	rounds    *RoundMetrics
	roundOpts []cascade.RoundOption

	mu            sync.Mutex
	conversations map[string]*conversationLock
}

// conversationLock is held by every in-flight round of one conversation.
// refs counts the holders and waiters; the entry is dropped at zero.
type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists conversations and round results.
func WithStore(store *transcript.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithTelemetry sets the tracer and meter used by rounds and the HTTP
// metrics middleware.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(s *Server) {
		s.tracer = tracer
		s.meter = meter
	}
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithRoundOptions applies opts to every round before the plan's own
// settings.
func WithRoundOptions(opts ...cascade.RoundOption) Option {
	return func(s *Server) { s.roundOpts = append(s.roundOpts, opts...) }
}

// NewServer creates a new HTTP server running rounds against b.
func NewServer(b backend.Backend, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	s := &Server{
		backend:       b,
		logger:        logger.Named("http"),
		config:        cfg,
		roundOpts:     []cascade.RoundOption{cascade.WithLogger(logger)},
		conversations: make(map[string]*conversationLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.rounds = NewRoundMetrics(s.registry)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(s.logger))
	e.Use(NewHTTPMetrics(s.meter, s.logger).MetricsMiddleware())

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request id on the request context and logs every
// request once it completes.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", responseStatus(c, err)),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/rounds", s.handleRound)
}

// Echo returns the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Backend: s.backend.Name()})
}

// handleRound builds a round from the posted plan and runs it to
// completion. A failed round answers 502 with the rolled-back steps.
func (s *Server) handleRound(c echo.Context) error {
	ctx := c.Request().Context()

	var body RoundRequest
	if err := c.Bind(&body); err != nil {
		s.logger.Warn(ctx, "invalid round request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := body.Plan.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := body.Plan.CheckBackend(s.backend); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.ConversationID != "" && s.store == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id requires a transcript store")
	}

	if body.ConversationID != "" {
		unlock := s.lockConversation(body.ConversationID)
		defer unlock()
	}

	req, err := s.request(ctx, &body)
	if err != nil {
		s.logger.Error(ctx, "failed to load conversation", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}

	opts := append([]cascade.RoundOption{cascade.WithTelemetry(s.tracer, s.meter)}, s.roundOpts...)
	if body.PrimeCache {
		opts = append(opts, cascade.WithCachePriming())
	}
	round := body.Plan.Round(opts...)

	start := time.Now()
	runErr := round.RunAllSteps(ctx, req)
	resp := newRoundResponse(round, body.ConversationID, runErr)

	status := "ok"
	if runErr != nil {
		status = "failed"
	}
	s.rounds.observe(status, time.Since(start), resp.Steps)

	if body.ConversationID != "" {
		s.persist(ctx, body.ConversationID, round, req, runErr)
	}

	if runErr != nil {
		return c.JSON(http.StatusBadGateway, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// request returns the conversation the round runs in: the stored transcript
// when one exists, otherwise a fresh prompt seeded from the plan.
func (s *Server) request(ctx context.Context, body *RoundRequest) (*backend.Request, error) {
	req := body.Plan.Request(s.backend)
	if body.ConversationID == "" {
		return req, nil
	}

	stored, err := s.store.Load(ctx, body.ConversationID)
	if errors.Is(err, transcript.ErrNotFound) {
		return req, nil
	}
	if err != nil {
		return nil, err
	}
	req.Prompt = stored
	return req, nil
}

func (s *Server) persist(ctx context.Context, conversationID string, r *cascade.Round, req *backend.Request, runErr error) {
	if err := s.store.RecordRound(ctx, conversationID, r, runErr); err != nil {
		s.logger.Warn(ctx, "failed to record round", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if runErr != nil {
		return
	}
	if err := s.store.Save(ctx, conversationID, req.Prompt); err != nil {
		s.logger.Warn(ctx, "failed to save conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// lockConversation serializes rounds within one conversation. The returned
// func releases the lock.
func (s *Server) lockConversation(id string) func() {
	s.mu.Lock()
	l, ok := s.conversations[id]
	if !ok {
		l = &conversationLock{}
		s.conversations[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.conversations, id)
		}
		s.mu.Unlock()
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
