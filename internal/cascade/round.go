package cascade

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/cascade/internal/cascade"

// DefaultSeparator joins step outcomes unless a round is configured
// otherwise.
const DefaultSeparator = ' '

// Round runs an ordered pipeline of steps for one task.
//
// Every step is in exactly one of the unresolved or resolved queues, except
// while it is running. A Round is not safe for concurrent use, and neither
// is the request it drives.
type Round struct {
	id   string
	task string

	unresolved []*Step
	resolved   []*Step

	separator    rune
	hasSeparator bool

	primeCache bool
	cacheErr   error

	logger *logging.Logger
	tracer trace.Tracer
	steps  metric.Int64Counter
}

// RoundOption configures a Round.
type RoundOption func(*Round)

// WithSeparator joins step outcomes with sep.
func WithSeparator(sep rune) RoundOption {
	return func(r *Round) {
		r.separator = sep
		r.hasSeparator = true
	}
}

// WithoutSeparator concatenates step outcomes directly.
func WithoutSeparator() RoundOption {
	return func(r *Round) {
		r.separator = 0
		r.hasSeparator = false
	}
}

// WithLogger sets the round logger.
func WithLogger(l *logging.Logger) RoundOption {
	return func(r *Round) { r.logger = l }
}

// WithTelemetry sets the tracer and meter. Nil values fall back to the
// global providers.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) RoundOption {
	return func(r *Round) {
		r.tracer = tracer
		if meter != nil {
			r.initMetrics(meter)
		}
	}
}

// WithCachePriming makes RunAllSteps prime the backend cache up to the last
// step once every step has resolved, before the outcome is added to the
// conversation. A priming failure does not fail the round; see CacheErr.
func WithCachePriming() RoundOption {
	return func(r *Round) { r.primeCache = true }
}

// WithID overrides the generated round id.
func WithID(id string) RoundOption {
	return func(r *Round) { r.id = id }
}

// NewRound creates an empty round for task.
func NewRound(task string, opts ...RoundOption) *Round {
	r := &Round{
		id:           uuid.NewString(),
		task:         task,
		separator:    DefaultSeparator,
		hasSeparator: true,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(instrumentationName)
	}
	if r.steps == nil {
		r.initMetrics(otel.Meter(instrumentationName))
	}
	r.logger = r.logger.Named("cascade")
	return r
}

func (r *Round) initMetrics(meter metric.Meter) {
	var err error
	r.steps, err = meter.Int64Counter(
		"cascade.round.steps_total",
		metric.WithDescription("Step executions by kind and outcome"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		r.logger.Underlying().Warn("failed to create steps counter", zap.Error(err))
	}
}

func (r *Round) recordStep(ctx context.Context, s *Step, outcome string) {
	if r.steps != nil {
		r.steps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", s.kind.String()),
			attribute.String("outcome", outcome),
		))
	}
}

// ID returns the round id.
func (r *Round) ID() string { return r.id }

// Task returns the task the round works on.
func (r *Round) Task() string { return r.task }

// Separator returns the separator between step outcomes, or false when
// outcomes are concatenated directly.
func (r *Round) Separator() (rune, bool) { return r.separator, r.hasSeparator }

// Unresolved returns the unresolved steps in execution order.
func (r *Round) Unresolved() []*Step { return slices.Clone(r.unresolved) }

// Resolved returns the resolved steps in completion order.
func (r *Round) Resolved() []*Step { return slices.Clone(r.resolved) }

// Steps returns every step, resolved ones first.
func (r *Round) Steps() []*Step { return slices.Concat(r.resolved, r.unresolved) }

// Len returns the number of steps in the round.
func (r *Round) Len() int { return len(r.resolved) + len(r.unresolved) }

// Done reports whether every step is resolved.
func (r *Round) Done() bool { return len(r.unresolved) == 0 }

// AddInferenceStep appends a generated step and returns it for further
// configuration.
func (r *Round) AddInferenceStep(cfg StepConfig) *Step {
	s := newInferenceStep(cfg, len(r.unresolved)+1)
	r.unresolved = append(r.unresolved, s)
	return s
}

// AddGuidanceStep appends a step whose outcome is content.
func (r *Round) AddGuidanceStep(cfg StepConfig, content string) *Step {
	s := newGuidanceStep(cfg, len(r.unresolved)+1, content)
	r.unresolved = append(r.unresolved, s)
	return s
}

// join concatenates the outcomes of steps with the round separator.
func (r *Round) join(steps []*Step) (string, error) {
	var b strings.Builder
	for i, s := range steps {
		outcome, err := s.DisplayOutcome()
		if err != nil {
			return "", err
		}
		if i > 0 && r.hasSeparator {
			b.WriteRune(r.separator)
		}
		b.WriteString(outcome)
	}
	return b.String(), nil
}

// GenerationPrefix returns the text step continues from: the resolved
// outcomes followed by the step's own prefix. It returns nil when that text
// is empty.
func (r *Round) GenerationPrefix(step *Step) (*string, error) {
	text, err := r.join(r.resolved)
	if err != nil {
		return nil, err
	}
	if own, ok := step.DisplayPrefix(); ok {
		if text != "" && r.hasSeparator {
			text += string(r.separator)
		}
		text += own
	}
	if text == "" {
		return nil, nil
	}
	return &text, nil
}

// DisplayOutcome returns the resolved outcomes joined by the separator.
func (r *Round) DisplayOutcome() (string, error) {
	return r.join(r.resolved)
}

// PrimitiveResult returns the primitive result of the last resolved step.
func (r *Round) PrimitiveResult() (string, bool) {
	if len(r.resolved) == 0 {
		return "", false
	}
	return r.resolved[len(r.resolved)-1].PrimitiveResult()
}

// LastStep returns the most recently resolved step.
func (r *Round) LastStep() (*Step, error) {
	if len(r.resolved) == 0 {
		return nil, ErrNoResolvedSteps
	}
	return r.resolved[len(r.resolved)-1], nil
}

// OpenRound adds the task as a user turn, for callers that run steps one at
// a time.
func (r *Round) OpenRound(req *backend.Request) error {
	if req == nil || req.Prompt == nil {
		return ErrNilRequest
	}
	req.Prompt.AddUserMessage().SetContent(r.task)
	return nil
}

// CloseRound adds the current outcome as an assistant turn.
func (r *Round) CloseRound(req *backend.Request) error {
	if req == nil || req.Prompt == nil {
		return ErrNilRequest
	}
	outcome, err := r.DisplayOutcome()
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	req.Prompt.AddAssistantMessage().SetContent(outcome)
	return nil
}

// RunAllSteps adds the task as a user turn, runs every unresolved step and
// adds the outcome as an assistant turn.
//
// If a step fails, all steps return to the unresolved queue in their
// original order, the user turn is removed and the step's error is
// returned.
func (r *Round) RunAllSteps(ctx context.Context, req *backend.Request) error {
	if req == nil || req.Prompt == nil {
		return ErrNilRequest
	}

	ctx = logging.WithRoundID(ctx, r.id)
	ctx, span := r.tracer.Start(ctx, "cascade.round.run_all_steps")
	defer span.End()

	span.SetAttributes(
		attribute.String("round.id", r.id),
		attribute.Int("round.steps", r.Len()),
	)

	r.logger.Debug(ctx, "running round", zap.Int("unresolved", len(r.unresolved)))
	r.cacheErr = nil

	req.Prompt.AddUserMessage().SetContent(r.task)

	err := r.runAll(ctx, req)
	if err != nil {
		r.rollback()
		req.Prompt.RemoveLast()

		span.RecordError(err)
		span.SetStatus(codes.Error, "round failed")
		r.logger.Warn(ctx, "round rolled back", zap.Error(err))
		return err
	}

	r.logger.Info(ctx, "round complete", zap.Int("steps", len(r.resolved)))
	return nil
}

func (r *Round) runAll(ctx context.Context, req *backend.Request) error {
	for len(r.unresolved) > 0 {
		if err := r.RunNextStep(ctx, req); err != nil {
			return err
		}
	}
	outcome, err := r.DisplayOutcome()
	if err != nil {
		return err
	}
	if r.primeCache && len(r.resolved) > 0 {
		r.cacheErr = r.SetCacheUpToLastStep(ctx, req)
	}
	req.Prompt.AddAssistantMessage().SetContent(outcome)
	return nil
}

// CacheErr returns the error of the cache priming done by the last
// RunAllSteps of a round created WithCachePriming, or nil.
func (r *Round) CacheErr() error {
	return r.cacheErr
}

// rollback moves every resolved step back in front of the unresolved ones.
func (r *Round) rollback() {
	for _, s := range r.resolved {
		s.reset()
	}
	r.unresolved = slices.Concat(r.resolved, r.unresolved)
	r.resolved = nil
}

// RunNextStep runs the front of the unresolved queue. On success the step
// moves to the back of the resolved queue; on failure it returns to the
// front of the unresolved queue and the error is returned. It does not
// retry.
func (r *Round) RunNextStep(ctx context.Context, req *backend.Request) error {
	if len(r.unresolved) == 0 {
		return ErrNoUnresolvedSteps
	}
	step := r.unresolved[0]
	r.unresolved = r.unresolved[1:]

	ctx = logging.WithStepPosition(logging.WithRoundID(ctx, r.id), step.position)
	ctx, span := r.tracer.Start(ctx, "cascade.round.run_next_step")
	defer span.End()

	span.SetAttributes(
		attribute.String("round.id", r.id),
		attribute.Int("step.position", step.position),
		attribute.String("step.kind", step.kind.String()),
	)

	prefix, err := r.GenerationPrefix(step)
	if err == nil {
		err = step.Run(ctx, prefix, req)
	}
	if err != nil {
		r.unresolved = slices.Insert(r.unresolved, 0, step)
		r.recordStep(ctx, step, "failed")

		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		r.logger.Warn(ctx, "step failed",
			zap.String("step.kind", step.kind.String()),
			zap.Int("attempts", step.attempts),
			zap.Error(err),
		)
		return err
	}

	r.resolved = append(r.resolved, step)
	r.recordStep(ctx, step, "resolved")
	r.logger.Debug(ctx, "step resolved",
		zap.String("step.kind", step.kind.String()),
		zap.String("step.name", step.config.Name),
		zap.Duration("duration", step.duration),
	)
	return nil
}

// SetCacheUpToLastStep primes the backend cache with the prefix the most
// recently resolved step ran with. The step stays resolved whether or not
// priming succeeds.
func (r *Round) SetCacheUpToLastStep(ctx context.Context, req *backend.Request) error {
	if len(r.resolved) == 0 {
		return ErrNoResolvedSteps
	}
	last := r.resolved[len(r.resolved)-1]
	r.resolved = r.resolved[:len(r.resolved)-1]

	ctx = logging.WithStepPosition(logging.WithRoundID(ctx, r.id), last.position)
	ctx, span := r.tracer.Start(ctx, "cascade.round.set_cache")
	defer span.End()

	span.SetAttributes(
		attribute.String("round.id", r.id),
		attribute.Int("step.position", last.position),
		attribute.Bool("step.cache", last.CacheParticipation()),
	)

	prefix, err := r.GenerationPrefix(last)
	if err == nil {
		err = last.PrimeCache(ctx, prefix, req)
	}
	r.resolved = append(r.resolved, last)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache priming failed")
		r.logger.Warn(ctx, "cache priming failed", zap.Error(err))
		return err
	}
	return nil
}
