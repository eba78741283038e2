package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cascade/internal/backend"
)

// StepKind distinguishes generated steps from literal ones.
type StepKind int

const (
	// KindInference steps generate text with the backend.
	KindInference StepKind = iota + 1
	// KindGuidance steps contribute literal text without calling the backend.
	KindGuidance
)

func (k StepKind) String() string {
	switch k {
	case KindInference:
		return "inference"
	case KindGuidance:
		return "guidance"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// StepState is where a step is in its lifecycle.
type StepState int

const (
	// StateUnresolved steps have not run, or were rolled back.
	StateUnresolved StepState = iota
	// StateResolved steps ran successfully and hold an outcome.
	StateResolved
	// StateFailed steps failed their last run and wait to be retried.
	StateFailed
)

func (s StepState) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// StepConfig holds per-step settings.
type StepConfig struct {
	// Name labels the step in logs and diagnostics.
	Name string
	// Params override the request's sampling parameters.
	Params backend.Params
	// SkipCache makes PrimeCache a no-op for this step.
	SkipCache bool
	// Decoder interprets the raw output of an inference step. Nil keeps the
	// raw text.
	Decoder OutcomeDecoder
}

// Step is one unit of work in a round. Steps are created by a Round and
// owned by it.
type Step struct {
	kind     StepKind
	position int
	config   StepConfig

	// content is the literal text of a guidance step.
	content string
	// seed is text an inference step's output must start with.
	seed string

	state     StepState
	outcome   string
	primitive string
	raw       string
	lastErr   error
	attempts  int
	duration  time.Duration
	usage     backend.Completion
}

func newInferenceStep(cfg StepConfig, position int) *Step {
	return &Step{kind: KindInference, position: position, config: cfg}
}

func newGuidanceStep(cfg StepConfig, position int, content string) *Step {
	return &Step{kind: KindGuidance, position: position, config: cfg, content: content}
}

// Kind returns the step kind.
func (s *Step) Kind() StepKind { return s.kind }

// Position returns the 1-based position assigned when the step was added.
func (s *Step) Position() int { return s.position }

// Name returns the configured name.
func (s *Step) Name() string { return s.config.Name }

// Config returns the step configuration.
func (s *Step) Config() StepConfig { return s.config }

// State returns the lifecycle state.
func (s *Step) State() StepState { return s.state }

// Content returns the literal text of a guidance step.
func (s *Step) Content() string { return s.content }

// Seed returns the seed of an inference step.
func (s *Step) Seed() string { return s.seed }

// Attempts returns how many times the step has run.
func (s *Step) Attempts() int { return s.attempts }

// Err returns the error of the last failed run, or nil.
func (s *Step) Err() error { return s.lastErr }

// Duration returns how long the last run took.
func (s *Step) Duration() time.Duration { return s.duration }

// Usage returns backend accounting for the last successful inference run.
func (s *Step) Usage() backend.Completion { return s.usage }

// Raw returns the undecoded output of the last successful run.
func (s *Step) Raw() string { return s.raw }

// CacheParticipation reports whether the step primes the backend cache.
func (s *Step) CacheParticipation() bool { return !s.config.SkipCache }

// WithSeed makes an inference step continue from seed. The seed is part of
// the step's outcome.
func (s *Step) WithSeed(seed string) *Step {
	s.seed = seed
	return s
}

// WithName sets the step name.
func (s *Step) WithName(name string) *Step {
	s.config.Name = name
	return s
}

// WithParams merges p into the step's sampling parameters.
func (s *Step) WithParams(p backend.Params) *Step {
	s.config.Params = s.config.Params.Merge(p)
	return s
}

// WithDecoder sets the outcome decoder.
func (s *Step) WithDecoder(d OutcomeDecoder) *Step {
	s.config.Decoder = d
	return s
}

// WithoutCache excludes the step from cache priming.
func (s *Step) WithoutCache() *Step {
	s.config.SkipCache = true
	return s
}

// Run executes the step after prefix. Guidance steps resolve to their
// content; inference steps ask req's backend to continue from prefix.
func (s *Step) Run(ctx context.Context, prefix *string, req *backend.Request) error {
	start := time.Now()
	s.attempts++
	err := s.run(ctx, prefix, req)
	s.duration = time.Since(start)
	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		s.outcome, s.primitive, s.raw = "", "", ""
		return err
	}
	s.state = StateResolved
	s.lastErr = nil
	return nil
}

func (s *Step) run(ctx context.Context, prefix *string, req *backend.Request) error {
	if s.kind == KindGuidance {
		s.raw = s.content
		s.outcome = s.content
		s.primitive = s.content
		return nil
	}

	if req == nil || req.Backend == nil {
		return fmt.Errorf("step %d: %w", s.position, ErrNoBackend)
	}
	comp, err := req.Backend.Complete(ctx, req.Completion(prefix, s.config.Params))
	if err != nil {
		return fmt.Errorf("step %d: %w", s.position, err)
	}

	raw := s.seed + comp.Text
	display, primitive := raw, raw
	if s.config.Decoder != nil {
		if display, primitive, err = s.config.Decoder.Decode(raw); err != nil {
			return fmt.Errorf("step %d: %w", s.position, err)
		}
	}

	s.raw = raw
	s.outcome = display
	s.primitive = primitive
	s.usage = *comp
	return nil
}

// DisplayOutcome returns the text the step contributes to the round.
func (s *Step) DisplayOutcome() (string, error) {
	if s.state != StateResolved {
		return "", fmt.Errorf("step %d: %w", s.position, ErrStepUnresolved)
	}
	return s.outcome, nil
}

// DisplayPrefix returns the text the step itself puts in its generation
// prefix: the content of a guidance step or the seed of an inference step.
func (s *Step) DisplayPrefix() (string, bool) {
	text := s.seed
	if s.kind == KindGuidance {
		text = s.content
	}
	return text, text != ""
}

// PrimitiveResult returns the decoded result of a resolved step.
func (s *Step) PrimitiveResult() (string, bool) {
	if s.state != StateResolved {
		return "", false
	}
	return s.primitive, true
}

// PrimeCache asks req's backend to evaluate prefix without generating.
func (s *Step) PrimeCache(ctx context.Context, prefix *string, req *backend.Request) error {
	if s.config.SkipCache {
		return nil
	}
	if req == nil || req.Backend == nil {
		return fmt.Errorf("step %d: %w", s.position, ErrNoBackend)
	}
	if err := req.Backend.PrimeCache(ctx, req.Completion(prefix, s.config.Params)); err != nil {
		return fmt.Errorf("step %d: %w", s.position, err)
	}
	return nil
}

// reset returns a resolved step to the unresolved state.
func (s *Step) reset() {
	if s.state == StateResolved {
		s.state = StateUnresolved
	}
	s.outcome, s.primitive, s.raw = "", "", ""
}
