package cascade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"github.com/fyrsmithlabs/cascade/internal/prompt"
	"github.com/fyrsmithlabs/cascade/internal/telemetry"
)

var errBackend = errors.New("backend down")

func positions(steps []*Step) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.Position()
	}
	return out
}

func prefixText(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

// resolveGuidance builds a round whose resolved queue holds the given
// literal outcomes.
func resolveGuidance(t *testing.T, opts []RoundOption, outcomes ...string) *Round {
	t.Helper()
	r := NewRound("task", opts...)
	for _, o := range outcomes {
		r.AddGuidanceStep(StepConfig{}, o)
	}
	req := backend.NewRequest(nil)
	for range outcomes {
		require.NoError(t, r.RunNextStep(context.Background(), req))
	}
	return r
}

func TestRound_AddSteps(t *testing.T) {
	r := NewRound("count to three")

	s1 := r.AddInferenceStep(StepConfig{Name: "first"})
	s2 := r.AddGuidanceStep(StepConfig{}, "and then")
	s3 := r.AddInferenceStep(StepConfig{}).WithSeed("3")

	assert.Equal(t, []int{1, 2, 3}, positions(r.Unresolved()))
	assert.Equal(t, KindInference, s1.Kind())
	assert.Equal(t, KindGuidance, s2.Kind())
	assert.Equal(t, "and then", s2.Content())
	assert.Equal(t, "3", s3.Seed())
	assert.Equal(t, "first", s1.Name())
	assert.Empty(t, r.Resolved())
	assert.Equal(t, 3, r.Len())
	assert.NotEmpty(t, r.ID())
	assert.Equal(t, "count to three", r.Task())
}

func TestRound_AddStepPositionCountsUnresolved(t *testing.T) {
	r := NewRound("task")
	r.AddGuidanceStep(StepConfig{}, "a")
	r.AddGuidanceStep(StepConfig{}, "b")
	require.NoError(t, r.RunNextStep(context.Background(), backend.NewRequest(nil)))

	s := r.AddGuidanceStep(StepConfig{}, "c")
	assert.Equal(t, 2, s.Position(), "position is the unresolved length plus one")
}

func TestRound_GenerationPrefix(t *testing.T) {
	t.Run("fresh round without own prefix", func(t *testing.T) {
		r := NewRound("task")
		s := r.AddInferenceStep(StepConfig{})
		got, err := r.GenerationPrefix(s)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("fresh round with seed", func(t *testing.T) {
		r := NewRound("task")
		s := r.AddInferenceStep(StepConfig{}).WithSeed("Answer:")
		got, err := r.GenerationPrefix(s)
		require.NoError(t, err)
		assert.Equal(t, "Answer:", prefixText(got))
	})

	tests := []struct {
		name    string
		opts    []RoundOption
		content string
		want    string
	}{
		{name: "space separator", want: "a b"},
		{name: "space separator with guidance", content: "c", want: "a b c"},
		{name: "newline separator", opts: []RoundOption{WithSeparator('\n')}, content: "c", want: "a\nb\nc"},
		{name: "no separator", opts: []RoundOption{WithoutSeparator()}, content: "c", want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := resolveGuidance(t, tt.opts, "a", "b")
			var next *Step
			if tt.content == "" {
				next = r.AddInferenceStep(StepConfig{})
			} else {
				next = r.AddGuidanceStep(StepConfig{}, tt.content)
			}
			got, err := r.GenerationPrefix(next)
			require.NoError(t, err)
			assert.Equal(t, tt.want, prefixText(got))
		})
	}
}

func TestRound_GenerationPrefixUnresolvedStepInResolvedQueue(t *testing.T) {
	// Resolved steps always carry an outcome, so this can only be reached by
	// breaking the queue invariant from inside the package.
	r := NewRound("task")
	broken := r.AddInferenceStep(StepConfig{})
	r.resolved = append(r.resolved, broken)
	r.unresolved = nil

	_, err := r.GenerationPrefix(r.AddInferenceStep(StepConfig{}))
	assert.ErrorIs(t, err, ErrStepUnresolved)
}

func TestRound_DisplayOutcome(t *testing.T) {
	got, err := resolveGuidance(t, nil, "a", "b").DisplayOutcome()
	require.NoError(t, err)
	assert.Equal(t, "a b", got)

	got, err = resolveGuidance(t, []RoundOption{WithoutSeparator()}, "a", "b").DisplayOutcome()
	require.NoError(t, err)
	assert.Equal(t, "ab", got)

	got, err = NewRound("task").DisplayOutcome()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRound_RunAllSteps_GuidanceOnly(t *testing.T) {
	r := NewRound("greet", WithSeparator('\n'))
	r.AddGuidanceStep(StepConfig{}, "Hello")
	r.AddGuidanceStep(StepConfig{}, "World")

	req := backend.NewRequest(nil)
	require.NoError(t, r.RunAllSteps(context.Background(), req))

	outcome, err := r.DisplayOutcome()
	require.NoError(t, err)
	assert.Equal(t, "Hello\nWorld", outcome)
	assert.True(t, r.Done())

	assert.Equal(t, []prompt.Message{
		{Role: prompt.RoleUser, Content: "greet"},
		{Role: prompt.RoleAssistant, Content: "Hello\nWorld"},
	}, req.Prompt.Messages())
}

func TestRound_RunAllSteps_Inference(t *testing.T) {
	fake := backend.NewFake(
		backend.Reply{Text: "1, 2"},
		backend.Reply{Text: " 4"},
	)
	r := NewRound("count to four")
	r.AddInferenceStep(StepConfig{})
	r.AddGuidanceStep(StepConfig{}, "3,")
	r.AddInferenceStep(StepConfig{Decoder: IntegerDecoder{}}).WithSeed("then")

	req := backend.NewRequest(fake)
	req.Prompt.AddSystemMessage().SetContent("count")
	require.NoError(t, r.RunAllSteps(context.Background(), req))

	sent := fake.Requests()
	require.Len(t, sent, 2)
	assert.Nil(t, sent[0].Prefix)
	assert.Equal(t, "1, 2 3, then", sent[1].PrefixText())
	assert.Equal(t, prompt.Message{Role: prompt.RoleUser, Content: "count to four"}, sent[0].Messages[1])

	outcome, err := r.DisplayOutcome()
	require.NoError(t, err)
	assert.Equal(t, "1, 2 3, then 4", outcome)

	result, ok := r.PrimitiveResult()
	assert.True(t, ok)
	assert.Equal(t, "4", result)

	last, ok := req.Prompt.Last()
	require.True(t, ok)
	assert.Equal(t, prompt.Message{Role: prompt.RoleAssistant, Content: "1, 2 3, then 4"}, last)
}

func TestRound_RunAllSteps_RollsBack(t *testing.T) {
	fake := backend.NewFake(
		backend.Reply{Text: "one"},
		backend.Reply{Err: errBackend},
	)
	tl := logging.NewTestLogger()
	r := NewRound("task", WithLogger(tl.Logger))
	r.AddInferenceStep(StepConfig{})
	r.AddInferenceStep(StepConfig{})
	r.AddInferenceStep(StepConfig{})

	req := backend.NewRequest(fake)
	req.Prompt.AddSystemMessage().SetContent("system")

	err := r.RunAllSteps(context.Background(), req)
	require.ErrorIs(t, err, errBackend)

	assert.Equal(t, []int{1, 2, 3}, positions(r.Unresolved()))
	assert.Empty(t, r.Resolved())
	assert.Equal(t, 3, r.Len())

	unresolved := r.Unresolved()
	assert.Equal(t, StateUnresolved, unresolved[0].State(), "earlier steps lose their outcome")
	assert.Equal(t, StateFailed, unresolved[1].State())
	assert.ErrorIs(t, unresolved[1].Err(), errBackend)
	assert.Equal(t, StateUnresolved, unresolved[2].State())
	_, err = unresolved[0].DisplayOutcome()
	assert.ErrorIs(t, err, ErrStepUnresolved)

	assert.Equal(t, []prompt.Message{{Role: prompt.RoleSystem, Content: "system"}}, req.Prompt.Messages(),
		"the conversation is left as it was")
	assert.Len(t, fake.Requests(), 2, "step 3 is never attempted")

	tl.AssertLogged(t, zapcore.WarnLevel, "round rolled back")
	tl.AssertField(t, "round rolled back", "round.id", r.ID())

	t.Run("rerun from scratch", func(t *testing.T) {
		require.NoError(t, r.RunAllSteps(context.Background(), req))
		assert.Equal(t, []int{1, 2, 3}, positions(r.Resolved()))
		assert.Empty(t, r.Unresolved())
		assert.Equal(t, 3, r.Len())
		assert.Equal(t, 2, r.Resolved()[0].Attempts())

		// Fake replies are exhausted, so each step gets "completion N".
		outcome, err := r.DisplayOutcome()
		require.NoError(t, err)
		assert.Equal(t, "completion 3 completion 4 completion 5", outcome)
		assert.Equal(t, 3, req.Prompt.Len())
	})
}

func TestRound_RunNextStep(t *testing.T) {
	fake := backend.NewFake(
		backend.Reply{Text: "a"},
		backend.Reply{Err: errBackend},
		backend.Reply{Text: "b"},
	)
	r := NewRound("task")
	for range 3 {
		r.AddInferenceStep(StepConfig{})
	}
	req := backend.NewRequest(fake)
	ctx := context.Background()

	require.NoError(t, r.RunNextStep(ctx, req))
	assert.Equal(t, []int{1}, positions(r.Resolved()))
	assert.Equal(t, []int{2, 3}, positions(r.Unresolved()))
	assert.Equal(t, 3, r.Len())

	require.ErrorIs(t, r.RunNextStep(ctx, req), errBackend)
	assert.Equal(t, []int{1}, positions(r.Resolved()), "resolved steps are kept")
	assert.Equal(t, []int{2, 3}, positions(r.Unresolved()), "the failed step is retried next")
	assert.Equal(t, 3, r.Len())

	require.NoError(t, r.RunNextStep(ctx, req))
	assert.Equal(t, []int{1, 2}, positions(r.Resolved()))
	assert.Equal(t, []int{3}, positions(r.Unresolved()))
	assert.Equal(t, 2, r.Resolved()[1].Attempts())

	require.NoError(t, r.RunNextStep(ctx, req))
	assert.ErrorIs(t, r.RunNextStep(ctx, req), ErrNoUnresolvedSteps)
	assert.Empty(t, req.Prompt.Messages(), "single steps never touch the conversation")
}

func TestRound_RunNextStepWithoutBackend(t *testing.T) {
	r := NewRound("task")
	r.AddInferenceStep(StepConfig{})

	err := r.RunNextStep(context.Background(), backend.NewRequest(nil))
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.Equal(t, []int{1}, positions(r.Unresolved()))
}

func TestRound_PrimitiveResultAndLastStep(t *testing.T) {
	r := NewRound("task")
	_, ok := r.PrimitiveResult()
	assert.False(t, ok)
	_, err := r.LastStep()
	assert.ErrorIs(t, err, ErrNoResolvedSteps)

	r = resolveGuidance(t, nil, "a", "b")
	result, ok := r.PrimitiveResult()
	assert.True(t, ok)
	assert.Equal(t, "b", result)

	last, err := r.LastStep()
	require.NoError(t, err)
	assert.Equal(t, 2, last.Position())
}

func TestRound_OpenAndCloseRound(t *testing.T) {
	r := NewRound("describe a cat")
	r.AddGuidanceStep(StepConfig{}, "Cats")
	r.AddGuidanceStep(StepConfig{}, "purr.")

	req := backend.NewRequest(nil)
	require.NoError(t, r.OpenRound(req))
	ctx := context.Background()
	for !r.Done() {
		require.NoError(t, r.RunNextStep(ctx, req))
	}
	require.NoError(t, r.CloseRound(req))

	assert.Equal(t, []prompt.Message{
		{Role: prompt.RoleUser, Content: "describe a cat"},
		{Role: prompt.RoleAssistant, Content: "Cats purr."},
	}, req.Prompt.Messages())

	assert.ErrorIs(t, r.OpenRound(nil), ErrNilRequest)
	assert.ErrorIs(t, r.CloseRound(&backend.Request{}), ErrNilRequest)
	assert.ErrorIs(t, r.RunAllSteps(context.Background(), nil), ErrNilRequest)
}

func TestRound_SetCacheUpToLastStep(t *testing.T) {
	ctx := context.Background()

	t.Run("empty round", func(t *testing.T) {
		r := NewRound("task")
		assert.ErrorIs(t, r.SetCacheUpToLastStep(ctx, backend.NewRequest(backend.NewFake())), ErrNoResolvedSteps)
	})

	t.Run("primes with the prefix the step ran with", func(t *testing.T) {
		fake := backend.NewFake()
		r := NewRound("task")
		r.AddGuidanceStep(StepConfig{}, "a")
		r.AddGuidanceStep(StepConfig{}, "b")
		req := backend.NewRequest(fake)
		require.NoError(t, r.RunAllSteps(ctx, req))

		require.NoError(t, r.SetCacheUpToLastStep(ctx, req))
		primed := fake.Primed()
		require.Len(t, primed, 1)
		assert.Equal(t, "a b", primed[0].PrefixText())
		assert.Equal(t, []int{1, 2}, positions(r.Resolved()))
	})

	t.Run("failure restores the step", func(t *testing.T) {
		fake := backend.NewFake()
		fake.FailPriming(errBackend)
		r := resolveGuidance(t, nil, "a", "b", "c")

		err := r.SetCacheUpToLastStep(ctx, backend.NewRequest(fake))
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, []int{1, 2, 3}, positions(r.Resolved()))
		assert.Empty(t, r.Unresolved())

		outcome, err := r.DisplayOutcome()
		require.NoError(t, err)
		assert.Equal(t, "a b c", outcome)
	})

	t.Run("steps outside the cache are skipped", func(t *testing.T) {
		fake := backend.NewFake()
		r := NewRound("task")
		r.AddGuidanceStep(StepConfig{SkipCache: true}, "a")
		require.NoError(t, r.RunNextStep(ctx, backend.NewRequest(fake)))

		require.NoError(t, r.SetCacheUpToLastStep(ctx, backend.NewRequest(fake)))
		assert.Empty(t, fake.Primed())
	})
}

func TestRound_RunAllStepsWithCachePriming(t *testing.T) {
	ctx := context.Background()

	t.Run("primes the conversation the last step saw", func(t *testing.T) {
		fake := backend.NewFake(backend.Reply{Text: "one"}, backend.Reply{Text: "two"})
		r := NewRound("task", WithCachePriming())
		r.AddInferenceStep(StepConfig{})
		r.AddInferenceStep(StepConfig{})
		req := backend.NewRequest(fake)
		req.Prompt.AddSystemMessage().SetContent("system")

		require.NoError(t, r.RunAllSteps(ctx, req))
		require.NoError(t, r.CacheErr())

		requests := fake.Requests()
		require.Len(t, requests, 2)
		primed := fake.Primed()
		require.Len(t, primed, 1)

		lastReq := requests[len(requests)-1]
		assert.Equal(t, lastReq.Messages, primed[0].Messages)
		assert.Equal(t, lastReq.PrefixText(), primed[0].PrefixText())
		assert.Equal(t, "one", primed[0].PrefixText())
		assert.Equal(t, []prompt.Message{
			{Role: prompt.RoleSystem, Content: "system"},
			{Role: prompt.RoleUser, Content: "task"},
		}, primed[0].Messages)

		// The outcome is added after priming.
		require.Equal(t, 3, req.Prompt.Len())
		last, ok := req.Prompt.Last()
		require.True(t, ok)
		assert.Equal(t, prompt.Message{Role: prompt.RoleAssistant, Content: "one two"}, last)
	})

	t.Run("failure does not fail the round", func(t *testing.T) {
		fake := backend.NewFake()
		fake.FailPriming(errBackend)
		logger := logging.NewTestLogger()
		r := NewRound("task", WithCachePriming(), WithLogger(logger.Logger))
		r.AddGuidanceStep(StepConfig{}, "a")
		req := backend.NewRequest(fake)

		require.NoError(t, r.RunAllSteps(ctx, req))
		assert.ErrorIs(t, r.CacheErr(), errBackend)
		assert.Equal(t, 2, req.Prompt.Len())
		assert.Equal(t, []int{1}, positions(r.Resolved()))
		logger.AssertLogged(t, zapcore.WarnLevel, "cache priming failed")
	})

	t.Run("off by default", func(t *testing.T) {
		fake := backend.NewFake()
		r := NewRound("task")
		r.AddInferenceStep(StepConfig{})

		require.NoError(t, r.RunAllSteps(ctx, backend.NewRequest(fake)))
		assert.Empty(t, fake.Primed())
		assert.NoError(t, r.CacheErr())
	})

	t.Run("failed round does not prime", func(t *testing.T) {
		fake := backend.NewFake(backend.Reply{Err: errBackend})
		r := NewRound("task", WithCachePriming())
		r.AddGuidanceStep(StepConfig{}, "a")
		r.AddInferenceStep(StepConfig{})

		require.ErrorIs(t, r.RunAllSteps(ctx, backend.NewRequest(fake)), errBackend)
		assert.Empty(t, fake.Primed())
	})
}

func TestRound_Telemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	fake := backend.NewFake(backend.Reply{Text: "x"}, backend.Reply{Err: errBackend})

	r := NewRound("task", WithTelemetry(tt.Tracer("test"), tt.Meter("test")), WithID("round-1"))
	r.AddInferenceStep(StepConfig{})
	r.AddInferenceStep(StepConfig{})

	req := backend.NewRequest(fake)
	require.Error(t, r.RunAllSteps(context.Background(), req))

	assert.Equal(t, 1, tt.SpanCount("cascade.round.run_all_steps"))
	assert.Equal(t, 2, tt.SpanCount("cascade.round.run_next_step"))
	tt.AssertSpanAttribute(t, "cascade.round.run_all_steps", "round.id", "round-1")
	assert.Equal(t, int64(1), tt.CounterValue(t, "cascade.round.steps_total", attribute.String("outcome", "resolved")))
	assert.Equal(t, int64(1), tt.CounterValue(t, "cascade.round.steps_total",
		attribute.String("outcome", "failed"), attribute.String("kind", "inference")))

	run := tt.SpanByName("cascade.round.run_all_steps")
	require.NotNil(t, run)
	assert.Equal(t, "round failed", run.Status().Description)

	require.NoError(t, r.RunNextStep(context.Background(), req))
	require.NoError(t, r.SetCacheUpToLastStep(context.Background(), req))
	assert.Equal(t, 1, tt.SpanCount("cascade.round.set_cache"))
}

func TestRound_Render(t *testing.T) {
	r := NewRound("count")
	r.AddGuidanceStep(StepConfig{}, "one")
	r.AddGuidanceStep(StepConfig{}, "two")
	require.NoError(t, r.RunNextStep(context.Background(), backend.NewRequest(nil)))

	out := r.Render()
	assert.Contains(t, out, "'count'")
	assert.Contains(t, out, "unresolved_steps")
	assert.Contains(t, out, "resolved_steps")
	assert.Contains(t, out, "'No outcome'")
	assert.Contains(t, out, "'one'")
	assert.Equal(t, out, r.String())

	assert.Equal(t, []int{1}, positions(r.Resolved()), "rendering leaves the queues alone")
	assert.Equal(t, []int{2}, positions(r.Unresolved()))
}
