package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/llmapi"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"github.com/fyrsmithlabs/cascade/internal/prompt"
	"github.com/fyrsmithlabs/cascade/internal/telemetry"
	"github.com/fyrsmithlabs/cascade/internal/transcript"
)

const answerPlan = `{
	"task": "What is six times seven?",
	"steps": [
		{"kind": "guidance", "content": "Answer:"},
		{"kind": "inference", "name": "answer", "max_tokens": 4, "decoder": "integer"}
	]
}`

func newTestServer(t *testing.T, b backend.Backend, opts ...Option) (*Server, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	s, err := NewServer(b, logger.Logger, nil, opts...)
	require.NoError(t, err)
	return s, logger
}

func postRound(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, RoundResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rounds", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var resp RoundResponse
	if rec.Code == http.StatusOK || rec.Code == http.StatusBadGateway {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func roundBody(plan, conversationID string) string {
	if conversationID == "" {
		return `{"plan": ` + plan + `}`
	}
	return `{"plan": ` + plan + `, "conversation_id": "` + conversationID + `"}`
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, logging.NewNop(), nil)
	assert.ErrorContains(t, err, "backend")

	_, err = NewServer(backend.NewFake(), nil, nil)
	assert.ErrorContains(t, err, "logger")

	s, err := NewServer(backend.NewFake(), logging.NewNop(), &Config{Host: "127.0.0.1", Port: 8081})
	require.NoError(t, err)
	assert.Equal(t, 8081, s.config.Port)
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, backend.NewFake())

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Backend: "fake"}, resp)
}

func TestHandleRound_Success(t *testing.T) {
	fake := backend.NewFake(backend.Reply{Text: " 42"})
	s, logs := newTestServer(t, fake)

	rec, resp := postRound(t, s, roundBody(answerPlan, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.NotEmpty(t, resp.RoundID)
	assert.Equal(t, "What is six times seven?", resp.Task)
	assert.Equal(t, "Answer: 42", resp.Outcome)
	require.NotNil(t, resp.Primitive)
	assert.Equal(t, "42", *resp.Primitive)
	assert.Empty(t, resp.Error)

	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "guidance", resp.Steps[0].Kind)
	assert.Equal(t, "resolved", resp.Steps[0].State)
	assert.Equal(t, "answer", resp.Steps[1].Name)
	require.NotNil(t, resp.Steps[1].Outcome)
	assert.Equal(t, "42", *resp.Steps[1].Outcome)
	assert.Equal(t, 1, resp.Steps[1].Attempts)

	sent := fake.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "Answer:", sent[0].PrefixText())
	assert.Equal(t, 4, *sent[0].Params.MaxTokens)

	logs.AssertLogged(t, zap.InfoLevel, "http request")
	logs.AssertField(t, "http request", "request.id", rec.Header().Get(echo.HeaderXRequestID))
	logs.AssertField(t, "http request", "status", int64(http.StatusOK))
}

func TestHandleRound_Failure(t *testing.T) {
	fake := backend.NewFake(backend.Reply{Err: errors.New("backend exploded")})
	s, logs := newTestServer(t, fake)

	rec, resp := postRound(t, s, roundBody(answerPlan, ""))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	assert.Contains(t, resp.Error, "backend exploded")
	assert.Empty(t, resp.Outcome)
	assert.Nil(t, resp.Primitive)

	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "unresolved", resp.Steps[0].State, "resolved steps are rolled back")
	assert.Nil(t, resp.Steps[0].Outcome)
	assert.Equal(t, "failed", resp.Steps[1].State)
	assert.Contains(t, resp.Steps[1].Error, "backend exploded")

	logs.AssertLogged(t, zap.WarnLevel, "round rolled back")
}

func TestHandleRound_BadRequest(t *testing.T) {
	s, _ := newTestServer(t, backend.NewFake())

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "malformed json", body: `{"plan": `, wantMsg: "invalid request body"},
		{name: "invalid plan", body: `{"plan": {"steps": [{"kind": "guidance", "content": "x"}]}}`, wantMsg: "task is required"},
		{name: "no store", body: roundBody(answerPlan, "c1"), wantMsg: "transcript store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := postRound(t, s, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
		})
	}
}

func TestHandleRound_UnsupportedParam(t *testing.T) {
	openai := backend.NewOpenAI(llmapi.New(llmapi.OpenAIConfig("https://api.openai.com/v1", "")), "openai", "gpt-4o-mini")
	s, _ := newTestServer(t, openai)

	plan := `{"task": "Pick one.", "steps": [{"kind": "inference", "grammar": "root ::= [ab]"}]}`
	rec, _ := postRound(t, s, roundBody(plan, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "openai does not support grammar")
}

func TestHandleRound_Conversation(t *testing.T) {
	ctx := context.Background()
	store, err := transcript.Open(ctx, filepath.Join(t.TempDir(), "transcript.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := backend.NewFake(backend.Reply{Text: "42"}, backend.Reply{Text: "6"}, backend.Reply{Err: errors.New("down")})
	s, _ := newTestServer(t, fake, WithStore(store))

	rec, _ := postRound(t, s, roundBody(answerPlan, "c1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, resp := postRound(t, s, roundBody(answerPlan, "c1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "c1", resp.ConversationID)

	sent := fake.Requests()
	require.Len(t, sent, 2)
	assert.Equal(t, []prompt.Role{prompt.RoleUser, prompt.RoleAssistant, prompt.RoleUser}, roles(sent[1].Messages),
		"second round continues the stored conversation")

	rec, _ = postRound(t, s, roundBody(answerPlan, "c1"))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	stored, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Len(), "failed rounds leave the transcript untouched")

	records, err := store.Rounds(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Answer: 42", records[0].Outcome)
	assert.Equal(t, "6", records[1].Primitive)
	assert.Contains(t, records[2].Error, "down")

	assert.Empty(t, s.conversations, "idle conversation locks are released")
}

func TestLockConversation(t *testing.T) {
	s, _ := newTestServer(t, backend.NewFake())

	for i := range 100 {
		unlock := s.lockConversation(fmt.Sprintf("c%d", i))
		unlock()
	}
	assert.Empty(t, s.conversations)

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.lockConversation("shared")
			defer unlock()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "rounds of one conversation must not overlap")
	assert.Empty(t, s.conversations)
}

func TestHandleRound_PrimeCache(t *testing.T) {
	fake := backend.NewFake(backend.Reply{Text: "42"})
	s, _ := newTestServer(t, fake)

	rec, resp := postRound(t, s, `{"plan": `+answerPlan+`, "prime_cache": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, resp.CacheError)

	sent := fake.Requests()
	require.Len(t, sent, 1)
	primed := fake.Primed()
	require.Len(t, primed, 1)
	assert.Equal(t, sent[0].Messages, primed[0].Messages)
	assert.Equal(t, []prompt.Role{prompt.RoleUser}, roles(primed[0].Messages))
	assert.Equal(t, sent[0].PrefixText(), primed[0].PrefixText())
}

func TestHandleRound_PrimeCacheFailure(t *testing.T) {
	fake := backend.NewFake(backend.Reply{Text: "42"})
	fake.FailPriming(errors.New("slot busy"))
	s, logs := newTestServer(t, fake)

	rec, resp := postRound(t, s, `{"plan": `+answerPlan+`, "prime_cache": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Answer: 42", resp.Outcome)
	assert.Empty(t, resp.Error)
	assert.Contains(t, resp.CacheError, "slot busy")
	logs.AssertLogged(t, zap.WarnLevel, "cache priming failed")
}

func TestMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	fake := backend.NewFake(backend.Reply{Text: "42"}, backend.Reply{Err: errors.New("down")})
	s, _ := newTestServer(t, fake, WithTelemetry(tel.Tracer("test"), tel.Meter("test")))

	postRound(t, s, roundBody(answerPlan, ""))
	postRound(t, s, roundBody(answerPlan, ""))

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `cascade_rounds_total{status="ok"} 1`)
	assert.Contains(t, body, `cascade_rounds_total{status="failed"} 1`)
	assert.Contains(t, body, `cascade_round_steps_total{kind="inference",state="failed"} 1`)
	assert.Contains(t, body, "cascade_round_duration_seconds_count 2")
	assert.Contains(t, body, "go_goroutines")

	assert.Equal(t, int64(1), tel.CounterValue(t, "cascade.http.requests_total",
		attribute.String("endpoint", "/api/v1/rounds"), attribute.Int("status", http.StatusBadGateway)))
	assert.Equal(t, int64(1), tel.CounterValue(t, "cascade.round.steps_total",
		attribute.String("kind", "inference"), attribute.String("outcome", "resolved")))
	assert.Equal(t, 2, tel.SpanCount("cascade.round.run_all_steps"))
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", normalizePath(""))
	assert.Equal(t, "/api/v1/rounds", normalizePath("/api/v1/rounds"))
}

func roles(msgs []prompt.Message) []prompt.Role {
	out := make([]prompt.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
