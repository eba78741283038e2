package http

import (
	"github.com/fyrsmithlabs/cascade/internal/cascade"
	"github.com/fyrsmithlabs/cascade/internal/plan"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// RoundRequest is the request body for POST /api/v1/rounds.
type RoundRequest struct {
	Plan plan.Plan `json:"plan"`

	// ConversationID continues a stored transcript. The round's turns are
	// saved back under the same id when it succeeds. Requires a transcript
	// store.
	ConversationID string `json:"conversation_id,omitempty"`

	// PrimeCache warms the backend cache up to the last step once every step
	// has resolved, so a follow-up round reuses the evaluated prompt.
	PrimeCache bool `json:"prime_cache,omitempty"`
}

// RoundResponse is the response body for POST /api/v1/rounds.
type RoundResponse struct {
	RoundID        string       `json:"round_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Task           string       `json:"task"`
	Outcome        string       `json:"outcome"`
	Primitive      *string      `json:"primitive,omitempty"`
	Steps          []StepStatus `json:"steps"`
	Error          string       `json:"error,omitempty"`

	// CacheError reports a failed cache priming. The round itself still
	// succeeded.
	CacheError string `json:"cache_error,omitempty"`
}

// StepStatus describes one step after the round finished.
type StepStatus struct {
	Position int     `json:"position"`
	Kind     string  `json:"kind"`
	Name     string  `json:"name,omitempty"`
	State    string  `json:"state"`
	Outcome  *string `json:"outcome,omitempty"`
	Attempts int     `json:"attempts"`
	Error    string  `json:"error,omitempty"`
}

func newRoundResponse(r *cascade.Round, conversationID string, runErr error) RoundResponse {
	resp := RoundResponse{
		RoundID:        r.ID(),
		ConversationID: conversationID,
		Task:           r.Task(),
	}
	if outcome, err := r.DisplayOutcome(); err == nil {
		resp.Outcome = outcome
	}
	if v, ok := r.PrimitiveResult(); ok {
		resp.Primitive = &v
	}
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	if err := r.CacheErr(); err != nil {
		resp.CacheError = err.Error()
	}

	for _, s := range r.Steps() {
		st := StepStatus{
			Position: s.Position(),
			Kind:     s.Kind().String(),
			Name:     s.Name(),
			State:    s.State().String(),
			Attempts: s.Attempts(),
		}
		if outcome, err := s.DisplayOutcome(); err == nil {
			st.Outcome = &outcome
		}
		if err := s.Err(); err != nil {
			st.Error = err.Error()
		}
		resp.Steps = append(resp.Steps, st)
	}
	return resp
}
