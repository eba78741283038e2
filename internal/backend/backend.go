// Package backend adapts inference servers to the interface rounds drive.
package backend

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/cascade/internal/prompt"
)

// ErrEmptyCompletion is returned when a backend answers without any choice.
var ErrEmptyCompletion = errors.New("backend: completion has no choices")

// ErrUnsupportedParam is returned for a request that sets a sampling
// parameter the backend cannot honour.
var ErrUnsupportedParam = errors.New("backend: unsupported parameter")

// Backend generates text for a conversation, optionally continuing from a
// partial assistant reply.
type Backend interface {
	// Name identifies the backend in logs and transcripts.
	Name() string
	// Complete generates the continuation of req.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	// PrimeCache evaluates req without generating so that a later request
	// sharing the same prefix is served from the KV cache. Backends without
	// a client-visible cache return nil.
	PrimeCache(ctx context.Context, req *CompletionRequest) error
}

// Params are sampling parameters. Nil and zero values mean "backend default".
type Params struct {
	MaxTokens   *int
	Temperature *float64
	Stop        []string
	LogitBias   map[int]float64
	Grammar     string
}

// Features lists the optional sampling parameters a backend honours.
type Features struct {
	Grammar   bool
	LogitBias bool
}

// FeatureReporter is implemented by backends that honour only some of the
// optional parameters. Backends without it are assumed to honour all.
type FeatureReporter interface {
	Features() Features
}

// CheckParams returns an error wrapping ErrUnsupportedParam when p sets a
// parameter b would otherwise ignore.
func CheckParams(b Backend, p Params) error {
	r, ok := b.(FeatureReporter)
	if !ok {
		return nil
	}
	f := r.Features()

	var names []string
	if p.Grammar != "" && !f.Grammar {
		names = append(names, "grammar")
	}
	if len(p.LogitBias) > 0 && !f.LogitBias {
		names = append(names, "logit_bias")
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s does not support %s", ErrUnsupportedParam, b.Name(), strings.Join(names, ", "))
}

// Merge returns p overridden by every set field of o. Stop sequences and
// logit biases are combined.
func (p Params) Merge(o Params) Params {
	out := p
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if len(o.Stop) > 0 {
		out.Stop = append(append([]string(nil), p.Stop...), o.Stop...)
	}
	if len(o.LogitBias) > 0 {
		out.LogitBias = make(map[int]float64, len(p.LogitBias)+len(o.LogitBias))
		maps.Copy(out.LogitBias, p.LogitBias)
		maps.Copy(out.LogitBias, o.LogitBias)
	}
	if o.Grammar != "" {
		out.Grammar = o.Grammar
	}
	return out
}

// sortedBias returns the bias entries ordered by token id.
func sortedBias(bias map[int]float64) [][2]float64 {
	if len(bias) == 0 {
		return nil
	}
	ids := make([]int, 0, len(bias))
	for id := range bias {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([][2]float64, len(ids))
	for i, id := range ids {
		out[i] = [2]float64{float64(id), bias[id]}
	}
	return out
}

// Request is the conversational context shared by every step of a round:
// the prompt being built, the backend that serves it and the default
// sampling parameters.
type Request struct {
	Prompt  *prompt.Prompt
	Backend Backend
	Params  Params
}

// NewRequest creates a request with an empty prompt.
func NewRequest(b Backend) *Request {
	return &Request{Prompt: prompt.New(), Backend: b}
}

// Completion builds the backend request for the current prompt, continuing
// after prefix and using p on top of the request defaults.
func (r *Request) Completion(prefix *string, p Params) *CompletionRequest {
	return &CompletionRequest{
		Messages: r.Prompt.Messages(),
		Prefix:   prefix,
		Params:   r.Params.Merge(p),
	}
}

// CompletionRequest is a snapshot of the conversation plus the assistant
// text generation continues from.
type CompletionRequest struct {
	Messages []prompt.Message
	Prefix   *string
	Params   Params
}

// PrefixText returns the prefix or "".
func (r *CompletionRequest) PrefixText() string {
	if r.Prefix == nil {
		return ""
	}
	return *r.Prefix
}

// Completion is generated text. Text excludes the request prefix.
type Completion struct {
	Text            string
	FinishReason    string
	TokensPredicted int
	TokensEvaluated int
}
