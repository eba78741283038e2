package backend

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cascade/internal/llmapi"
)

// LlamaCpp drives a llama.cpp server through its raw /completion endpoint so
// that generation can continue from an arbitrary assistant prefix and the
// prompt stays in the server's KV cache between steps.
type LlamaCpp struct {
	client   *llmapi.Client
	template ChatTemplate
}

// NewLlamaCpp creates a llama.cpp backend.
func NewLlamaCpp(client *llmapi.Client, template ChatTemplate) *LlamaCpp {
	if template == "" {
		template = TemplateChatML
	}
	return &LlamaCpp{client: client, template: template}
}

func (l *LlamaCpp) Name() string { return "llamacpp" }

// Client exposes the underlying API client for tokenization.
func (l *LlamaCpp) Client() *llmapi.Client { return l.client }

func (l *LlamaCpp) request(req *CompletionRequest) llmapi.CompletionRequest {
	p := req.Params
	return llmapi.CompletionRequest{
		Prompt:      l.template.Render(req.Messages, req.PrefixText()),
		NPredict:    p.MaxTokens,
		Temperature: p.Temperature,
		Stop:        append(l.template.StopSequences(), p.Stop...),
		LogitBias:   sortedBias(p.LogitBias),
		Grammar:     p.Grammar,
		CachePrompt: true,
	}
}

func (l *LlamaCpp) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	resp, err := l.client.Completions().Create(ctx, l.request(req))
	if err != nil {
		return nil, fmt.Errorf("llamacpp completion: %w", err)
	}

	finish := "stop"
	switch {
	case resp.StoppedLimit:
		finish = "length"
	case resp.StoppedWord:
		finish = "stop_word"
	}
	return &Completion{
		Text:            resp.Content,
		FinishReason:    finish,
		TokensPredicted: resp.TokensPredicted,
		TokensEvaluated: resp.TokensEvaluated,
	}, nil
}

// PrimeCache evaluates the prompt with n_predict=0.
func (l *LlamaCpp) PrimeCache(ctx context.Context, req *CompletionRequest) error {
	body := l.request(req)
	zero := 0
	body.NPredict = &zero
	if _, err := l.client.Completions().Create(ctx, body); err != nil {
		return fmt.Errorf("llamacpp prime cache: %w", err)
	}
	return nil
}
