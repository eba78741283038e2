package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/cascade/internal/llmapi"
)

// OpenAI talks to any OpenAI-compatible chat completions API. A generation
// prefix is sent as a trailing assistant message for the server to continue.
type OpenAI struct {
	client *llmapi.Client
	model  string
	name   string
}

// NewOpenAI creates a chat completions backend. name labels the provider
// (e.g. "openai", "perplexity").
func NewOpenAI(client *llmapi.Client, name, model string) *OpenAI {
	return &OpenAI{client: client, model: model, name: name}
}

func (o *OpenAI) Name() string { return o.name }

// Model returns the model requests are sent to.
func (o *OpenAI) Model() string { return o.model }

// Features reports that chat completions take a logit bias but no grammar.
func (o *OpenAI) Features() Features { return Features{LogitBias: true} }

func (o *OpenAI) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if err := CheckParams(o, req.Params); err != nil {
		return nil, err
	}
	msgs := make([]llmapi.ChatMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		msgs = append(msgs, llmapi.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	if prefix := req.PrefixText(); prefix != "" {
		msgs = append(msgs, llmapi.ChatMessage{Role: "assistant", Content: prefix})
	}

	var bias map[string]float64
	if len(req.Params.LogitBias) > 0 {
		bias = make(map[string]float64, len(req.Params.LogitBias))
		for id, v := range req.Params.LogitBias {
			bias[strconv.Itoa(id)] = v
		}
	}

	resp, err := o.client.ChatCompletions().Create(ctx, llmapi.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		Stop:        req.Params.Stop,
		LogitBias:   bias,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s completion: %w", o.name, ErrEmptyCompletion)
	}

	choice := resp.Choices[0]
	return &Completion{
		Text:            choice.Message.Content,
		FinishReason:    choice.FinishReason,
		TokensPredicted: resp.Usage.CompletionTokens,
		TokensEvaluated: resp.Usage.PromptTokens,
	}, nil
}

// PrimeCache is a no-op: hosted APIs manage prompt caching server-side.
func (o *OpenAI) PrimeCache(context.Context, *CompletionRequest) error {
	return nil
}
