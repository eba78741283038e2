package backend

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cascade/internal/prompt"
	"github.com/tmc/langchaingo/llms"
)

// LangChain adapts any langchaingo model.
type LangChain struct {
	model llms.Model
	name  string
}

// NewLangChain wraps model under name.
func NewLangChain(model llms.Model, name string) *LangChain {
	return &LangChain{model: model, name: name}
}

func (l *LangChain) Name() string { return l.name }

// Features reports that neither grammars nor logit biases reach the model.
func (l *LangChain) Features() Features { return Features{} }

func (l *LangChain) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if err := CheckParams(l, req.Params); err != nil {
		return nil, err
	}
	messages := make([]llms.MessageContent, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		messages = append(messages, llms.TextParts(chatMessageType(m.Role), m.Content))
	}
	if prefix := req.PrefixText(); prefix != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, prefix))
	}

	var opts []llms.CallOption
	if req.Params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*req.Params.MaxTokens))
	}
	if req.Params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Params.Temperature))
	}
	if len(req.Params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(req.Params.Stop))
	}

	resp, err := l.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", l.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s completion: %w", l.name, ErrEmptyCompletion)
	}
	return &Completion{
		Text:         resp.Choices[0].Content,
		FinishReason: resp.Choices[0].StopReason,
	}, nil
}

// PrimeCache is a no-op: langchaingo exposes no cache control.
func (l *LangChain) PrimeCache(context.Context, *CompletionRequest) error {
	return nil
}

func chatMessageType(r prompt.Role) llms.ChatMessageType {
	switch r {
	case prompt.RoleSystem:
		return llms.ChatMessageTypeSystem
	case prompt.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
