package logitbias

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/config"
	"github.com/fyrsmithlabs/cascade/internal/llmapi"
)

// Llama tokenizes with a llama.cpp server's /tokenize endpoint.
type Llama struct {
	client *llmapi.Client
}

// NewLlama creates a tokenizer backed by client.
func NewLlama(client *llmapi.Client) *Llama {
	return &Llama{client: client}
}

func (l *Llama) Tokenize(ctx context.Context, text string) ([]int, error) {
	resp, err := l.client.Tokenize().Create(ctx, llmapi.TokenizeRequest{Content: text})
	if err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// Piece returns the text of a single token.
func (l *Llama) Piece(ctx context.Context, id int) (string, error) {
	resp, err := l.client.Detokenize().Create(ctx, llmapi.DetokenizeRequest{Tokens: []int{id}})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Tiktoken tokenizes locally with an OpenAI BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the encoding used by model, e.g. "gpt-4o-mini".
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding for %q: %w", model, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// NewTiktokenEncoding loads an encoding by name, e.g. "cl100k_base".
func NewTiktokenEncoding(name string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %q: %w", name, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Tokenize(_ context.Context, text string) ([]int, error) {
	return t.enc.Encode(text, nil, nil), nil
}

// Piece returns the text of a single token.
func (t *Tiktoken) Piece(_ context.Context, id int) (string, error) {
	return t.enc.Decode([]int{id}), nil
}

// PieceTokenizer can also show the text of a token.
type PieceTokenizer interface {
	Tokenizer
	Piece(ctx context.Context, id int) (string, error)
}

// ForBackend returns the tokenizer matching b's vocabulary.
func ForBackend(b backend.Backend) (PieceTokenizer, error) {
	switch b := b.(type) {
	case *backend.LlamaCpp:
		return NewLlama(b.Client()), nil
	case *backend.OpenAI:
		if b.Name() != config.ProviderOpenAI {
			return nil, fmt.Errorf("no tokenizer for provider %q", b.Name())
		}
		return NewTiktoken(b.Model())
	default:
		return nil, fmt.Errorf("no tokenizer for provider %q", b.Name())
	}
}
