package llmapi

import "context"

// TokenizeRequest asks a llama.cpp server for the token ids of Content.
type TokenizeRequest struct {
	Content string `json:"content"`
}

type TokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

type DetokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

type DetokenizeResponse struct {
	Content string `json:"content"`
}

// Tokenize groups the /tokenize endpoint.
type Tokenize struct{ c *Client }

func (c *Client) Tokenize() Tokenize { return Tokenize{c} }

func (g Tokenize) Create(ctx context.Context, req TokenizeRequest) (*TokenizeResponse, error) {
	resp, err := Post[TokenizeResponse](ctx, g.c, "tokenize", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Detokenize groups the /detokenize endpoint.
type Detokenize struct{ c *Client }

func (c *Client) Detokenize() Detokenize { return Detokenize{c} }

func (g Detokenize) Create(ctx context.Context, req DetokenizeRequest) (*DetokenizeResponse, error) {
	resp, err := Post[DetokenizeResponse](ctx, g.c, "detokenize", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
