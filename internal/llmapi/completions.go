package llmapi

import "context"

// CompletionRequest is a llama.cpp /completion request.
type CompletionRequest struct {
	Prompt      string       `json:"prompt"`
	NPredict    *int         `json:"n_predict,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	LogitBias   [][2]float64 `json:"logit_bias,omitempty"`
	Grammar     string       `json:"grammar,omitempty"`
	CachePrompt bool         `json:"cache_prompt"`
}

// CompletionResponse is a llama.cpp /completion response.
type CompletionResponse struct {
	Content         string  `json:"content"`
	Stop            bool    `json:"stop"`
	StoppedEOS      bool    `json:"stopped_eos"`
	StoppedLimit    bool    `json:"stopped_limit"`
	StoppedWord     bool    `json:"stopped_word"`
	StoppingWord    string  `json:"stopping_word"`
	TokensPredicted int     `json:"tokens_predicted"`
	TokensEvaluated int     `json:"tokens_evaluated"`
	TokensCached    int     `json:"tokens_cached"`
	Truncated       bool    `json:"truncated"`
	Timings         Timings `json:"timings"`
}

// Timings reports server-side latency in milliseconds.
type Timings struct {
	PromptMS    float64 `json:"prompt_ms"`
	PredictedMS float64 `json:"predicted_ms"`
}

// Completions groups the raw completion endpoint.
type Completions struct{ c *Client }

// Completions returns the completion API group.
func (c *Client) Completions() Completions { return Completions{c} }

// Create runs a completion.
func (g Completions) Create(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := Post[CompletionResponse](ctx, g.c, "completion", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatMessage is one message in an OpenAI-style chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat/completions request.
// The API base carries any version segment, e.g. "https://api.openai.com/v1".
type ChatCompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []ChatMessage      `json:"messages"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	LogitBias   map[string]float64 `json:"logit_bias,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatChoice is one generated alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletions groups the OpenAI-compatible chat endpoint.
type ChatCompletions struct{ c *Client }

// ChatCompletions returns the chat completion API group.
func (c *Client) ChatCompletions() ChatCompletions { return ChatCompletions{c} }

// Create runs a chat completion.
func (g ChatCompletions) Create(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	resp, err := Post[ChatCompletionResponse](ctx, g.c, "chat/completions", req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
