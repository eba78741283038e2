package backend

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fyrsmithlabs/cascade/internal/config"
	"github.com/fyrsmithlabs/cascade/internal/llmapi"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Provider presets for hosted OpenAI-compatible APIs.
var presets = map[string]struct {
	host   string
	envVar string
	model  string
}{
	config.ProviderOpenAI:     {host: "api.openai.com/v1", envVar: "OPENAI_API_KEY", model: "gpt-4o-mini"},
	config.ProviderPerplexity: {host: "api.perplexity.ai", envVar: "PERPLEXITY_API_KEY", model: "sonar"},
	config.ProviderLangChain:  {host: "api.openai.com/v1", envVar: "OPENAI_API_KEY", model: "gpt-4o-mini"},
}

// New builds the backend selected by cfg. Extra options are applied to the
// HTTP API client after the ones derived from cfg.
func New(cfg config.BackendConfig, logger *logging.Logger, extra ...llmapi.Option) (Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("backend").With(zap.String("provider", cfg.Provider))

	opts := append([]llmapi.Option{
		llmapi.WithLogger(logger),
		llmapi.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
		llmapi.WithRetryPolicy(llmapi.RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval.Duration(),
			MaxInterval:     cfg.Retry.MaxInterval.Duration(),
			Multiplier:      cfg.Retry.Multiplier,
			MaxElapsed:      cfg.Retry.MaxElapsed.Duration(),
		}),
		llmapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}, extra...)

	switch cfg.Provider {
	case config.ProviderLlamaCpp:
		tmpl, err := ParseChatTemplate(cfg.ChatTemplate)
		if err != nil {
			return nil, err
		}
		apiCfg := llmapi.LlamaCppConfig(firstNonEmpty(cfg.Host, config.DefaultHost))
		addHeaders(apiCfg.Headers, cfg.Headers)
		if cfg.APIKey.IsSet() {
			apiCfg.Headers.Set("Authorization", "Bearer "+cfg.APIKey.Value())
		}
		return NewLlamaCpp(llmapi.New(apiCfg, opts...), tmpl), nil

	case config.ProviderOpenAI, config.ProviderPerplexity:
		preset := presets[cfg.Provider]
		key, err := resolveAPIKey(cfg, preset.envVar)
		if err != nil {
			return nil, err
		}
		apiCfg := llmapi.OpenAIConfig(firstNonEmpty(cfg.Host, preset.host), key)
		addHeaders(apiCfg.Headers, cfg.Headers)
		return NewOpenAI(llmapi.New(apiCfg, opts...), cfg.Provider, firstNonEmpty(cfg.Model, preset.model)), nil

	case config.ProviderLangChain:
		preset := presets[cfg.Provider]
		key, err := resolveAPIKey(cfg, preset.envVar)
		if err != nil {
			return nil, err
		}
		model, err := openai.New(
			openai.WithToken(key),
			openai.WithModel(firstNonEmpty(cfg.Model, preset.model)),
			openai.WithBaseURL(withScheme(firstNonEmpty(cfg.Host, preset.host), "https")),
		)
		if err != nil {
			return nil, fmt.Errorf("langchain openai: %w", err)
		}
		return NewLangChain(model, config.ProviderLangChain), nil

	case config.ProviderOllama:
		model, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(withScheme(cfg.Host, "http")),
		)
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		return NewLangChain(model, config.ProviderOllama), nil

	case config.ProviderFake:
		return NewFake(), nil
	}

	return nil, fmt.Errorf("backend: unsupported provider %q", cfg.Provider)
}

// resolveAPIKey prefers the configured key, then the configured environment
// variable, then the provider's conventional one.
func resolveAPIKey(cfg config.BackendConfig, defaultEnv string) (string, error) {
	if cfg.APIKey.IsSet() {
		return cfg.APIKey.Value(), nil
	}
	envVar := firstNonEmpty(cfg.APIKeyEnvVar, defaultEnv)
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("backend %s: no API key (set backend.api_key or %s)", cfg.Provider, envVar)
}

func addHeaders(dst http.Header, src map[string]string) {
	for k, v := range src {
		dst.Set(k, v)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func withScheme(host, scheme string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return scheme + "://" + host
}
