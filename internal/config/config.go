// Package config provides configuration loading for cascade.
//
// Values come from hardcoded defaults, an optional YAML file, and CASCADE_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Backend providers understood by the backend factory.
const (
	ProviderLlamaCpp   = "llamacpp"
	ProviderOpenAI     = "openai"
	ProviderPerplexity = "perplexity"
	ProviderLangChain  = "langchain"
	ProviderOllama     = "ollama"
	ProviderFake       = "fake"
)

// Config holds the complete cascade configuration.
type Config struct {
	Backend       BackendConfig       `koanf:"backend"`
	Round         RoundConfig         `koanf:"round"`
	Server        ServerConfig        `koanf:"server"`
	Transcript    TranscriptConfig    `koanf:"transcript"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// BackendConfig selects and configures the inference backend.
type BackendConfig struct {
	Provider     string            `koanf:"provider"`
	Host         string            `koanf:"host"`
	APIKey       Secret            `koanf:"api_key"`
	APIKeyEnvVar string            `koanf:"api_key_env_var"`
	Model        string            `koanf:"model"`
	ChatTemplate string            `koanf:"chat_template"`
	Headers      map[string]string `koanf:"headers"`
	Timeout      Duration          `koanf:"timeout"`
	Retry        RetryConfig       `koanf:"retry"`
	RateLimit    RateLimitConfig   `koanf:"rate_limit"`
}

// RetryConfig bounds the exponential backoff applied to transient backend
// failures.
type RetryConfig struct {
	InitialInterval Duration `koanf:"initial_interval"`
	MaxInterval     Duration `koanf:"max_interval"`
	Multiplier      float64  `koanf:"multiplier"`
	MaxElapsed      Duration `koanf:"max_elapsed"`
}

// RateLimitConfig is a client-side token bucket. RPS of zero disables it.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// RoundConfig holds defaults for newly created rounds.
type RoundConfig struct {
	StepSeparator    string `koanf:"step_separator"`
	DisableSeparator bool   `koanf:"disable_separator"`
}

// Separator returns the configured step separator, or false when outputs
// are concatenated directly.
func (r RoundConfig) Separator() (rune, bool) {
	if r.DisableSeparator || r.StepSeparator == "" {
		return 0, false
	}
	sep, _ := utf8.DecodeRuneInString(r.StepSeparator)
	return sep, true
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TranscriptConfig points at the SQLite transcript database. An empty path
// disables persistence.
type TranscriptConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig is the subset of logging options exposed through config
// files and the environment.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// ObservabilityConfig holds OpenTelemetry export configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Defaults for the llama.cpp server and the retry policy. An empty
// backend.host selects the provider's usual endpoint.
const (
	DefaultHost            = "localhost:8080"
	DefaultTimeout         = 120 * time.Second
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultMultiplier      = 1.5
	DefaultMaxElapsed      = 60 * time.Second
	DefaultRPS             = 50.0 / 60.0
	DefaultBurst           = 5
)

// NewDefaultConfig returns config with defaults suitable for a local
// llama.cpp server.
func NewDefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Provider:     ProviderLlamaCpp,
			ChatTemplate: "chatml",
			Timeout:      Duration(DefaultTimeout),
			Retry: RetryConfig{
				InitialInterval: Duration(DefaultInitialInterval),
				MaxInterval:     Duration(DefaultMaxInterval),
				Multiplier:      DefaultMultiplier,
				MaxElapsed:      Duration(DefaultMaxElapsed),
			},
			RateLimit: RateLimitConfig{
				RPS:   DefaultRPS,
				Burst: DefaultBurst,
			},
		},
		Round: RoundConfig{
			StepSeparator: " ",
		},
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "cascade",
			SampleRate:  1.0,
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend.Provider {
	case ProviderLlamaCpp, ProviderOpenAI, ProviderPerplexity, ProviderLangChain, ProviderOllama, ProviderFake:
	default:
		errs = append(errs, fmt.Errorf("backend.provider %q is not supported", c.Backend.Provider))
	}
	if c.Backend.Provider == ProviderOllama && c.Backend.Host == "" {
		errs = append(errs, errors.New("backend.host is required for ollama"))
	}
	if c.Backend.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}

	r := c.Backend.Retry
	if r.InitialInterval.Duration() <= 0 || r.MaxInterval.Duration() <= 0 || r.MaxElapsed.Duration() <= 0 {
		errs = append(errs, errors.New("backend.retry intervals must be positive"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backend.retry.multiplier must be >= 1, got %v", r.Multiplier))
	}
	if c.Backend.RateLimit.RPS < 0 || c.Backend.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("backend.rate_limit values must be >= 0"))
	}
	if c.Backend.RateLimit.RPS > 0 && c.Backend.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("backend.rate_limit.burst must be > 0 when rps is set"))
	}

	if utf8.RuneCountInString(c.Round.StepSeparator) > 1 {
		errs = append(errs, fmt.Errorf("round.step_separator must be a single character, got %q", c.Round.StepSeparator))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}

	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be between 0 and 1, got %v", c.Observability.SampleRate))
	}

	return errors.Join(errs...)
}
