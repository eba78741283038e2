package llmapi

import (
	"net/http"
	"net/url"
	"strings"
)

// Config describes where a client sends requests and with which headers.
type Config struct {
	APIBase string
	Headers http.Header
	Query   url.Values
}

// URL joins path onto the API base.
func (c Config) URL(path string) string {
	return strings.TrimRight(c.APIBase, "/") + "/" + strings.TrimLeft(path, "/")
}

// LlamaCppConfig targets a llama.cpp server at host ("localhost:8080" or a
// full URL).
func LlamaCppConfig(host string) Config {
	return Config{APIBase: withScheme(host, "http"), Headers: http.Header{}}
}

// OpenAIConfig targets an OpenAI-compatible API at host with a bearer key.
func OpenAIConfig(host, apiKey string) Config {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return Config{APIBase: withScheme(host, "https"), Headers: h}
}

func withScheme(host, scheme string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return scheme + "://" + host
}
