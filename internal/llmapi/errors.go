package llmapi

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is joined with the last transient APIError when the
// retry budget runs out.
var ErrRetriesExhausted = errors.New("llmapi: retry budget exhausted")

// insufficientQuota is the 429 error type that no amount of waiting fixes.
const insufficientQuota = "insufficient_quota"

// APIError is the structured error a backend returns with a non-success
// status.
type APIError struct {
	StatusCode int     `json:"-"`
	Message    string  `json:"message"`
	Type       *string `json:"type,omitempty"`
	Param      *string `json:"param,omitempty"`
	Code       *string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Type != nil {
		return fmt.Sprintf("llmapi: %d %s: %s", e.StatusCode, *e.Type, e.Message)
	}
	return fmt.Sprintf("llmapi: %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether waiting and retrying may succeed: rate limits,
// except for exhausted quota.
func (e *APIError) Retryable() bool {
	if e.StatusCode != 429 {
		return false
	}
	return e.Type == nil || *e.Type != insufficientQuota
}

// WrappedError is the envelope backends use for error bodies.
type WrappedError struct {
	Error *APIError `json:"error"`
}

// DeserializationError reports a body that did not have the expected shape.
type DeserializationError struct {
	Body []byte
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("llmapi: failed to deserialize response: %v", e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// TransportError reports a failure to send the request or read the response.
// Transport failures are not retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llmapi: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
