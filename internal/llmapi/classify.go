package llmapi

import (
	"encoding/json"
	"errors"
)

// Verdict is the executor's decision for one response.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictRetry
	VerdictFail
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictRetry:
		return "retry"
	default:
		return "fail"
	}
}

// Classify decides what to do with a response from its status and body.
// For VerdictRetry and VerdictFail the returned error is an *APIError or,
// when the error body cannot be parsed, a *DeserializationError.
func Classify(status int, body []byte) (Verdict, error) {
	if status >= 200 && status < 300 {
		return VerdictSuccess, nil
	}

	var wrapped WrappedError
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return VerdictFail, &DeserializationError{Body: body, Err: err}
	}
	if wrapped.Error == nil {
		return VerdictFail, &DeserializationError{Body: body, Err: errors.New("error body has no \"error\" object")}
	}

	apiErr := wrapped.Error
	apiErr.StatusCode = status
	if apiErr.Retryable() {
		return VerdictRetry, apiErr
	}
	return VerdictFail, apiErr
}
