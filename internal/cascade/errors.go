package cascade

import "errors"

var (
	// ErrStepUnresolved is returned when the outcome of a step that has not
	// run successfully is requested.
	ErrStepUnresolved = errors.New("step has no outcome yet")

	// ErrNoUnresolvedSteps is returned by RunNextStep on an empty queue.
	ErrNoUnresolvedSteps = errors.New("no unresolved steps in round")

	// ErrNoResolvedSteps is returned when an operation needs a resolved step
	// and there is none.
	ErrNoResolvedSteps = errors.New("no resolved steps in round")

	// ErrNoBackend is returned when an inference step runs without a backend.
	ErrNoBackend = errors.New("request has no backend")

	// ErrNilRequest is returned when a round is driven without a request.
	ErrNilRequest = errors.New("request is nil")
)

// ErrUndecodable is wrapped by decoders that cannot interpret a step's raw
// output.
var ErrUndecodable = errors.New("step output cannot be decoded")
