package backend

import (
	"context"
	"fmt"
	"sync"
)

// Reply is one scripted Fake response.
type Reply struct {
	Text string
	Err  error
}

// Fake is a scripted Backend for tests and dry runs. Replies are consumed in
// order; once they run out every completion returns "completion N".
type Fake struct {
	mu       sync.Mutex
	replies  []Reply
	primeErr error
	requests []CompletionRequest
	primed   []CompletionRequest
}

// NewFake creates a fake that answers with replies in order.
func NewFake(replies ...Reply) *Fake {
	return &Fake{replies: replies}
}

// FailPriming makes every PrimeCache call return err.
func (f *Fake) FailPriming(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primeErr = err
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, *req)

	if len(f.replies) == 0 {
		return &Completion{Text: fmt.Sprintf("completion %d", len(f.requests)), FinishReason: "stop"}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return &Completion{Text: r.Text, FinishReason: "stop"}, nil
}

func (f *Fake) PrimeCache(ctx context.Context, req *CompletionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primed = append(f.primed, *req)
	return f.primeErr
}

// Requests returns every completion request received.
func (f *Fake) Requests() []CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompletionRequest(nil), f.requests...)
}

// Primed returns every cache priming request received.
func (f *Fake) Primed() []CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompletionRequest(nil), f.primed...)
}
