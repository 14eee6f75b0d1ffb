// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the turn engine sends correct
// CompletionRequests and to feed a controlled token stream without a live
// model backend. All fields are safe to set before calling any method;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Script: []string{"Hello", " there", "."}}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/banter-dev/banter/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause StreamCompletion to return an immediately closed channel.
type Provider struct {
	mu sync.Mutex

	// Script is the token sequence emitted on the channel, one Chunk per
	// entry. All tokens are sent before the channel is closed.
	Script []string

	// TokenDelay, if positive, is waited before each token. The emitting
	// goroutine aborts early when the context is cancelled.
	TokenDelay time.Duration

	// FinalChunk, if non-nil, is emitted after the script (e.g., a
	// FinishReason "stop" or FinishReasonError chunk).
	FinalChunk *llm.Chunk

	// StartErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StartErr error

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and replays the configured script.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	script := make([]string, len(p.Script))
	copy(script, p.Script)
	delay := p.TokenDelay
	var final *llm.Chunk
	if p.FinalChunk != nil {
		c := *p.FinalChunk
		final = &c
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script)+1)
	go func() {
		defer close(ch)
		for _, tok := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.Chunk{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		if final != nil {
			select {
			case ch <- *final:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// CallCount reports how many times StreamCompletion was invoked. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
