// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// recognition backend and to inspect the audio the caller submitted.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Result{Text: "hello"}}
//	res, err := p.Transcribe(ctx, pcm, stt.Request{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/banter-dev/banter/pkg/provider/stt"
)

// Call records a single invocation of Transcribe.
type Call struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Req is the Request passed to Transcribe.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return an empty Result and nil error.
type Provider struct {
	mu sync.Mutex

	// Results, when non-empty, is consumed front-first, one entry per call.
	// When exhausted (or empty from the start), Result is returned instead.
	Results []stt.Result

	// Result is the fallback response once Results is drained.
	Result stt.Result

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Delay, if positive, is waited before returning. The wait aborts with
	// ctx.Err() if the context is cancelled first.
	Delay time.Duration

	// Calls records every invocation of Transcribe in order.
	Calls []Call
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.Calls = append(p.Calls, Call{Ctx: ctx, PCM: buf, Req: req})

	res := p.Result
	if len(p.Results) > 0 {
		res = p.Results[0]
		p.Results = p.Results[1:]
	}
	err := p.Err
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// CallCount reports how many times Transcribe was invoked. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
