// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which texts were synthesised in which order, without a live synthesis
// backend.
//
// Example:
//
//	p := &mock.Provider{ChunksPerCall: 3}
//	ch, err := p.SynthesizeStream(ctx, "Hello.", "voice-1")
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banter-dev/banter/pkg/provider/tts"
)

// Call records a single invocation of SynthesizeStream.
type Call struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Text is the text passed to SynthesizeStream.
	Text string
	// VoiceID is the voice passed to SynthesizeStream.
	VoiceID string
}

// Provider is a mock implementation of tts.Provider.
//
// Each successful SynthesizeStream call emits ChunksPerCall chunks of the
// form "audio:<text>:<n>" so tests can assert both ordering and which text
// produced which audio. The zero value emits one chunk per call.
type Provider struct {
	mu sync.Mutex

	// ChunksPerCall is how many audio chunks each synthesis emits.
	// Zero means one.
	ChunksPerCall int

	// ChunkDelay, if positive, is waited before each chunk. The emitting
	// goroutine aborts early when the context is cancelled.
	ChunkDelay time.Duration

	// StartErrs, when non-empty, is consumed front-first: one entry per
	// call, a nil entry meaning success. When exhausted, StartErr applies.
	StartErrs []error

	// StartErr, if non-nil, is returned by every call once StartErrs is
	// drained.
	StartErr error

	// VoicesList is returned by Voices.
	VoicesList []tts.Voice

	// VoicesErr, if non-nil, is returned as the error from Voices.
	VoicesErr error

	// Calls records every invocation of SynthesizeStream in order.
	Calls []Call
}

// SynthesizeStream records the call and emits the scripted chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Text: text, VoiceID: voiceID})

	err := p.StartErr
	if len(p.StartErrs) > 0 {
		err = p.StartErrs[0]
		p.StartErrs = p.StartErrs[1:]
	}
	n := p.ChunksPerCall
	if n <= 0 {
		n = 1
	}
	delay := p.ChunkDelay
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, n)
	go func() {
		defer close(ch)
		for i := range n {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- fmt.Appendf(nil, "audio:%s:%d", text, i):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Voices returns the configured voice list.
func (p *Provider) Voices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.VoicesErr != nil {
		return nil, p.VoicesErr
	}
	out := make([]tts.Voice, len(p.VoicesList))
	copy(out, p.VoicesList)
	return out, nil
}

// Texts returns the synthesised texts in call order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// CallCount reports how many times SynthesizeStream was invoked. Thread-safe.
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

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
