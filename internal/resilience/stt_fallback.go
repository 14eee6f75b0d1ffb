package resilience

import (
	"context"

	"github.com/banter-dev/banter/pkg/provider/stt"
)

var _ stt.Provider = (*STTChain)(nil)

// STTChain implements [stt.Provider] across interchangeable recognition
// backends, each behind its own breaker.
//
// A Result with empty text and a nil error is a success. Silence is a
// verdict, not an outage, and must not burn through the chain.
type STTChain struct {
	chain *Chain[stt.Provider]
}

// NewSTTChain creates an [STTChain] with primary as the preferred backend.
func NewSTTChain(name string, primary stt.Provider, cfg ChainConfig) *STTChain {
	return &STTChain{chain: NewChain(name, primary, cfg)}
}

// Add registers a fallback recognition backend.
func (c *STTChain) Add(name string, p stt.Provider) {
	c.chain.Add(name, p)
}

// Names returns the backend names in priority order.
func (c *STTChain) Names() []string { return c.chain.Names() }

// Transcribe runs the utterance through the first healthy backend.
func (c *STTChain) Transcribe(ctx context.Context, pcm []byte, req stt.Request) (stt.Result, error) {
	return TryResult(c.chain, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, pcm, req)
	})
}
