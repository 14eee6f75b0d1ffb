package resilience

import (
	"context"

	"github.com/banter-dev/banter/pkg/provider/tts"
)

var _ tts.Provider = (*TTSChain)(nil)

// TTSChain implements [tts.Provider] across interchangeable synthesis
// backends, each behind its own breaker.
//
// Voice ids are vendor-scoped, so a reply that fails over mid-conversation
// will usually continue in a different voice. That is accepted: a changed
// voice beats a silent assistant. Only stream setup fails over; a stream
// that dies after its first chunk is not restarted.
type TTSChain struct {
	chain *Chain[tts.Provider]
}

// NewTTSChain creates a [TTSChain] with primary as the preferred backend.
func NewTTSChain(name string, primary tts.Provider, cfg ChainConfig) *TTSChain {
	return &TTSChain{chain: NewChain(name, primary, cfg)}
}

// Add registers a fallback synthesis backend.
func (c *TTSChain) Add(name string, p tts.Provider) {
	c.chain.Add(name, p)
}

// Names returns the backend names in priority order.
func (c *TTSChain) Names() []string { return c.chain.Names() }

// SynthesizeStream opens the audio stream on the first healthy backend.
func (c *TTSChain) SynthesizeStream(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	return TryResult(c.chain, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voiceID)
	})
}

// Voices lists voices from the first healthy backend.
func (c *TTSChain) Voices(ctx context.Context) ([]tts.Voice, error) {
	return TryResult(c.chain, func(p tts.Provider) ([]tts.Voice, error) {
		return p.Voices(ctx)
	})
}
