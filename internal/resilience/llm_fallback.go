package resilience

import (
	"context"

	"github.com/banter-dev/banter/pkg/provider/llm"
)

var _ llm.Provider = (*LLMChain)(nil)

// LLMChain implements [llm.Provider] across a primary model backend and
// the stand-ins registered after it, each behind its own breaker.
//
// Only opening the stream fails over. Once tokens are flowing, a
// mid-stream failure surfaces as an error chunk and is not retried: the
// reply may already be half-spoken, and restarting it from the top would
// be worse than stopping.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

// NewLLMChain creates an [LLMChain] with primary as the preferred backend.
func NewLLMChain(name string, primary llm.Provider, cfg ChainConfig) *LLMChain {
	return &LLMChain{chain: NewChain(name, primary, cfg)}
}

// Add registers a fallback model backend.
func (c *LLMChain) Add(name string, p llm.Provider) {
	c.chain.Add(name, p)
}

// Names returns the backend names in priority order.
func (c *LLMChain) Names() []string { return c.chain.Names() }

// StreamCompletion opens the token stream on the first healthy backend.
func (c *LLMChain) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return TryResult(c.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}
