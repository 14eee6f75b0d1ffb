// Package llm defines the Provider interface for language-model backends.
//
// A provider turns one conversation snapshot into one streamed reply. The
// gateway only ever streams — sentence-level TTS pipelining depends on
// receiving tokens as they are generated — so the interface carries a
// single method. Tool calling, vision, and token accounting are out of
// scope for a voice reply engine.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is
	// closed by the implementation when generation finishes or when ctx
	// is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors
	// that occur after the channel is opened are surfaced as a Chunk
	// with FinishReason FinishReasonError carrying the message in Text;
	// the initial error return is non-nil only for failures that prevent
	// the stream from starting (e.g., invalid credentials, malformed
	// request).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
