package llm

import "github.com/banter-dev/banter/pkg/memory"

// FinishReasonError is the FinishReason of a chunk that reports a
// mid-stream failure. Its Text carries the error message, not reply text.
const FinishReasonError = "error"

// CompletionRequest carries everything the model needs for one reply.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history, ending with the user
	// utterance that drives the reply.
	Messages []memory.Entry

	// Temperature controls output randomness in [0.0, 2.0]. Zero means
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may
	// generate. Zero means the provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental reply text. On a FinishReasonError chunk it
	// carries the error message instead and must not be spoken.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop" (natural end), "length" (MaxTokens reached), or
	// FinishReasonError. Empty on non-final chunks.
	FinishReason string
}
