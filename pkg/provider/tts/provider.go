// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider synthesises one piece of text per call — typically a single
// sentence handed over by the turn engine's sentence queue — and streams
// the resulting encoded audio back as it is produced. Keeping calls
// sentence-sized is what lets reply audio start playing while the language
// model is still generating the rest of the reply.
//
// Audio chunks are vendor-encoded (MP3 for ElevenLabs) and are forwarded
// to the client verbatim; the gateway never decodes them.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream synthesises text with the given voice and returns
	// a channel emitting encoded audio chunks as they arrive. The channel
	// is closed by the implementation when synthesis completes or ctx is
	// cancelled; a mid-stream transport failure closes it early.
	//
	// An empty voiceID selects the provider's default voice. Returns a
	// non-nil error only when the stream cannot be started (bad
	// credentials, rejected request, unreachable service); in that case
	// no audio was produced.
	SynthesizeStream(ctx context.Context, text, voiceID string) (<-chan []byte, error)

	// Voices returns the voices available from this provider. The list
	// reflects the vendor's current catalogue and may change between
	// calls.
	Voices(ctx context.Context) ([]Voice, error)
}
