// Package stt defines the Provider interface for speech-to-text backends.
//
// Providers here are batch, not streaming: the session hands over one
// finished utterance of raw PCM audio and receives one final transcript.
// Partial hypotheses, keyword boosting, and open recognition sessions are
// deliberately out of scope — turn detection happens upstream in the
// session's energy detector, so by the time a provider is called the
// utterance is already complete.
//
// Implementations must be safe for concurrent use; one provider instance
// serves every live session.
package stt

import "context"

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe converts one utterance of little-endian int16 mono PCM
	// into text. An empty Result.Text with a nil error means the service
	// heard no speech; callers must treat that as a silent no-op, not a
	// failure. A non-nil error means the backend could not produce a
	// verdict at all, including after any internal retries.
	Transcribe(ctx context.Context, pcm []byte, req Request) (Result, error)
}
