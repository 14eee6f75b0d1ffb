// Package engine defines the Engine interface and the narrow contract
// between a session and the turn pipeline behind it.
//
// A turn is one complete exchange: the caller's recorded utterance goes in,
// and — if nothing interrupts — a transcript, a generated reply, and the
// reply's audio come out. The session owns turn-taking (when a turn starts,
// when it is barged in on); the engine owns everything between the voiced
// buffer and the last audio chunk. The split keeps the session loop free of
// provider concerns and lets tests drive a session with a scripted engine.
//
// Reply artifacts flow through [Sink] in a fixed order; lifecycle facts
// (transcript ready, first audio, commit, abort) are reported through
// [Callbacks] so the session can advance its state machine without
// watching the wire.
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported
// by external code.
package engine

import (
	"context"

	"github.com/banter-dev/banter/internal/wire"
	"github.com/banter-dev/banter/pkg/memory"
)

// AbortReason classifies why a turn ended without committing.
type AbortReason string

const (
	// AbortEmptyTranscript means recognition heard no usable speech. The
	// turn ends silently: no events were sent, memory is untouched.
	AbortEmptyTranscript AbortReason = "empty_transcript"

	// AbortCancelled means the turn was cancelled mid-flight, typically by
	// a barge-in. Partial output may have been sent; memory is untouched.
	AbortCancelled AbortReason = "cancelled"

	// AbortError means a pipeline stage failed. The user was told exactly
	// once, either through a spoken fallback apology (recognition failed)
	// or through a single error event; memory is untouched.
	AbortError AbortReason = "error"
)

// Sink is where a turn delivers its reply artifacts. Implementations
// serialize writes onto a single connection; both methods are safe to call
// from any turn goroutine.
//
// A Sink error means the connection is gone. The turn treats it as fatal
// and winds down; it does not retry.
type Sink interface {
	// SendEvent delivers one control event (audio_start, tts_text,
	// audio_end, error).
	SendEvent(ev wire.Event) error

	// SendAudio delivers one encoded audio chunk.
	SendAudio(chunk []byte) error
}

// Callbacks carries the lifecycle hooks a session registers with a turn.
// All callbacks are invoked synchronously from turn goroutines, at most
// once each, and never after Done is closed. A nil func is skipped.
type Callbacks struct {
	// OnTranscript fires when recognition succeeds, before the reply
	// pipeline starts.
	OnTranscript func(text string)

	// OnFirstAudio fires just before the first audio chunk of the reply
	// is sent.
	OnFirstAudio func()

	// OnCommit fires after the reply finished cleanly, carrying the pair
	// of texts that belong in the conversation history.
	OnCommit func(user, assistant string)

	// OnAbort fires when the turn ends without committing.
	OnAbort func(reason AbortReason)
}

// TurnRequest carries everything an engine needs to run one turn.
type TurnRequest struct {
	// SessionID identifies the owning session, for logs and telemetry.
	SessionID string

	// TurnSeq is the session-local turn number, starting at 1.
	TurnSeq int

	// Audio is the complete voiced utterance: little-endian int16 mono
	// PCM at 16 kHz. The engine takes ownership of the slice.
	Audio []byte

	// History is the conversation snapshot taken before this turn. Later
	// commits do not mutate it.
	History []memory.Entry

	// Sink receives the reply artifacts.
	Sink Sink

	// Callbacks receives the lifecycle hooks.
	Callbacks Callbacks
}

// Turn is a handle on one in-flight turn.
type Turn interface {
	// Cancel requests that the turn stop producing output as soon as
	// possible. It is idempotent, safe from any goroutine, and returns
	// without waiting; observe Done for completion. Once the turn observes
	// the cancellation, no further audio is sent.
	Cancel()

	// Done is closed once every turn goroutine has exited and no further
	// sink writes or callbacks will occur.
	Done() <-chan struct{}

	// Committed reports whether the turn ran to completion and fired
	// OnCommit. It is only meaningful after Done is closed.
	Committed() bool
}

// Engine starts turns. Implementations must be safe for concurrent use;
// one engine instance serves every live session.
type Engine interface {
	// StartTurn begins processing req and returns a handle immediately;
	// the pipeline runs on the engine's own goroutines. The returned
	// error is non-nil only when the turn cannot start at all — once a
	// Turn is returned, failures are reported through the sink and
	// OnAbort instead.
	StartTurn(ctx context.Context, req TurnRequest) (Turn, error)
}
