// Package mock provides a scripted implementation of [engine.Engine] for
// use in session and gateway tests.
//
// Each started turn either plays a [Script] on its own goroutine or, with
// Manual set, sits idle until the test drives it through the [Turn] methods.
// Both modes fire the same callbacks and sink writes a real engine would, so
// a session under test cannot tell the difference.
//
// Example:
//
//	e := &mock.Engine{Script: mock.Script{
//	    Transcript: "hello",
//	    Reply:      "Hi there.",
//	    Audio:      [][]byte{[]byte("mp3")},
//	}}
//	tn, err := e.StartTurn(ctx, req)
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/wire"
	"github.com/banter-dev/banter/pkg/memory"
)

// Compile-time interface assertions.
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Turn   = (*Turn)(nil)
)

// Script describes what one scripted turn does when played.
type Script struct {
	// Transcript is reported through OnTranscript. Empty means the turn
	// aborts with AbortEmptyTranscript before any callback fires.
	Transcript string

	// Reply is the assistant text committed at the end of the turn.
	Reply string

	// Audio chunks are written to the sink, preceded by an audio_start
	// event and OnFirstAudio.
	Audio [][]byte

	// Abort, when set, ends the turn with this reason right after the
	// transcript instead of speaking and committing.
	Abort engine.AbortReason

	// StageDelay is waited between stages (and between audio chunks). A
	// cancel or context end during a wait aborts the turn with
	// AbortCancelled. Use a large value to hold a turn open for barge-in
	// tests.
	StageDelay time.Duration
}

// StartCall records the arguments of a single [Engine.StartTurn] call.
type StartCall struct {
	// SessionID and TurnSeq identify the requested turn.
	SessionID string
	TurnSeq   int
	// Audio is a copy of the utterance passed in.
	Audio []byte
	// History is a copy of the conversation snapshot passed in.
	History []memory.Entry
}

// Engine is a scripted implementation of [engine.Engine].
// Zero values produce turns that abort with an empty transcript.
type Engine struct {
	mu sync.Mutex

	// Scripts, when non-empty, is consumed front-first, one entry per
	// turn. When exhausted (or empty from the start), Script is used.
	Scripts []Script

	// Script is the fallback once Scripts is drained.
	Script Script

	// Manual, when true, suppresses autoplay: started turns do nothing
	// until the test drives them via the Turn methods.
	Manual bool

	// StartErr, if non-nil, is returned by StartTurn instead of a turn.
	StartErr error

	// Calls records every StartTurn invocation in order.
	Calls []StartCall

	// Turns holds every started turn in order, for test-side driving.
	Turns []*Turn
}

// StartTurn implements [engine.Engine].
func (e *Engine) StartTurn(ctx context.Context, req engine.TurnRequest) (engine.Turn, error) {
	e.mu.Lock()
	audio := make([]byte, len(req.Audio))
	copy(audio, req.Audio)
	history := make([]memory.Entry, len(req.History))
	copy(history, req.History)
	e.Calls = append(e.Calls, StartCall{
		SessionID: req.SessionID,
		TurnSeq:   req.TurnSeq,
		Audio:     audio,
		History:   history,
	})

	if e.StartErr != nil {
		err := e.StartErr
		e.mu.Unlock()
		return nil, err
	}

	script := e.Script
	if len(e.Scripts) > 0 {
		script = e.Scripts[0]
		e.Scripts = e.Scripts[1:]
	}
	manual := e.Manual

	t := &Turn{
		req:       req,
		script:    script,
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	e.Turns = append(e.Turns, t)
	e.mu.Unlock()

	if !manual {
		go t.play(ctx)
	}
	return t, nil
}

// TurnCount reports how many turns were started. Thread-safe.
func (e *Engine) TurnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Turns)
}

// LastTurn returns the most recently started turn, or nil. Thread-safe.
func (e *Engine) LastTurn() *Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Turns) == 0 {
		return nil
	}
	return e.Turns[len(e.Turns)-1]
}

// Reset clears recorded calls and turns. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = nil
	e.Turns = nil
}

// Turn is one scripted in-flight turn. In Manual mode the test calls the
// Send/Commit/Abort methods itself, in the order a real engine would.
type Turn struct {
	req    engine.TurnRequest
	script Script

	done       chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
	finishOnce sync.Once
	committed  atomic.Bool
}

// Cancel implements [engine.Turn]. It unblocks any pending stage wait.
func (t *Turn) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
}

// Done implements [engine.Turn].
func (t *Turn) Done() <-chan struct{} { return t.done }

// Committed implements [engine.Turn].
func (t *Turn) Committed() bool { return t.committed.Load() }

// Cancelled is closed once Cancel has been called. Tests use it to wait for
// a session's barge-in before finishing a manual turn.
func (t *Turn) Cancelled() <-chan struct{} { return t.cancelled }

// Request returns the TurnRequest this turn was started with.
func (t *Turn) Request() engine.TurnRequest { return t.req }

// SendTranscript fires OnTranscript.
func (t *Turn) SendTranscript(text string) {
	if cb := t.req.Callbacks.OnTranscript; cb != nil {
		cb(text)
	}
}

// SendAudioStart writes the audio_start event and fires OnFirstAudio.
func (t *Turn) SendAudioStart() error {
	err := t.req.Sink.SendEvent(wire.AudioStart())
	if cb := t.req.Callbacks.OnFirstAudio; cb != nil {
		cb()
	}
	return err
}

// SendAudioChunk writes one audio chunk to the sink.
func (t *Turn) SendAudioChunk(chunk []byte) error {
	return t.req.Sink.SendAudio(chunk)
}

// Commit writes the closing tts_text and audio_end events, fires OnCommit,
// and closes Done. hasAudio reports whether any chunk was streamed.
func (t *Turn) Commit(user, assistant string, hasAudio bool) {
	t.finishOnce.Do(func() {
		_ = t.req.Sink.SendEvent(wire.TTSText(assistant, hasAudio))
		_ = t.req.Sink.SendEvent(wire.AudioEnd())
		t.committed.Store(true)
		if cb := t.req.Callbacks.OnCommit; cb != nil {
			cb(user, assistant)
		}
		close(t.done)
	})
}

// Abort fires OnAbort with the given reason and closes Done.
func (t *Turn) Abort(reason engine.AbortReason) {
	t.finishOnce.Do(func() {
		if cb := t.req.Callbacks.OnAbort; cb != nil {
			cb(reason)
		}
		close(t.done)
	})
}

// play runs the script, pausing StageDelay between stages.
func (t *Turn) play(ctx context.Context) {
	s := t.script

	if t.pause(ctx, s.StageDelay) {
		t.Abort(engine.AbortCancelled)
		return
	}
	if s.Transcript == "" {
		t.Abort(engine.AbortEmptyTranscript)
		return
	}
	t.SendTranscript(s.Transcript)

	if t.pause(ctx, s.StageDelay) {
		t.Abort(engine.AbortCancelled)
		return
	}
	if s.Abort != "" {
		t.Abort(s.Abort)
		return
	}

	spoke := false
	for i, chunk := range s.Audio {
		if i == 0 {
			if err := t.SendAudioStart(); err != nil {
				t.Abort(engine.AbortError)
				return
			}
			spoke = true
		}
		if err := t.SendAudioChunk(chunk); err != nil {
			t.Abort(engine.AbortError)
			return
		}
		if t.pause(ctx, s.StageDelay) {
			t.Abort(engine.AbortCancelled)
			return
		}
	}

	t.Commit(s.Transcript, s.Reply, spoke)
}

// pause waits d and reports whether the turn was cancelled meanwhile. A
// non-positive d still polls for cancellation once.
func (t *Turn) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-t.cancelled:
			return true
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
	select {
	case <-time.After(d):
		return false
	case <-t.cancelled:
		return true
	case <-ctx.Done():
		return true
	}
}
