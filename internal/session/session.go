// Package session owns the per-connection conversation loop: an energy
// detector that finds turn boundaries in caller audio, a state machine that
// tracks who is speaking, and the glue that starts, commits and interrupts
// engine turns.
//
// A session is single-threaded by construction. Frames arrive from one read
// loop, engine callbacks arrive from turn goroutines, and both serialize on
// the session mutex, so state, buffer and detector never race. The only
// lock-free path is activity tracking, which the connection writer touches
// from the audio path.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/observe"
	"github.com/banter-dev/banter/internal/wire"
	"github.com/banter-dev/banter/pkg/audio"
	"github.com/banter-dev/banter/pkg/memory"
)

const (
	// watchdogTick is how often the inactivity watchdog wakes up.
	watchdogTick = 5 * time.Second

	// cancelGrace is how long a cancelled turn gets to close Done before
	// the session gives up on the connection.
	cancelGrace = 200 * time.Millisecond

	// startFailToast is shown when a turn cannot start at all.
	startFailToast = "Sorry, something went wrong. Please try again."
)

// Config assembles a session's collaborators and tuning.
type Config struct {
	// ID is the session identifier, present in every log line.
	ID string

	// Engine runs the turns.
	Engine engine.Engine

	// Sink is the serialized connection writer. Status, transcript and
	// interrupt events go through it, and it is handed to every turn.
	Sink engine.Sink

	// Teardown closes the connection. It must be idempotent; the session
	// invokes it on inactivity timeout and when a cancelled turn refuses
	// to die.
	Teardown func(reason string)

	// Detector tunes voice activity detection. Zero fields get defaults.
	Detector DetectorConfig

	// MaxVoiced caps how much audio one utterance may buffer before the
	// session forces a turn end. Defaults to [DefaultMaxVoiced].
	MaxVoiced time.Duration

	// Timeout is the inactivity span after which the session is torn
	// down. Defaults to [DefaultTimeout].
	Timeout time.Duration

	// Log is the base logger. Defaults to slog.Default.
	Log *slog.Logger
}

// Session is the conversation loop for one websocket connection.
type Session struct {
	id       string
	eng      engine.Engine
	sink     engine.Sink
	teardown func(reason string)

	detCfg DetectorConfig

	// maxBufBytes is MaxVoiced expressed in PCM bytes.
	maxBufBytes int
	timeout     time.Duration

	log *slog.Logger
	met *observe.Metrics

	// lastActivity is the UnixNano of the most recent voiced inbound frame
	// or outbound audio chunk. Atomic so the connection writer can refresh
	// it without taking the session mutex.
	lastActivity atomic.Int64

	mu      sync.Mutex
	machine *Machine
	det     *Detector
	buf     []byte
	history *memory.History
	turn    engine.Turn
	turnSeq int
	closed  bool

	// gen identifies the turn whose callbacks are still welcome. It bumps
	// whenever the active turn changes, so a superseded turn's late
	// callbacks cannot disturb the fresh utterance.
	gen uint64
}

// New builds a session. The caller still has to Begin it and run the
// watchdog.
func New(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session: id is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: sink is required")
	}
	if cfg.Teardown == nil {
		return nil, errors.New("session: teardown is required")
	}
	if cfg.MaxVoiced <= 0 {
		cfg.MaxVoiced = DefaultMaxVoiced
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	detCfg := cfg.Detector.withDefaults()
	s := &Session{
		id:          cfg.ID,
		eng:         cfg.Engine,
		sink:        cfg.Sink,
		teardown:    cfg.Teardown,
		detCfg:      detCfg,
		maxBufBytes: int(cfg.MaxVoiced.Seconds() * audio.BytesPerSecond),
		timeout:     cfg.Timeout,
		log:         cfg.Log.With("session_id", cfg.ID),
		met:         observe.DefaultMetrics(),
		det:         NewDetector(detCfg),
		history:     memory.NewHistory(),
	}
	s.machine = NewMachine(s.log, s.emitState)
	s.lastActivity.Store(time.Now().UnixNano())
	return s, nil
}

// Begin moves the session out of IDLE, flushing the first status event to
// the client. Call once, after the connection is accepted and before the
// read loop starts.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.TransitionTo(StateUserSpeaking)
}

// State returns the current conversation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// History exposes the conversation log, mainly for tests and diagnostics.
func (s *Session) History() *memory.History { return s.history }

// Touch refreshes the activity clock. The connection writer calls it for
// every outbound audio chunk so a long assistant reply does not trip the
// inactivity watchdog.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// idleFor reports how long the session has been without activity.
func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// HandleFrame processes one inbound audio frame. The gateway read loop is
// the only caller, so frames arrive strictly in order.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.met.FramesReceived.Add(ctx, 1)
	if len(frame) != audio.FrameBytes {
		s.log.Debug("unexpected frame size", "bytes", len(frame))
	}
	rms := audio.RMS(frame)

	switch s.machine.Current() {
	case StateUserSpeaking:
		s.captureFrame(ctx, frame, rms)
	case StateAIProcessing, StateAISpeaking:
		if s.det.BargeIn(rms) {
			s.bargeIn(ctx, frame, rms)
		}
	default:
		// IDLE: frames that beat the accept handshake are dropped.
	}
}

// captureFrame buffers one frame of the caller's utterance and reacts when
// the detector calls the turn complete. Silent frames buffer too; the
// recognizer wants the trailing context. Called with the mutex held.
func (s *Session) captureFrame(ctx context.Context, frame []byte, rms float64) {
	s.buf = append(s.buf, frame...)
	if rms >= s.detCfg.SilenceRMS {
		s.Touch()
	}

	if s.det.Observe(rms) == SignalTurnEnd {
		s.startTurn(ctx)
		return
	}

	if len(s.buf) >= s.maxBufBytes {
		if s.det.VoicedFrames() >= s.detCfg.MinVoicedFrames {
			s.log.Info("utterance cap reached, forcing turn end",
				"buffered_bytes", len(s.buf))
			s.startTurn(ctx)
			return
		}
		// A capped buffer that never reached the voiced minimum is noise.
		s.log.Debug("discarding capped buffer below voiced minimum",
			"voiced_frames", s.det.VoicedFrames())
		s.buf = nil
		s.det.Reset()
	}
}

// startTurn hands the buffered utterance to the engine. Called with the
// mutex held.
func (s *Session) startTurn(ctx context.Context) {
	if s.turn != nil {
		select {
		case <-s.turn.Done():
			s.turn = nil
		default:
			// One active turn per session. A live previous turn here is a
			// bookkeeping bug, so cancel it rather than stack a second one.
			s.log.Error("previous turn still active at turn start, cancelling it")
			s.turn.Cancel()
			s.turn = nil
		}
	}

	if !s.machine.TransitionTo(StateAIProcessing) {
		s.buf = nil
		s.det.Reset()
		return
	}

	s.turnSeq++
	s.gen++
	gen := s.gen
	buf := s.buf
	s.buf = nil
	s.det.Reset()

	turn, err := s.eng.StartTurn(ctx, engine.TurnRequest{
		SessionID: s.id,
		TurnSeq:   s.turnSeq,
		Audio:     buf,
		History:   s.history.Snapshot(),
		Sink:      s.sink,
		Callbacks: engine.Callbacks{
			OnTranscript: func(text string) { s.onTranscript(gen, text) },
			OnFirstAudio: func() { s.onFirstAudio(gen) },
			OnCommit:     func(user, assistant string) { s.onCommit(gen, user, assistant) },
			OnAbort:      func(reason engine.AbortReason) { s.onAbort(gen, reason) },
		},
	})
	if err != nil {
		s.log.Error("turn did not start", "turn", s.turnSeq, "err", err)
		if err := s.sink.SendEvent(wire.Error(startFailToast)); err != nil {
			s.log.Debug("error event not delivered", "err", err)
		}
		s.machine.TransitionTo(StateUserSpeaking)
		return
	}
	s.turn = turn
	go s.reapTurn(turn)
}

// reapTurn clears the turn handle once the turn's goroutines are gone.
func (s *Session) reapTurn(turn engine.Turn) {
	<-turn.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == turn {
		s.turn = nil
	}
}

// bargeIn interrupts the in-flight reply and opens a fresh utterance seeded
// with the interrupting frame. Called with the mutex held.
func (s *Session) bargeIn(ctx context.Context, frame []byte, rms float64) {
	s.log.Info("barge-in", "rms", rms, "state", s.machine.Current())
	s.met.BargeIns.Add(ctx, 1)

	// Invalidate the old turn's callbacks before it observes the cancel,
	// or a late abort would wipe the utterance seeded below.
	s.gen++
	if turn := s.turn; turn != nil {
		turn.Cancel()
		s.turn = nil
		go s.awaitCancelled(turn)
	}
	if err := s.sink.SendEvent(wire.Interrupt()); err != nil {
		s.log.Debug("interrupt event not delivered", "err", err)
	}
	s.machine.TransitionTo(StateUserSpeaking)

	s.buf = append(s.buf[:0], frame...)
	s.det.Reset()
	s.det.Observe(rms)
	s.Touch()
}

// awaitCancelled gives a cancelled turn a short grace to wind down. A turn
// that keeps running past it can still write stale audio to the client, so
// the session gives up on the connection instead.
func (s *Session) awaitCancelled(turn engine.Turn) {
	select {
	case <-turn.Done():
	case <-time.After(cancelGrace):
		s.log.Warn("cancelled turn did not stop in time")
		s.teardown("cancelled turn did not stop")
	}
}

// emitState is the machine's change hook; it mirrors every transition onto
// the wire. Runs with the mutex held.
func (s *Session) emitState(_, to State) {
	if err := s.sink.SendEvent(wire.Status(string(to))); err != nil {
		s.log.Debug("status event not delivered", "state", to, "err", err)
	}
}

// ─── turn callbacks ──────────────────────────────────────────────────────
//
// All four run synchronously on engine goroutines and take the session
// mutex, so they serialize with HandleFrame. Each is bound to the
// generation its turn was started under; a barge-in bumps the generation,
// which turns the superseded turn's late callbacks into no-ops.

// stale reports whether a callback belongs to a superseded turn or a
// closed session. Called with the mutex held.
func (s *Session) stale(gen uint64) bool {
	return s.closed || gen != s.gen
}

func (s *Session) onTranscript(gen uint64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(gen) {
		return
	}
	if err := s.sink.SendEvent(wire.Transcript(text)); err != nil {
		s.log.Debug("transcript event not delivered", "err", err)
	}
}

func (s *Session) onFirstAudio(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(gen) {
		return
	}
	s.machine.TransitionTo(StateAISpeaking)
	s.Touch()
}

func (s *Session) onCommit(gen uint64, user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(gen) {
		return
	}
	s.history.AppendPair(
		memory.Entry{Role: memory.RoleUser, Text: user},
		memory.Entry{Role: memory.RoleAssistant, Text: assistant},
	)
	s.log.Debug("exchange committed", "turn", s.turnSeq, "entries", s.history.Len())
	s.machine.TransitionTo(StateUserSpeaking)
	s.buf = nil
	s.det.Reset()
}

func (s *Session) onAbort(gen uint64, reason engine.AbortReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(gen) {
		s.log.Debug("stale turn abort ignored", "reason", reason)
		return
	}
	s.log.Debug("turn aborted", "turn", s.turnSeq, "reason", reason)
	s.machine.TransitionTo(StateUserSpeaking)
	s.buf = nil
	s.det.Reset()
}

// ─── lifecycle ───────────────────────────────────────────────────────────

// Run is the inactivity watchdog. It blocks until ctx ends or the session
// times out; the gateway runs it on its own goroutine.
func (s *Session) Run(ctx context.Context) {
	// A 5 s wake-up would overshoot a short timeout by most of itself, so
	// tighten the tick when the timeout is small.
	tick := watchdogTick
	if half := s.timeout / 2; half < tick {
		tick = half
	}
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if idle := s.idleFor(); idle >= s.timeout {
			s.log.Info("session timed out", "idle", idle.Round(time.Second))
			if err := s.sink.SendEvent(wire.Status(string(StateTimeout))); err != nil {
				s.log.Debug("timeout status not delivered", "err", err)
			}
			s.teardown("inactivity timeout")
			return
		}
	}
}

// Close stops the session: the in-flight turn is cancelled, late callbacks
// become no-ops, and further frames are dropped. Idempotent. The gateway
// calls it from connection teardown.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	turn := s.turn
	s.turn = nil
	s.buf = nil
	s.machine.ForceIdle()
	s.mu.Unlock()

	if turn != nil {
		turn.Cancel()
	}
}
