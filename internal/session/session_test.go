package session_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/engine/mock"
	"github.com/banter-dev/banter/internal/session"
	"github.com/banter-dev/banter/internal/wire"
	"github.com/banter-dev/banter/pkg/audio"
	"github.com/banter-dev/banter/pkg/memory"
)

// ─── helpers ─────────────────────────────────────────────────────────────

// pcm returns n bytes of little-endian int16 samples all reading amp, so
// the signal's RMS is amp.
func pcm(amp int16, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n/2; i++ {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(amp))
	}
	return b
}

// frame returns one full 20 ms frame of energy amp.
func frame(amp int16) []byte {
	return pcm(amp, audio.FrameBytes)
}

// eventSink records every event and audio chunk written to the connection.
type eventSink struct {
	mu     sync.Mutex
	events []wire.Event
	audio  int
}

func (s *eventSink) SendEvent(ev wire.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) SendAudio([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio++
	return nil
}

// kinds flattens the recorded events into readable tags, with status events
// rendered as "status:STATE".
func (s *eventSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		if ev.Type == wire.TypeStatus {
			out[i] = ev.Type + ":" + ev.State
		} else {
			out[i] = ev.Type
		}
	}
	return out
}

func (s *eventSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *eventSink) audioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// assertKinds fails unless the sink saw exactly the given event sequence.
func assertKinds(t *testing.T, sink *eventSink, want ...string) {
	t.Helper()
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("want events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s, got %s (full: %v)", i, want[i], got[i], got)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fixture wires a session to a scripted engine and a recording sink. The
// detector is tuned so two silent frames end a turn and three voiced frames
// satisfy the minimum.
type fixture struct {
	t    *testing.T
	sess *session.Session
	eng  *mock.Engine
	sink *eventSink
	torn chan string
}

func newFixture(t *testing.T, eng *mock.Engine, mutate func(*session.Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		eng:  eng,
		sink: &eventSink{},
		torn: make(chan string, 1),
	}
	cfg := session.Config{
		ID:     "sess-1",
		Engine: eng,
		Sink:   f.sink,
		Teardown: func(reason string) {
			f.sess.Close()
			select {
			case f.torn <- reason:
			default:
			}
		},
		Detector: session.DetectorConfig{
			SilenceRMS:      150,
			BargeInRMS:      800,
			TurnEndSilence:  40 * time.Millisecond,
			MinVoicedFrames: 3,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.sess = sess
	t.Cleanup(sess.Close)
	return f
}

// feed pushes voiced frames followed by silent ones through the session.
func (f *fixture) feed(voiced, silent int) {
	f.t.Helper()
	for range voiced {
		f.sess.HandleFrame(f.t.Context(), frame(400))
	}
	for range silent {
		f.sess.HandleFrame(f.t.Context(), frame(0))
	}
}

// ─── construction ────────────────────────────────────────────────────────

// TestNew_RequiresCollaborators checks that a session refuses to build
// without its engine, sink, teardown hook or id.
func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Manual: true}
	sink := &eventSink{}
	teardown := func(string) {}

	cases := []struct {
		name string
		cfg  session.Config
	}{
		{"missing id", session.Config{Engine: eng, Sink: sink, Teardown: teardown}},
		{"missing engine", session.Config{ID: "s", Sink: sink, Teardown: teardown}},
		{"missing sink", session.Config{ID: "s", Engine: eng, Teardown: teardown}},
		{"missing teardown", session.Config{ID: "s", Engine: eng, Sink: sink}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := session.New(tc.cfg); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

// ─── listening and turn start ────────────────────────────────────────────

// TestSession_BeginAnnouncesListening checks the first status event.
func TestSession_BeginAnnouncesListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()

	if got := f.sess.State(); got != session.StateUserSpeaking {
		t.Fatalf("want state %s, got %s", session.StateUserSpeaking, got)
	}
	assertKinds(t, f.sink, "status:USER_SPEAKING")
}

// TestSession_FramesBeforeBeginAreDropped checks that audio racing the
// accept handshake is ignored.
func TestSession_FramesBeforeBeginAreDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.feed(10, 5)

	if got := f.eng.TurnCount(); got != 0 {
		t.Fatalf("want 0 turns, got %d", got)
	}
	assertKinds(t, f.sink)
	if got := f.sess.State(); got != session.StateIdle {
		t.Fatalf("want state %s, got %s", session.StateIdle, got)
	}
}

// TestSession_TurnEndHandsUtteranceToEngine checks that enough speech
// followed by the silence span starts a turn carrying the whole buffer,
// trailing silence included.
func TestSession_TurnEndHandsUtteranceToEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	if got := f.eng.TurnCount(); got != 1 {
		t.Fatalf("want 1 turn, got %d", got)
	}
	call := f.eng.Calls[0]
	if call.SessionID != "sess-1" {
		t.Fatalf("want session id sess-1, got %s", call.SessionID)
	}
	if call.TurnSeq != 1 {
		t.Fatalf("want turn seq 1, got %d", call.TurnSeq)
	}
	// 3 voiced + 2 silent frames: the silent tail is part of the utterance.
	if got := len(call.Audio); got != 5*audio.FrameBytes {
		t.Fatalf("want %d buffered bytes, got %d", 5*audio.FrameBytes, got)
	}
	if got := len(call.History); got != 0 {
		t.Fatalf("want empty history snapshot, got %d entries", got)
	}
	if got := f.sess.State(); got != session.StateAIProcessing {
		t.Fatalf("want state %s, got %s", session.StateAIProcessing, got)
	}
	assertKinds(t, f.sink, "status:USER_SPEAKING", "status:AI_PROCESSING")
}

// TestSession_ShortNoiseNeverStartsTurn checks that a burst below the
// voiced minimum cannot end a turn, however long the silence after it.
func TestSession_ShortNoiseNeverStartsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(2, 10)

	if got := f.eng.TurnCount(); got != 0 {
		t.Fatalf("want 0 turns, got %d", got)
	}
	if got := f.sess.State(); got != session.StateUserSpeaking {
		t.Fatalf("want state %s, got %s", session.StateUserSpeaking, got)
	}
}

// TestSession_OddSizeFrameStillBuffers checks that frames of unexpected
// size are folded into the utterance rather than dropped.
func TestSession_OddSizeFrameStillBuffers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 0)
	f.sess.HandleFrame(t.Context(), pcm(400, audio.FrameBytes/2))
	f.feed(0, 2)

	if got := f.eng.TurnCount(); got != 1 {
		t.Fatalf("want 1 turn, got %d", got)
	}
	want := 3*audio.FrameBytes + audio.FrameBytes/2 + 2*audio.FrameBytes
	if got := len(f.eng.Calls[0].Audio); got != want {
		t.Fatalf("want %d buffered bytes, got %d", want, got)
	}
}

// ─── full turn lifecycle ─────────────────────────────────────────────────

// TestSession_FullTurnFlow drives one complete exchange through a manual
// engine and checks the wire sequence, the state walk and the history.
func TestSession_FullTurnFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	turn := f.eng.LastTurn()
	turn.SendTranscript("what time is it")
	if err := turn.SendAudioStart(); err != nil {
		t.Fatalf("SendAudioStart: %v", err)
	}
	if got := f.sess.State(); got != session.StateAISpeaking {
		t.Fatalf("want state %s after first audio, got %s", session.StateAISpeaking, got)
	}
	if err := turn.SendAudioChunk([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudioChunk: %v", err)
	}
	turn.Commit("what time is it", "It is noon.", true)

	assertKinds(t, f.sink,
		"status:USER_SPEAKING",
		"status:AI_PROCESSING",
		"transcript",
		"audio_start",
		"status:AI_SPEAKING",
		"tts_text",
		"audio_end",
		"status:USER_SPEAKING",
	)
	if got := f.sink.audioChunks(); got != 1 {
		t.Fatalf("want 1 audio chunk, got %d", got)
	}
	if !turn.Committed() {
		t.Fatal("turn did not commit")
	}

	entries := f.sess.History().Snapshot()
	if len(entries) != 2 {
		t.Fatalf("want 2 history entries, got %d", len(entries))
	}
	if entries[0].Role != memory.RoleUser || entries[0].Text != "what time is it" {
		t.Fatalf("unexpected user entry: %+v", entries[0])
	}
	if entries[1].Role != memory.RoleAssistant || entries[1].Text != "It is noon." {
		t.Fatalf("unexpected assistant entry: %+v", entries[1])
	}
}

// TestSession_AbortReturnsToListening checks that an aborted turn leaves
// no history and reopens the microphone.
func TestSession_AbortReturnsToListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	f.eng.LastTurn().Abort(engine.AbortError)

	if got := f.sess.State(); got != session.StateUserSpeaking {
		t.Fatalf("want state %s, got %s", session.StateUserSpeaking, got)
	}
	if got := f.sess.History().Len(); got != 0 {
		t.Fatalf("want empty history, got %d entries", got)
	}
	assertKinds(t, f.sink,
		"status:USER_SPEAKING",
		"status:AI_PROCESSING",
		"status:USER_SPEAKING",
	)
}

// TestSession_StartFailureToastsAndRecovers checks the path where the
// engine cannot start a turn at all: one error event, back to listening,
// and the next utterance goes through.
func TestSession_StartFailureToastsAndRecovers(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Manual: true, StartErr: io.ErrUnexpectedEOF}
	f := newFixture(t, eng, nil)
	f.sess.Begin()
	f.feed(3, 2)

	if got := f.eng.TurnCount(); got != 0 {
		t.Fatalf("want 0 live turns, got %d", got)
	}
	assertKinds(t, f.sink,
		"status:USER_SPEAKING",
		"status:AI_PROCESSING",
		"error",
		"status:USER_SPEAKING",
	)

	eng.StartErr = nil
	f.feed(3, 2)
	if got := f.eng.TurnCount(); got != 1 {
		t.Fatalf("want 1 turn after recovery, got %d", got)
	}
	// The failed attempt consumed a sequence number.
	if got := f.eng.Calls[1].TurnSeq; got != 2 {
		t.Fatalf("want turn seq 2, got %d", got)
	}
}

// ─── utterance cap ───────────────────────────────────────────────────────

// TestSession_UtteranceCapForcesTurnEnd checks that a caller who never
// pauses still gets a turn once the buffer cap is hit.
func TestSession_UtteranceCapForcesTurnEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, func(c *session.Config) {
		c.MaxVoiced = 100 * time.Millisecond // five frames
	})
	f.sess.Begin()
	f.feed(5, 0)

	if got := f.eng.TurnCount(); got != 1 {
		t.Fatalf("want 1 turn, got %d", got)
	}
	if got := len(f.eng.Calls[0].Audio); got != 5*audio.FrameBytes {
		t.Fatalf("want %d buffered bytes, got %d", 5*audio.FrameBytes, got)
	}
}

// TestSession_UtteranceCapDropsNoise checks that a capped buffer below the
// voiced minimum is discarded instead of being shipped to recognition.
func TestSession_UtteranceCapDropsNoise(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, func(c *session.Config) {
		c.MaxVoiced = 100 * time.Millisecond
	})
	f.sess.Begin()

	f.feed(1, 4) // hits the cap with a single voiced frame
	if got := f.eng.TurnCount(); got != 0 {
		t.Fatalf("noise buffer started a turn: %d", got)
	}

	f.feed(3, 2) // a real utterance right after still works
	if got := f.eng.TurnCount(); got != 1 {
		t.Fatalf("want 1 turn, got %d", got)
	}
	if got := len(f.eng.Calls[0].Audio); got != 5*audio.FrameBytes {
		t.Fatalf("want a fresh 5-frame buffer, got %d bytes", got)
	}
}

// ─── barge-in ────────────────────────────────────────────────────────────

// TestSession_BargeInInterruptsReply checks the full interrupt path: the
// turn is cancelled, the client told to flush, and the loud frame seeds the
// next utterance even though the old turn aborts late.
func TestSession_BargeInInterruptsReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	turn := f.eng.LastTurn()
	if err := turn.SendAudioStart(); err != nil {
		t.Fatalf("SendAudioStart: %v", err)
	}

	f.sess.HandleFrame(t.Context(), frame(2000))

	select {
	case <-turn.Cancelled():
	default:
		t.Fatal("barge-in did not cancel the turn")
	}
	// The cancelled engine reports its abort after the barge-in. It must
	// not disturb the new utterance.
	turn.Abort(engine.AbortCancelled)

	if got := f.sess.State(); got != session.StateUserSpeaking {
		t.Fatalf("want state %s, got %s", session.StateUserSpeaking, got)
	}
	if got := f.sink.count(wire.TypeInterrupt); got != 1 {
		t.Fatalf("want 1 interrupt event, got %d", got)
	}

	// Seed frame + 2 voiced reach the minimum; 2 silent end the turn.
	f.feed(2, 2)
	if got := f.eng.TurnCount(); got != 2 {
		t.Fatalf("want a second turn, got %d", got)
	}
	call := f.eng.Calls[1]
	if got := len(call.Audio); got != 5*audio.FrameBytes {
		t.Fatalf("want seeded 5-frame buffer, got %d bytes", got)
	}
	if call.TurnSeq != 2 {
		t.Fatalf("want turn seq 2, got %d", call.TurnSeq)
	}

	select {
	case reason := <-f.torn:
		t.Fatalf("unexpected teardown: %s", reason)
	default:
	}
}

// TestSession_BargeInBeforeFirstAudio checks that a loud frame interrupts
// a turn that is still thinking.
func TestSession_BargeInBeforeFirstAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	turn := f.eng.LastTurn()
	f.sess.HandleFrame(t.Context(), frame(2000))

	select {
	case <-turn.Cancelled():
	default:
		t.Fatal("barge-in did not cancel the turn")
	}
	if got := f.sink.count(wire.TypeInterrupt); got != 1 {
		t.Fatalf("want 1 interrupt event, got %d", got)
	}
	turn.Abort(engine.AbortCancelled)
}

// TestSession_QuietFramesDoNotInterrupt checks that ordinary speech-level
// audio during a reply does not trip the barge-in floor.
func TestSession_QuietFramesDoNotInterrupt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	turn := f.eng.LastTurn()
	if err := turn.SendAudioStart(); err != nil {
		t.Fatalf("SendAudioStart: %v", err)
	}

	f.sess.HandleFrame(t.Context(), frame(400))
	f.sess.HandleFrame(t.Context(), frame(0))

	select {
	case <-turn.Cancelled():
		t.Fatal("quiet frame cancelled the turn")
	default:
	}
	if got := f.sink.count(wire.TypeInterrupt); got != 0 {
		t.Fatalf("want 0 interrupt events, got %d", got)
	}
	if got := f.sess.State(); got != session.StateAISpeaking {
		t.Fatalf("want state %s, got %s", session.StateAISpeaking, got)
	}
}

// TestSession_StuckCancelledTurnTearsDown checks the grace window: a
// cancelled turn that never winds down costs the whole connection.
func TestSession_StuckCancelledTurnTearsDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	// Barge in; the manual turn never honours the cancel.
	f.sess.HandleFrame(t.Context(), frame(2000))

	select {
	case reason := <-f.torn:
		if reason != "cancelled turn did not stop" {
			t.Fatalf("unexpected teardown reason: %s", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down")
	}
}

// ─── watchdog ────────────────────────────────────────────────────────────

// TestSession_WatchdogTimesOutIdleSession checks that a silent session is
// told TIMEOUT and torn down, and that frames after teardown are ignored.
func TestSession_WatchdogTimesOutIdleSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, func(c *session.Config) {
		c.Timeout = 80 * time.Millisecond
	})
	f.sess.Begin()
	go f.sess.Run(t.Context())

	select {
	case reason := <-f.torn:
		if reason != "inactivity timeout" {
			t.Fatalf("unexpected teardown reason: %s", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}

	kinds := f.sink.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != "status:TIMEOUT" {
		t.Fatalf("want trailing status:TIMEOUT, got %v", kinds)
	}

	f.feed(5, 2)
	if got := f.eng.TurnCount(); got != 0 {
		t.Fatalf("frames after teardown started a turn: %d", got)
	}
}

// TestSession_ActivityDefersWatchdog checks that inbound voice and outbound
// audio keep an active session alive past its timeout span.
func TestSession_ActivityDefersWatchdog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, func(c *session.Config) {
		c.Timeout = 500 * time.Millisecond
	})
	f.sess.Begin()
	go f.sess.Run(t.Context())

	// Touch is what the connection writer calls per outbound audio chunk.
	for range 4 {
		time.Sleep(100 * time.Millisecond)
		f.sess.Touch()
	}
	select {
	case reason := <-f.torn:
		t.Fatalf("active session was torn down: %s", reason)
	default:
	}

	select {
	case reason := <-f.torn:
		if reason != "inactivity timeout" {
			t.Fatalf("unexpected teardown reason: %s", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog never fired after activity stopped")
	}
}

// ─── close ───────────────────────────────────────────────────────────────

// TestSession_CloseCancelsActiveTurn checks that closing a session stops
// its turn and makes every later frame a no-op.
func TestSession_CloseCancelsActiveTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Engine{Manual: true}, nil)
	f.sess.Begin()
	f.feed(3, 2)

	turn := f.eng.LastTurn()
	before := len(f.sink.kinds())

	f.sess.Close()
	select {
	case <-turn.Cancelled():
	default:
		t.Fatal("close did not cancel the turn")
	}

	f.sess.Close() // idempotent
	f.feed(3, 2)
	if got := f.eng.TurnCount(); got != 1 {
		t.Fatalf("frames after close started a turn: %d", got)
	}
	if got := len(f.sink.kinds()); got != before {
		t.Fatalf("close produced events: want %d, got %d", before, got)
	}
}

// ─── scripted end-to-end ─────────────────────────────────────────────────

// TestSession_ScriptedConversation runs two exchanges against a self-playing
// engine and checks the wire traffic, the history growth and the snapshot
// the second turn sees.
func TestSession_ScriptedConversation(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Scripts: []mock.Script{
		{
			Transcript: "what time is it",
			Reply:      "It is noon.",
			Audio:      [][]byte{{1}, {2}},
		},
		{
			Transcript: "and the weather",
			Reply:      "Sunny.",
			Audio:      [][]byte{{3}},
		},
	}}
	f := newFixture(t, eng, nil)
	f.sess.Begin()

	f.feed(3, 2)
	waitFor(t, 2*time.Second, func() bool {
		return f.sess.History().Len() == 2 && f.sess.State() == session.StateUserSpeaking
	})
	assertKinds(t, f.sink,
		"status:USER_SPEAKING",
		"status:AI_PROCESSING",
		"transcript",
		"audio_start",
		"status:AI_SPEAKING",
		"tts_text",
		"audio_end",
		"status:USER_SPEAKING",
	)
	if got := f.sink.audioChunks(); got != 2 {
		t.Fatalf("want 2 audio chunks, got %d", got)
	}

	f.feed(3, 2)
	waitFor(t, 2*time.Second, func() bool {
		return f.sess.History().Len() == 4
	})

	// The second turn saw the first exchange in its snapshot.
	call := f.eng.Calls[1]
	if call.TurnSeq != 2 {
		t.Fatalf("want turn seq 2, got %d", call.TurnSeq)
	}
	if len(call.History) != 2 {
		t.Fatalf("want 2 snapshot entries, got %d", len(call.History))
	}
	if call.History[0].Text != "what time is it" || call.History[1].Text != "It is noon." {
		t.Fatalf("unexpected snapshot: %+v", call.History)
	}

	entries := f.sess.History().Snapshot()
	if entries[2].Text != "and the weather" || entries[3].Text != "Sunny." {
		t.Fatalf("unexpected second exchange: %+v", entries[2:])
	}
}
