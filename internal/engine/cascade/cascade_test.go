package cascade_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	enginepkg "github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/engine/cascade"
	"github.com/banter-dev/banter/internal/wire"
	"github.com/banter-dev/banter/pkg/audio"
	"github.com/banter-dev/banter/pkg/memory"
	"github.com/banter-dev/banter/pkg/provider/llm"
	llmmock "github.com/banter-dev/banter/pkg/provider/llm/mock"
	sttmock "github.com/banter-dev/banter/pkg/provider/stt/mock"
	ttsmock "github.com/banter-dev/banter/pkg/provider/tts/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// recordingSink captures every sink write in arrival order so tests can
// assert how events and audio chunks interleave on the wire.
type recordingSink struct {
	mu      sync.Mutex
	records []sinkRecord

	// EventErr / AudioErr, when set, are returned by the corresponding
	// send method to simulate a dead connection.
	EventErr error
	AudioErr error
}

// sinkRecord is one observed write: an event, or an audio chunk when event
// is nil.
type sinkRecord struct {
	event *wire.Event
	audio []byte
}

func (s *recordingSink) SendEvent(ev wire.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EventErr != nil {
		return s.EventErr
	}
	s.records = append(s.records, sinkRecord{event: &ev})
	return nil
}

func (s *recordingSink) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AudioErr != nil {
		return s.AudioErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.records = append(s.records, sinkRecord{audio: buf})
	return nil
}

// kinds flattens the record log into a sequence of "audio" and event-type
// strings, e.g. ["audio_start", "audio", "tts_text", "audio_end"].
func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		if r.event != nil {
			out[i] = r.event.Type
		} else {
			out[i] = "audio"
		}
	}
	return out
}

// events returns only the control events, in order.
func (s *recordingSink) events() []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Event
	for _, r := range s.records {
		if r.event != nil {
			out = append(out, *r.event)
		}
	}
	return out
}

// audioChunks returns only the audio writes, in order.
func (s *recordingSink) audioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, r := range s.records {
		if r.event == nil {
			out = append(out, r.audio)
		}
	}
	return out
}

func (s *recordingSink) countEvents(typ string) int {
	n := 0
	for _, ev := range s.events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// findEvent returns the first event of the given type, if any.
func (s *recordingSink) findEvent(typ string) (wire.Event, bool) {
	for _, ev := range s.events() {
		if ev.Type == typ {
			return ev, true
		}
	}
	return wire.Event{}, false
}

// callbackLog records lifecycle callback invocations for later assertions.
type callbackLog struct {
	mu              sync.Mutex
	transcripts     []string
	firstAudio      int
	commitUser      string
	commitAssistant string
	commits         int
	aborts          []enginepkg.AbortReason

	// FirstAudioCh, when non-nil, is closed on the first OnFirstAudio.
	FirstAudioCh chan struct{}
}

func (c *callbackLog) callbacks() enginepkg.Callbacks {
	return enginepkg.Callbacks{
		OnTranscript: func(text string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.transcripts = append(c.transcripts, text)
		},
		OnFirstAudio: func() {
			c.mu.Lock()
			c.firstAudio++
			ch := c.FirstAudioCh
			c.FirstAudioCh = nil
			c.mu.Unlock()
			if ch != nil {
				close(ch)
			}
		},
		OnCommit: func(user, assistant string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.commits++
			c.commitUser = user
			c.commitAssistant = assistant
		},
		OnAbort: func(reason enginepkg.AbortReason) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.aborts = append(c.aborts, reason)
		},
	}
}

func (c *callbackLog) snapshot() callbackLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callbackLog{
		transcripts:     append([]string(nil), c.transcripts...),
		firstAudio:      c.firstAudio,
		commitUser:      c.commitUser,
		commitAssistant: c.commitAssistant,
		commits:         c.commits,
		aborts:          append([]enginepkg.AbortReason(nil), c.aborts...),
	}
}

// voicedPCM is a second of non-silent input audio.
func voicedPCM() []byte {
	return bytes.Repeat([]byte{0x10, 0x01}, audio.SampleRate)
}

func startTurn(t *testing.T, e *cascade.Engine, sink *recordingSink, cb enginepkg.Callbacks, history []memory.Entry) enginepkg.Turn {
	t.Helper()
	tn, err := e.StartTurn(context.Background(), enginepkg.TurnRequest{
		SessionID: "s-test",
		TurnSeq:   1,
		Audio:     voicedPCM(),
		History:   history,
		Sink:      sink,
		Callbacks: cb,
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	return tn
}

func waitDone(t *testing.T, tn enginepkg.Turn) {
	t.Helper()
	select {
	case <-tn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish in time")
	}
}

// ─── TestTurn_CommitsCleanRun ────────────────────────────────────────────────

// TestTurn_CommitsCleanRun walks a full successful turn: transcription, a
// two-sentence streamed reply, per-sentence synthesis, and the commit.
func TestTurn_CommitsCleanRun(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "what time is it"
	llmP := &llmmock.Provider{
		Script:     []string{"It is ", "noon. ", "Enjoy ", "your day."},
		FinalChunk: &llm.Chunk{FinishReason: "stop"},
	}
	ttsP := &ttsmock.Provider{ChunksPerCall: 2}

	e := cascade.New(sttP, llmP, ttsP,
		cascade.WithVoice("voice-7"),
		cascade.WithLanguage("hi-IN"),
	)

	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if !tn.Committed() {
		t.Fatal("turn should have committed")
	}

	// Wire order: audio_start, four chunks (two per sentence), tts_text,
	// audio_end.
	want := []string{
		"audio_start",
		"audio", "audio", "audio", "audio",
		"tts_text", "audio_end",
	}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("sink sequence: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sink sequence[%d]: want %q, got %q (full: %v)", i, want[i], got[i], got)
		}
	}

	// Chunks arrive in sentence order.
	chunks := sink.audioChunks()
	if string(chunks[0]) != "audio:It is noon.:0" {
		t.Errorf("first chunk: got %q", chunks[0])
	}
	if string(chunks[3]) != "audio:Enjoy your day.:1" {
		t.Errorf("last chunk: got %q", chunks[3])
	}

	// tts_text carries the full reply with has_audio set.
	ttsText, ok := sink.findEvent(wire.TypeTTSText)
	if !ok {
		t.Fatal("missing tts_text event")
	}
	if ttsText.Text != "It is noon. Enjoy your day." {
		t.Errorf("tts_text text: got %q", ttsText.Text)
	}
	if ttsText.HasAudio == nil || !*ttsText.HasAudio {
		t.Error("tts_text has_audio: want true")
	}

	// Lifecycle callbacks.
	snap := cb.snapshot()
	if len(snap.transcripts) != 1 || snap.transcripts[0] != "what time is it" {
		t.Errorf("transcripts: got %v", snap.transcripts)
	}
	if snap.firstAudio != 1 {
		t.Errorf("OnFirstAudio calls: want 1, got %d", snap.firstAudio)
	}
	if snap.commits != 1 {
		t.Fatalf("OnCommit calls: want 1, got %d", snap.commits)
	}
	if snap.commitUser != "what time is it" || snap.commitAssistant != "It is noon. Enjoy your day." {
		t.Errorf("commit pair: got (%q, %q)", snap.commitUser, snap.commitAssistant)
	}
	if len(snap.aborts) != 0 {
		t.Errorf("OnAbort calls: want 0, got %v", snap.aborts)
	}

	// Provider plumbing: language hint, sample rate, voice, sentence order.
	if sttP.Calls[0].Req.Language != "hi-IN" {
		t.Errorf("stt language: got %q", sttP.Calls[0].Req.Language)
	}
	if sttP.Calls[0].Req.SampleRate != audio.SampleRate {
		t.Errorf("stt sample rate: got %d", sttP.Calls[0].Req.SampleRate)
	}
	if texts := ttsP.Texts(); len(texts) != 2 || texts[0] != "It is noon." || texts[1] != "Enjoy your day." {
		t.Errorf("tts texts: got %v", texts)
	}
	if ttsP.Calls[0].VoiceID != "voice-7" {
		t.Errorf("tts voice: got %q", ttsP.Calls[0].VoiceID)
	}
}

// ─── TestTurn_CompletionRequestShape ─────────────────────────────────────────

// TestTurn_CompletionRequestShape verifies the completion request the engine
// builds: prior history plus the fresh user message, the voice system prompt,
// and sampling tuned for short spoken replies.
func TestTurn_CompletionRequestShape(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "and tomorrow"
	llmP := &llmmock.Provider{Script: []string{"Sunny again."}}
	ttsP := &ttsmock.Provider{}

	history := []memory.Entry{
		{Role: memory.RoleUser, Text: "will it rain today"},
		{Role: memory.RoleAssistant, Text: "No, clear skies all day."},
	}

	e := cascade.New(sttP, llmP, ttsP)
	tn := startTurn(t, e, &recordingSink{}, enginepkg.Callbacks{}, history)
	waitDone(t, tn)

	if llmP.CallCount() != 1 {
		t.Fatalf("llm calls: want 1, got %d", llmP.CallCount())
	}
	req := llmP.StreamCalls[0].Req

	if !strings.Contains(req.SystemPrompt, "one or two short sentences") {
		t.Errorf("system prompt missing voice instruction: %q", req.SystemPrompt)
	}
	if req.Temperature != 0.7 {
		t.Errorf("temperature: want 0.7, got %v", req.Temperature)
	}
	if req.MaxTokens != 150 {
		t.Errorf("max tokens: want 150, got %d", req.MaxTokens)
	}

	if len(req.Messages) != 3 {
		t.Fatalf("messages: want 3, got %d (%+v)", len(req.Messages), req.Messages)
	}
	if req.Messages[0].Text != "will it rain today" || req.Messages[1].Text != "No, clear skies all day." {
		t.Errorf("history not preserved: %+v", req.Messages)
	}
	last := req.Messages[2]
	if last.Role != memory.RoleUser || last.Text != "and tomorrow" {
		t.Errorf("last message: want fresh user transcript, got %+v", last)
	}
}

// ─── TestTurn_SystemPromptOverride ───────────────────────────────────────────

func TestTurn_SystemPromptOverride(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{Script: []string{"Hi there."}}

	e := cascade.New(sttP, llmP, &ttsmock.Provider{},
		cascade.WithSystemPrompt("You are a test fixture."),
	)
	tn := startTurn(t, e, &recordingSink{}, enginepkg.Callbacks{}, nil)
	waitDone(t, tn)

	if got := llmP.StreamCalls[0].Req.SystemPrompt; got != "You are a test fixture." {
		t.Errorf("system prompt: got %q", got)
	}
}

// ─── TestEngine_RetuneAppliesToNextTurn ──────────────────────────────────────

// TestEngine_RetuneAppliesToNextTurn verifies that the live setters change
// what the following turn uses: a swapped voice reaches the TTS call and a
// swapped prompt reaches the LLM call.
func TestEngine_RetuneAppliesToNextTurn(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{Script: []string{"Hi."}}
	ttsP := &ttsmock.Provider{}

	e := cascade.New(sttP, llmP, ttsP,
		cascade.WithSystemPrompt("Old prompt."),
		cascade.WithVoice("voice-old"),
	)

	tn := startTurn(t, e, &recordingSink{}, enginepkg.Callbacks{}, nil)
	waitDone(t, tn)

	e.SetSystemPrompt("New prompt.")
	e.SetVoice("voice-new")
	e.SetQueueDepth(2)

	tn = startTurn(t, e, &recordingSink{}, enginepkg.Callbacks{}, nil)
	waitDone(t, tn)

	if got := llmP.StreamCalls[0].Req.SystemPrompt; got != "Old prompt." {
		t.Errorf("first turn prompt: got %q", got)
	}
	if got := llmP.StreamCalls[1].Req.SystemPrompt; got != "New prompt." {
		t.Errorf("second turn prompt: got %q", got)
	}
	if got := ttsP.Calls[0].VoiceID; got != "voice-old" {
		t.Errorf("first turn voice: got %q", got)
	}
	if got := ttsP.Calls[1].VoiceID; got != "voice-new" {
		t.Errorf("second turn voice: got %q", got)
	}
}

// ─── TestTurn_EmptyTranscriptAbortsSilently ──────────────────────────────────

// TestTurn_EmptyTranscriptAbortsSilently verifies that a turn with no
// recognised speech ends without any wire traffic, LLM call, or commit.
func TestTurn_EmptyTranscriptAbortsSilently(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{} // empty Result: no speech
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("empty transcript must not commit")
	}
	if got := sink.kinds(); len(got) != 0 {
		t.Errorf("sink writes: want none, got %v", got)
	}
	if llmP.CallCount() != 0 {
		t.Errorf("llm calls: want 0, got %d", llmP.CallCount())
	}
	if ttsP.CallCount() != 0 {
		t.Errorf("tts calls: want 0, got %d", ttsP.CallCount())
	}

	snap := cb.snapshot()
	if len(snap.transcripts) != 0 {
		t.Errorf("OnTranscript calls: want 0, got %v", snap.transcripts)
	}
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortEmptyTranscript {
		t.Errorf("aborts: want [empty_transcript], got %v", snap.aborts)
	}
}

// ─── TestTurn_RecognitionFailureSpeaksFallback ───────────────────────────────

// TestTurn_RecognitionFailureSpeaksFallback verifies the apology path: when
// transcription fails, the engine voices a short fallback without calling
// the LLM and the turn ends uncommitted.
func TestTurn_RecognitionFailureSpeaksFallback(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Err: errors.New("vendor down")}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("apology turn must not commit")
	}
	if llmP.CallCount() != 0 {
		t.Errorf("llm calls: want 0, got %d", llmP.CallCount())
	}
	if texts := ttsP.Texts(); len(texts) != 1 || texts[0] != "Sorry, I didn't catch that." {
		t.Errorf("tts texts: got %v", texts)
	}

	want := []string{"audio_start", "audio", "tts_text", "audio_end"}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("sink sequence: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sink sequence[%d]: want %q, got %q", i, want[i], got[i])
		}
	}
	if n := sink.countEvents(wire.TypeError); n != 0 {
		t.Errorf("error events: want 0, got %d", n)
	}
	ttsText, _ := sink.findEvent(wire.TypeTTSText)
	if ttsText.Text != "Sorry, I didn't catch that." || ttsText.HasAudio == nil || !*ttsText.HasAudio {
		t.Errorf("tts_text: got %+v", ttsText)
	}

	snap := cb.snapshot()
	if len(snap.transcripts) != 0 {
		t.Errorf("OnTranscript calls: want 0, got %v", snap.transcripts)
	}
	if snap.commits != 0 {
		t.Errorf("OnCommit calls: want 0, got %d", snap.commits)
	}
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortError {
		t.Errorf("aborts: want [error], got %v", snap.aborts)
	}
}

// ─── TestTurn_RecognitionAndSynthesisFailure ─────────────────────────────────

// TestTurn_RecognitionAndSynthesisFailure verifies that when TTS cannot voice
// the apology either, the text still reaches the client with has_audio false
// so it can synthesise locally.
func TestTurn_RecognitionAndSynthesisFailure(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Err: errors.New("vendor down")}
	ttsP := &ttsmock.Provider{StartErr: errors.New("tts down too")}

	e := cascade.New(sttP, &llmmock.Provider{}, ttsP)
	sink := &recordingSink{}
	tn := startTurn(t, e, sink, enginepkg.Callbacks{}, nil)
	waitDone(t, tn)

	want := []string{"tts_text", "audio_end"}
	got := sink.kinds()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sink sequence: want %v, got %v", want, got)
	}
	ttsText, _ := sink.findEvent(wire.TypeTTSText)
	if ttsText.HasAudio == nil || *ttsText.HasAudio {
		t.Error("tts_text has_audio: want false")
	}
	if ttsText.Text != "Sorry, I didn't catch that." {
		t.Errorf("tts_text text: got %q", ttsText.Text)
	}
}

// ─── TestTurn_LLMStartFailure ────────────────────────────────────────────────

// TestTurn_LLMStartFailure verifies that a completion that cannot start emits
// exactly one error event and nothing else.
func TestTurn_LLMStartFailure(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{StartErr: errors.New("quota exceeded")}
	ttsP := &ttsmock.Provider{}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("failed turn must not commit")
	}
	if got := sink.kinds(); len(got) != 1 || got[0] != wire.TypeError {
		t.Fatalf("sink sequence: want [error], got %v", got)
	}
	ev, _ := sink.findEvent(wire.TypeError)
	if ev.Message == "" {
		t.Error("error event message is empty")
	}
	if ttsP.CallCount() != 0 {
		t.Errorf("tts calls: want 0, got %d", ttsP.CallCount())
	}

	snap := cb.snapshot()
	if len(snap.transcripts) != 1 {
		t.Errorf("OnTranscript calls: want 1, got %d", len(snap.transcripts))
	}
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortError {
		t.Errorf("aborts: want [error], got %v", snap.aborts)
	}
}

// ─── TestTurn_LLMErrorChunk ──────────────────────────────────────────────────

// TestTurn_LLMErrorChunk verifies that a mid-stream model failure aborts the
// turn with a single error event and no commit, even though earlier sentences
// may already have been spoken.
func TestTurn_LLMErrorChunk(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "tell me more"
	llmP := &llmmock.Provider{
		Script:     []string{"Here is the first part. "},
		FinalChunk: &llm.Chunk{Text: "upstream overloaded", FinishReason: llm.FinishReasonError},
	}

	e := cascade.New(sttP, llmP, &ttsmock.Provider{})
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("failed turn must not commit")
	}
	if n := sink.countEvents(wire.TypeError); n != 1 {
		t.Errorf("error events: want 1, got %d", n)
	}
	if n := sink.countEvents(wire.TypeAudioEnd); n != 0 {
		t.Errorf("audio_end events: want 0, got %d", n)
	}
	if n := sink.countEvents(wire.TypeTTSText); n != 0 {
		t.Errorf("tts_text events: want 0, got %d", n)
	}

	snap := cb.snapshot()
	if snap.commits != 0 {
		t.Errorf("OnCommit calls: want 0, got %d", snap.commits)
	}
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortError {
		t.Errorf("aborts: want [error], got %v", snap.aborts)
	}
}

// ─── TestTurn_EmptyCompletionFails ───────────────────────────────────────────

// TestTurn_EmptyCompletionFails verifies that a model stream that produces no
// text at all is treated as a failure rather than committed as an empty reply.
func TestTurn_EmptyCompletionFails(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{} // closes without emitting anything

	e := cascade.New(sttP, llmP, &ttsmock.Provider{})
	sink := &recordingSink{}
	tn := startTurn(t, e, sink, enginepkg.Callbacks{}, nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("empty completion must not commit")
	}
	if got := sink.kinds(); len(got) != 1 || got[0] != wire.TypeError {
		t.Fatalf("sink sequence: want [error], got %v", got)
	}
}

// ─── TestTurn_FirstTokenTimeout ──────────────────────────────────────────────

// TestTurn_FirstTokenTimeout verifies the first-token deadline: a model that
// stalls before its first token fails the turn.
func TestTurn_FirstTokenTimeout(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{
		Script:     []string{"Too late."},
		TokenDelay: 500 * time.Millisecond,
	}

	e := cascade.New(sttP, llmP, &ttsmock.Provider{},
		cascade.WithTimeouts(cascade.Timeouts{LLMFirstToken: 40 * time.Millisecond}),
	)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("stalled turn must not commit")
	}
	if n := sink.countEvents(wire.TypeError); n != 1 {
		t.Errorf("error events: want 1, got %d", n)
	}
	snap := cb.snapshot()
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortError {
		t.Errorf("aborts: want [error], got %v", snap.aborts)
	}
}

// ─── TestTurn_TTSSentenceFailureSkipsSentence ────────────────────────────────

// TestTurn_TTSSentenceFailureSkipsSentence verifies that one failed synthesis
// drops that sentence only; the reply still completes and commits.
func TestTurn_TTSSentenceFailureSkipsSentence(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "two sentences please"
	llmP := &llmmock.Provider{
		Script: []string{"First thought. ", "Second thought."},
	}
	ttsP := &ttsmock.Provider{
		StartErrs: []error{errors.New("voice glitch"), nil},
	}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if !tn.Committed() {
		t.Fatal("turn should still commit")
	}
	if ttsP.CallCount() != 2 {
		t.Errorf("tts calls: want 2, got %d", ttsP.CallCount())
	}

	chunks := sink.audioChunks()
	if len(chunks) != 1 || string(chunks[0]) != "audio:Second thought.:0" {
		t.Errorf("audio chunks: got %q", chunks)
	}
	ttsText, _ := sink.findEvent(wire.TypeTTSText)
	if ttsText.Text != "First thought. Second thought." {
		t.Errorf("tts_text text: got %q", ttsText.Text)
	}
	if ttsText.HasAudio == nil || !*ttsText.HasAudio {
		t.Error("tts_text has_audio: want true, some audio was streamed")
	}
	if snap := cb.snapshot(); snap.commits != 1 {
		t.Errorf("OnCommit calls: want 1, got %d", snap.commits)
	}
}

// ─── TestTurn_TTSTotalFailureCommitsWithTextOnly ─────────────────────────────

// TestTurn_TTSTotalFailureCommitsWithTextOnly verifies that a reply whose
// synthesis never produces audio still commits, shipping the text with
// has_audio false for local synthesis.
func TestTurn_TTSTotalFailureCommitsWithTextOnly(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{Script: []string{"Nice to meet you."}}
	ttsP := &ttsmock.Provider{StartErr: errors.New("synth pool exhausted")}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if !tn.Committed() {
		t.Fatal("turn should commit despite missing audio")
	}

	want := []string{"tts_text", "audio_end"}
	got := sink.kinds()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sink sequence: want %v, got %v", want, got)
	}
	ttsText, _ := sink.findEvent(wire.TypeTTSText)
	if ttsText.HasAudio == nil || *ttsText.HasAudio {
		t.Error("tts_text has_audio: want false")
	}
	snap := cb.snapshot()
	if snap.firstAudio != 0 {
		t.Errorf("OnFirstAudio calls: want 0, got %d", snap.firstAudio)
	}
	if snap.commits != 1 || snap.commitAssistant != "Nice to meet you." {
		t.Errorf("commit: got %d calls, assistant %q", snap.commits, snap.commitAssistant)
	}
}

// ─── TestTurn_CancelStopsOutput ──────────────────────────────────────────────

// TestTurn_CancelStopsOutput verifies the barge-in path: cancelling a turn
// mid-reply stops the pipeline promptly, ends it uncommitted, and never
// reports a failure.
func TestTurn_CancelStopsOutput(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "tell me a long story"
	llmP := &llmmock.Provider{
		Script: []string{
			"Once upon a time. ", "There was a test. ", "It ran forever. ",
			"And ever. ", "And ever after that. ", "Until cancelled. ",
		},
		TokenDelay: 5 * time.Millisecond,
	}
	ttsP := &ttsmock.Provider{ChunksPerCall: 4, ChunkDelay: 5 * time.Millisecond}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{FirstAudioCh: make(chan struct{})}
	firstAudio := cb.FirstAudioCh
	tn := startTurn(t, e, sink, cb.callbacks(), nil)

	select {
	case <-firstAudio:
	case <-time.After(2 * time.Second):
		t.Fatal("no audio before cancel")
	}
	tn.Cancel()
	tn.Cancel() // idempotent
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("cancelled turn must not commit")
	}
	if n := sink.countEvents(wire.TypeError); n != 0 {
		t.Errorf("error events: want 0, got %d", n)
	}
	if n := sink.countEvents(wire.TypeAudioEnd); n != 0 {
		t.Errorf("audio_end events: want 0, got %d", n)
	}
	if n := sink.countEvents(wire.TypeTTSText); n != 0 {
		t.Errorf("tts_text events: want 0, got %d", n)
	}

	snap := cb.snapshot()
	if snap.commits != 0 {
		t.Errorf("OnCommit calls: want 0, got %d", snap.commits)
	}
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortCancelled {
		t.Errorf("aborts: want [cancelled], got %v", snap.aborts)
	}
}

// ─── TestTurn_CancelDuringTranscription ──────────────────────────────────────

// TestTurn_CancelDuringTranscription verifies that a cancel while STT is in
// flight ends the turn silently: no fallback apology, no events.
func TestTurn_CancelDuringTranscription(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Delay: 500 * time.Millisecond}
	sttP.Result.Text = "never used"
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}

	e := cascade.New(sttP, llmP, ttsP)
	sink := &recordingSink{}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)

	// Give the turn a moment to enter the STT call, then cancel.
	time.Sleep(20 * time.Millisecond)
	tn.Cancel()
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("cancelled turn must not commit")
	}
	if got := sink.kinds(); len(got) != 0 {
		t.Errorf("sink writes: want none, got %v", got)
	}
	if llmP.CallCount() != 0 {
		t.Errorf("llm calls: want 0, got %d", llmP.CallCount())
	}
	if ttsP.CallCount() != 0 {
		t.Errorf("tts calls: want 0, got %d", ttsP.CallCount())
	}
	snap := cb.snapshot()
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortCancelled {
		t.Errorf("aborts: want [cancelled], got %v", snap.aborts)
	}
}

// ─── TestTurn_SinkFailureFailsTurn ───────────────────────────────────────────

// TestTurn_SinkFailureFailsTurn verifies that a dead audio path aborts the
// turn without committing.
func TestTurn_SinkFailureFailsTurn(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{Script: []string{"A reply."}}

	e := cascade.New(sttP, llmP, &ttsmock.Provider{})
	sink := &recordingSink{AudioErr: errors.New("peer gone")}
	cb := &callbackLog{}
	tn := startTurn(t, e, sink, cb.callbacks(), nil)
	waitDone(t, tn)

	if tn.Committed() {
		t.Error("turn must not commit after a sink failure")
	}
	snap := cb.snapshot()
	if snap.commits != 0 {
		t.Errorf("OnCommit calls: want 0, got %d", snap.commits)
	}
	if len(snap.aborts) != 1 || snap.aborts[0] != enginepkg.AbortError {
		t.Errorf("aborts: want [error], got %v", snap.aborts)
	}
}

// ─── TestStartTurn_NilSink ───────────────────────────────────────────────────

func TestStartTurn_NilSink(t *testing.T) {
	t.Parallel()

	e := cascade.New(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	_, err := e.StartTurn(context.Background(), enginepkg.TurnRequest{Audio: voicedPCM()})
	if err == nil {
		t.Fatal("StartTurn with nil sink should fail")
	}
}

// ─── TestTurn_ConcurrentTurns ────────────────────────────────────────────────

// TestTurn_ConcurrentTurns verifies that one engine can run many independent
// turns at once without cross-talk between their sinks.
func TestTurn_ConcurrentTurns(t *testing.T) {
	t.Parallel()

	const numTurns = 8

	sttP := &sttmock.Provider{}
	sttP.Result.Text = "hello"
	llmP := &llmmock.Provider{Script: []string{"Hi there."}}
	ttsP := &ttsmock.Provider{}

	e := cascade.New(sttP, llmP, ttsP)

	var wg sync.WaitGroup
	sinks := make([]*recordingSink, numTurns)
	turns := make([]enginepkg.Turn, numTurns)
	for i := range numTurns {
		sinks[i] = &recordingSink{}
		tn, err := e.StartTurn(context.Background(), enginepkg.TurnRequest{
			SessionID: "s-concurrent",
			TurnSeq:   i + 1,
			Audio:     voicedPCM(),
			Sink:      sinks[i],
		})
		if err != nil {
			t.Fatalf("StartTurn %d: %v", i, err)
		}
		turns[i] = tn
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-tn.Done()
		}()
	}
	wg.Wait()

	for i := range numTurns {
		if !turns[i].Committed() {
			t.Errorf("turn %d did not commit", i)
		}
		if len(sinks[i].kinds()) == 0 {
			t.Errorf("turn %d produced no wire traffic", i)
		}
	}
}
