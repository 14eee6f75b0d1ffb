// Package cascade implements the production turn pipeline: batch speech
// recognition, a streaming language model, and per-sentence speech synthesis,
// overlapped so playback starts before the reply is fully generated.
//
// # Architecture
//
//  1. The voiced buffer is transcribed in a single batch STT call.
//  2. An LLM producer streams tokens through the sentence splitter and puts
//     complete sentences into a bounded queue.
//  3. A TTS consumer pulls sentences off the queue and streams audio chunks
//     to the sink while the producer is still generating later sentences.
//
// Producer and consumer run on an errgroup under a turn-scoped context: the
// first stage failure, or Turn.Cancel, stops every stage. A turn commits only
// after the whole pipeline ran to completion; interrupted and failed turns
// leave conversation memory untouched. When recognition itself fails, the
// pipeline skips the LLM and voices a short apology instead.
package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/observe"
	"github.com/banter-dev/banter/internal/wire"
	"github.com/banter-dev/banter/pkg/audio"
	"github.com/banter-dev/banter/pkg/memory"
	"github.com/banter-dev/banter/pkg/provider/llm"
	"github.com/banter-dev/banter/pkg/provider/stt"
	"github.com/banter-dev/banter/pkg/provider/tts"
)

const (
	// defaultSystemPrompt keeps replies short enough to speak. Overridable
	// per deployment via WithSystemPrompt.
	defaultSystemPrompt = "You are a helpful voice assistant. " +
		"Keep every response to one or two short sentences; you are speaking aloud, not writing. " +
		"Never use bullet points, markdown, or lists. Be direct and natural."

	// defaultFallbackUtterance is spoken when recognition fails for good.
	defaultFallbackUtterance = "Sorry, I didn't catch that."

	// errorToast is the message attached to the single error event a failed
	// turn emits. It is displayed, never spoken.
	errorToast = "Sorry, something went wrong. Please try again."

	// defaultQueueDepth bounds the sentence queue between the LLM producer
	// and the TTS consumer. A full queue blocks the producer, which keeps
	// generation at most this many sentences ahead of playback.
	defaultQueueDepth = 8

	// defaultTemperature and defaultMaxTokens tune the completion for short
	// conversational replies.
	defaultTemperature = 0.7
	defaultMaxTokens   = 150
)

// Timeouts bounds the individual pipeline stages. A zero field in an option
// value keeps the default.
type Timeouts struct {
	// STT bounds the whole transcription call, retries included.
	STT time.Duration

	// LLMFirstToken bounds the wait for the first streamed token.
	LLMFirstToken time.Duration

	// LLMTotal bounds the whole completion stream.
	LLMTotal time.Duration

	// TTSSentence bounds the synthesis of one sentence.
	TTSSentence time.Duration
}

// DefaultTimeouts are the stage deadlines used unless overridden.
var DefaultTimeouts = Timeouts{
	STT:           15 * time.Second,
	LLMFirstToken: 10 * time.Second,
	LLMTotal:      30 * time.Second,
	TTSSentence:   20 * time.Second,
}

// Engine runs turns through the STT → LLM → TTS cascade. It is safe for
// concurrent use; one Engine serves every live session, and each StartTurn
// call spawns its own goroutines.
type Engine struct {
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider

	// mu guards the live tunables below. A starting turn snapshots them
	// once, so a reload never switches voice or prompt mid-turn.
	mu           sync.RWMutex
	systemPrompt string
	voiceID      string
	queueDepth   int

	fallback string
	language string
	timeouts Timeouts

	met *observe.Metrics
}

// Compile-time assertion that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithSystemPrompt replaces the built-in voice system prompt.
func WithSystemPrompt(s string) Option {
	return func(e *Engine) { e.systemPrompt = s }
}

// WithFallbackUtterance replaces the apology spoken when recognition fails.
func WithFallbackUtterance(s string) Option {
	return func(e *Engine) { e.fallback = s }
}

// WithVoice selects the TTS voice. Empty means the vendor default.
func WithVoice(voiceID string) Option {
	return func(e *Engine) { e.voiceID = voiceID }
}

// WithLanguage sets the transcription language hint. Empty means the vendor
// default.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithQueueDepth sets the sentence queue capacity. Values below 1 are ignored.
func WithQueueDepth(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.queueDepth = n
		}
	}
}

// WithTimeouts overrides stage deadlines. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) {
		if t.STT > 0 {
			e.timeouts.STT = t.STT
		}
		if t.LLMFirstToken > 0 {
			e.timeouts.LLMFirstToken = t.LLMFirstToken
		}
		if t.LLMTotal > 0 {
			e.timeouts.LLMTotal = t.LLMTotal
		}
		if t.TTSSentence > 0 {
			e.timeouts.TTSSentence = t.TTSSentence
		}
	}
}

// SetSystemPrompt swaps the system prompt for turns started after the call.
// Empty restores the built-in prompt.
func (e *Engine) SetSystemPrompt(s string) {
	if s == "" {
		s = defaultSystemPrompt
	}
	e.mu.Lock()
	e.systemPrompt = s
	e.mu.Unlock()
}

// SetVoice swaps the synthesis voice for turns started after the call.
func (e *Engine) SetVoice(voiceID string) {
	e.mu.Lock()
	e.voiceID = voiceID
	e.mu.Unlock()
}

// SetQueueDepth resizes the sentence queue for turns started after the call.
// Values below 1 are ignored.
func (e *Engine) SetQueueDepth(n int) {
	if n < 1 {
		return
	}
	e.mu.Lock()
	e.queueDepth = n
	e.mu.Unlock()
}

// tunables returns a consistent snapshot for a starting turn.
func (e *Engine) tunables() (prompt, voice string, depth int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.systemPrompt, e.voiceID, e.queueDepth
}

// New constructs an Engine backed by the given providers. Options are applied
// after the engine is initialised with its defaults.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Engine {
	e := &Engine{
		sttP:         sttP,
		llmP:         llmP,
		ttsP:         ttsP,
		systemPrompt: defaultSystemPrompt,
		fallback:     defaultFallbackUtterance,
		queueDepth:   defaultQueueDepth,
		timeouts:     DefaultTimeouts,
		met:          observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// StartTurn begins processing req on the engine's own goroutines and returns
// a handle immediately. It fails only when the request cannot be run at all.
func (e *Engine) StartTurn(ctx context.Context, req engine.TurnRequest) (engine.Turn, error) {
	if req.Sink == nil {
		return nil, fmt.Errorf("cascade: turn request needs a sink")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		eng:  e,
		req:  req,
		stop: cancel,
		done: make(chan struct{}),
	}
	t.prompt, t.voice, t.depth = e.tunables()
	go t.run(turnCtx)
	return t, nil
}

// ─── Turn ─────────────────────────────────────────────────────────────────────

// outcome labels for the turns counter.
const (
	outcomeCommitted   = "committed"
	outcomeInterrupted = "interrupted"
	outcomeAborted     = "aborted"
	outcomeFailed      = "failed"
)

type turn struct {
	eng *Engine
	req engine.TurnRequest

	// Engine tunables as of StartTurn.
	prompt string
	voice  string
	depth  int

	stop      context.CancelFunc
	cancelled atomic.Bool
	committed atomic.Bool
	done      chan struct{}

	start time.Time
	log   *slog.Logger
}

// Cancel latches the cancellation and tears down the turn context. Safe to
// call any number of times from any goroutine.
func (t *turn) Cancel() {
	t.cancelled.Store(true)
	t.stop()
}

func (t *turn) Done() <-chan struct{} { return t.done }

func (t *turn) Committed() bool { return t.committed.Load() }

func (t *turn) run(ctx context.Context) {
	defer close(t.done)
	defer t.stop()

	t.start = time.Now()
	ctx, span := observe.StartSpan(ctx, "turn", trace.WithAttributes(
		observe.Attr("session_id", t.req.SessionID),
	))
	defer span.End()
	t.log = observe.Logger(ctx).With("session_id", t.req.SessionID, "turn", t.req.TurnSeq)

	outcome := t.pipeline(ctx)

	t.eng.met.RecordTurn(ctx, outcome)
	t.eng.met.TurnDuration.Record(ctx, time.Since(t.start).Seconds())
	t.log.Info("turn finished", "outcome", outcome, "duration", time.Since(t.start))
}

// pipeline drives the turn end to end and returns its outcome label. Every
// callback and sink write happens inside this call, before Done is closed.
func (t *turn) pipeline(ctx context.Context) string {
	transcript, err := t.transcribe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warn("recognition failed, speaking fallback", "err", err)
			t.speakFallback(ctx)
		}
		if ctx.Err() != nil {
			t.abort(engine.AbortCancelled)
			return outcomeInterrupted
		}
		t.abort(engine.AbortError)
		return outcomeFailed
	}
	if transcript == "" {
		t.log.Debug("no speech recognised, dropping turn")
		t.abort(engine.AbortEmptyTranscript)
		return outcomeAborted
	}

	t.log.Info("transcript ready", "text", transcript, "elapsed", time.Since(t.start))
	if f := t.req.Callbacks.OnTranscript; f != nil {
		f(transcript)
	}

	err = t.respond(ctx, transcript)
	switch {
	case t.committed.Load():
		return outcomeCommitted
	case ctx.Err() != nil:
		t.abort(engine.AbortCancelled)
		return outcomeInterrupted
	default:
		t.log.Warn("turn failed", "err", err)
		// Best effort: the connection may already be gone.
		_ = t.req.Sink.SendEvent(wire.Error(errorToast))
		t.abort(engine.AbortError)
		return outcomeFailed
	}
}

// transcribe runs the STT stage against the voiced buffer.
func (t *turn) transcribe(ctx context.Context) (string, error) {
	sctx, span := observe.StartSpan(ctx, "stt")
	defer span.End()
	sctx, cancel := context.WithTimeout(sctx, t.eng.timeouts.STT)
	defer cancel()

	started := time.Now()
	res, err := t.eng.sttP.Transcribe(sctx, t.req.Audio, stt.Request{
		SampleRate: audio.SampleRate,
		Language:   t.eng.language,
	})
	t.eng.met.STTDuration.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// respond runs the LLM producer and TTS consumer concurrently and waits for
// both. On the clean path the consumer commits the turn before returning.
func (t *turn) respond(ctx context.Context, transcript string) error {
	sentences := make(chan string, t.depth)

	// reply is written by the producer before it closes sentences; the
	// consumer reads both only after draining the closed channel.
	var reply string
	var llmDone atomic.Bool

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(sentences)
		full, err := t.generate(gctx, transcript, sentences)
		if err != nil {
			return err
		}
		reply = full
		llmDone.Store(true)
		return nil
	})

	group.Go(func() error {
		spoke, err := t.streamSentences(gctx, sentences)
		if err != nil {
			return err
		}
		if !llmDone.Load() {
			// The producer bailed out; its error reaches the caller
			// through the group.
			return nil
		}
		if err := t.finishReply(reply, spoke); err != nil {
			return err
		}
		t.committed.Store(true)
		if f := t.req.Callbacks.OnCommit; f != nil {
			f(transcript, reply)
		}
		t.log.Info("turn committed", "latency", time.Since(t.start), "chars", len(reply))
		return nil
	})

	return group.Wait()
}

// generate streams the completion, feeds tokens through the splitter, and
// queues complete sentences. It returns the full reply text.
func (t *turn) generate(ctx context.Context, transcript string, sentences chan<- string) (string, error) {
	lctx, span := observe.StartSpan(ctx, "llm")
	defer span.End()
	lctx, cancel := context.WithTimeout(lctx, t.eng.timeouts.LLMTotal)
	defer cancel()

	msgs := make([]memory.Entry, 0, len(t.req.History)+1)
	msgs = append(msgs, t.req.History...)
	msgs = append(msgs, memory.Entry{Role: memory.RoleUser, Text: transcript})

	started := time.Now()
	chunks, err := t.eng.llmP.StreamCompletion(lctx, llm.CompletionRequest{
		SystemPrompt: t.prompt,
		Messages:     msgs,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm stream: %w", err)
	}

	firstToken := time.NewTimer(t.eng.timeouts.LLMFirstToken)
	defer firstToken.Stop()
	deadline := firstToken.C // nil once the first token arrived

	var sp splitter
	var full strings.Builder
loop:
	for {
		select {
		case <-lctx.Done():
			return "", lctx.Err()
		case <-deadline:
			return "", fmt.Errorf("llm stream: no token after %s", t.eng.timeouts.LLMFirstToken)
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.FinishReason == llm.FinishReasonError {
				return "", fmt.Errorf("llm stream: %s", chunk.Text)
			}
			if deadline != nil && chunk.Text != "" {
				deadline = nil
				t.eng.met.LLMFirstToken.Record(ctx, time.Since(started).Seconds())
				t.log.Debug("first token", "elapsed", time.Since(started))
			}
			full.WriteString(chunk.Text)
			for _, s := range sp.Feed(chunk.Text) {
				if err := putSentence(lctx, sentences, s); err != nil {
					return "", err
				}
			}
			if chunk.FinishReason != "" {
				break loop
			}
		}
	}

	if rest := sp.Flush(); rest != "" {
		if err := putSentence(lctx, sentences, rest); err != nil {
			return "", err
		}
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("llm stream: empty completion")
	}
	return full.String(), nil
}

// putSentence blocks until the queue accepts s or the turn is cancelled.
func putSentence(ctx context.Context, sentences chan<- string, s string) error {
	select {
	case sentences <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// streamSentences synthesises each queued sentence in order and forwards the
// audio chunks. It returns once the queue is closed and drained; spoke
// reports whether at least one chunk went out. A sentence whose synthesis
// fails to start is skipped; a sink failure is fatal.
func (t *turn) streamSentences(ctx context.Context, sentences <-chan string) (spoke bool, err error) {
	tctx, span := observe.StartSpan(ctx, "tts")
	defer span.End()

	for {
		select {
		case <-ctx.Done():
			return spoke, ctx.Err()
		case sentence, ok := <-sentences:
			if !ok {
				return spoke, nil
			}
			spoke, err = t.speakSentence(tctx, sentence, spoke)
			if err != nil {
				return spoke, err
			}
		}
	}
}

// speakSentence synthesises one sentence under the per-sentence deadline and
// streams its chunks to the sink, re-checking the turn context before every
// write so no audio follows an observed cancellation.
func (t *turn) speakSentence(ctx context.Context, sentence string, spoke bool) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, t.eng.timeouts.TTSSentence)
	defer cancel()

	t.log.Debug("synthesising sentence", "chars", len(sentence))
	chunks, err := t.eng.ttsP.SynthesizeStream(sctx, sentence, t.voice)
	if err != nil {
		if ctx.Err() != nil {
			return spoke, ctx.Err()
		}
		t.log.Warn("tts start failed, skipping sentence", "err", err)
		return spoke, nil
	}

	for chunk := range chunks {
		if ctx.Err() != nil {
			return spoke, ctx.Err()
		}
		if !spoke {
			if err := t.req.Sink.SendEvent(wire.AudioStart()); err != nil {
				return spoke, fmt.Errorf("send audio_start: %w", err)
			}
			spoke = true
			t.eng.met.TTSFirstChunk.Record(ctx, time.Since(t.start).Seconds())
			if f := t.req.Callbacks.OnFirstAudio; f != nil {
				f()
			}
			t.log.Info("first audio chunk", "latency", time.Since(t.start))
		}
		if err := t.req.Sink.SendAudio(chunk); err != nil {
			return spoke, fmt.Errorf("send audio: %w", err)
		}
	}
	return spoke, nil
}

// finishReply closes out the reply on the wire. hasAudio false tells the
// client no audio was streamed and it should synthesise the text locally.
func (t *turn) finishReply(text string, hasAudio bool) error {
	if err := t.req.Sink.SendEvent(wire.TTSText(text, hasAudio)); err != nil {
		return fmt.Errorf("send tts_text: %w", err)
	}
	if err := t.req.Sink.SendEvent(wire.AudioEnd()); err != nil {
		return fmt.Errorf("send audio_end: %w", err)
	}
	return nil
}

// speakFallback voices the recognition apology without involving the LLM.
// The turn still ends uncommitted.
func (t *turn) speakFallback(ctx context.Context) {
	sentences := make(chan string, 1)
	sentences <- t.eng.fallback
	close(sentences)

	spoke, err := t.streamSentences(ctx, sentences)
	if err != nil {
		return
	}
	if err := t.finishReply(t.eng.fallback, spoke); err != nil {
		t.log.Warn("fallback reply not delivered", "err", err)
	}
}

func (t *turn) abort(reason engine.AbortReason) {
	if f := t.req.Callbacks.OnAbort; f != nil {
		f(reason)
	}
}
