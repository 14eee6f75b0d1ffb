package session

import (
	"time"

	"github.com/banter-dev/banter/pkg/audio"
)

// Tuning defaults, applied wherever the config leaves a value at zero.
const (
	DefaultSilenceRMS      = 150.0
	DefaultBargeInRMS      = 800.0
	DefaultTurnEndSilence  = 700 * time.Millisecond
	DefaultMinVoicedFrames = 5
	DefaultMaxVoiced       = 10 * time.Second
	DefaultTimeout         = 60 * time.Second
)

// Signal is the detector's verdict on the frame just observed.
type Signal int

const (
	// SignalNone means keep buffering.
	SignalNone Signal = iota

	// SignalTurnEnd means the caller has stopped talking: the silence run
	// reached the configured span and enough voiced frames preceded it.
	SignalTurnEnd
)

// DetectorConfig tunes the energy-based voice activity detector.
type DetectorConfig struct {
	// SilenceRMS is the energy floor; frames at or above it count as voiced.
	SilenceRMS float64

	// BargeInRMS is the louder floor a frame must clear to interrupt the
	// assistant mid-reply. Keeping it well above SilenceRMS stops the
	// assistant's own echo from cutting it off.
	BargeInRMS float64

	// TurnEndSilence is how long the caller must stay quiet before the
	// buffered utterance is considered complete.
	TurnEndSilence time.Duration

	// MinVoicedFrames is the minimum number of voiced frames an utterance
	// needs before silence can end it. Filters out coughs and key clicks.
	MinVoicedFrames int
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = DefaultSilenceRMS
	}
	if c.BargeInRMS <= 0 {
		c.BargeInRMS = DefaultBargeInRMS
	}
	if c.TurnEndSilence <= 0 {
		c.TurnEndSilence = DefaultTurnEndSilence
	}
	if c.MinVoicedFrames <= 0 {
		c.MinVoicedFrames = DefaultMinVoicedFrames
	}
	return c
}

// Detector decides when an utterance has ended, from frame energy alone.
// It is not safe for concurrent use; the owning session serializes access.
type Detector struct {
	cfg DetectorConfig

	// silenceNeeded is TurnEndSilence expressed in 20 ms frames.
	silenceNeeded int

	voiced     int
	silenceRun int
}

// NewDetector builds a detector, filling zero config fields with defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	cfg = cfg.withDefaults()
	frameLen := audio.FrameMillis * time.Millisecond
	needed := int(cfg.TurnEndSilence / frameLen)
	if needed < 1 {
		needed = 1
	}
	return &Detector{cfg: cfg, silenceNeeded: needed}
}

// Observe accounts one frame's energy and reports whether it completed the
// utterance. A voiced frame grows the voiced count and restarts the silence
// run; a silent one extends the run. SignalTurnEnd fires only when the run
// reaches TurnEndSilence and at least MinVoicedFrames came before it.
func (d *Detector) Observe(rms float64) Signal {
	if rms >= d.cfg.SilenceRMS {
		d.voiced++
		d.silenceRun = 0
		return SignalNone
	}
	d.silenceRun++
	if d.silenceRun >= d.silenceNeeded && d.voiced >= d.cfg.MinVoicedFrames {
		return SignalTurnEnd
	}
	return SignalNone
}

// BargeIn reports whether a frame is loud enough to interrupt the assistant.
func (d *Detector) BargeIn(rms float64) bool {
	return rms >= d.cfg.BargeInRMS
}

// VoicedFrames returns how many voiced frames the current utterance holds.
func (d *Detector) VoicedFrames() int { return d.voiced }

// Reset clears the counters for a fresh utterance.
func (d *Detector) Reset() {
	d.voiced = 0
	d.silenceRun = 0
}
