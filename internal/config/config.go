// Package config defines the YAML configuration schema for the banter
// server, loads and validates it, and watches the file for changes while
// the server runs.
//
// Provider construction goes through a [Registry] so that nothing above
// main ever imports a vendor package: main registers the built-in
// factories once and every other layer resolves providers by name.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// LogLevel is a named logging verbosity, as written in the config file.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the known names. The empty
// level is valid and means info.
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps the name to its slog level. Empty and unknown names map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root of the banter configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
}

// Default returns the configuration used when no file exists: the built-in
// provider stack with credentials expected from the environment, see
// [ApplyEnv]. Port and turn tuning stay zero and pick up their defaults
// downstream.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "sarvam", Model: "saarika:v2.5", Language: "en-IN"},
			LLM: ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			TTS: ProviderEntry{Name: "elevenlabs", Model: "eleven_turbo_v2_5", VoiceID: "21m00Tcm4TlvDq8ikWAM"},
		},
	}
}

// DefaultPort is the listen port used when the file and the PORT
// environment variable are both silent.
const DefaultPort = 8000

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// Port is the TCP port to listen on. Zero means [DefaultPort]. The
	// PORT environment variable overrides the file, see [ApplyEnv].
	Port int `yaml:"port"`

	// Bind is the address to bind. Empty binds every interface.
	Bind string `yaml:"bind"`

	// LogLevel controls verbosity. Empty means info.
	LogLevel LogLevel `yaml:"log_level"`
}

// Addr returns the listen address in host:port form with the port
// default applied.
func (s ServerConfig) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", s.Bind, port)
}

// ProvidersConfig names the vendor behind each pipeline stage. Each
// entry selects a factory registered in the [Registry] under the same
// kind and name.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback, when present, is a second language model that takes
	// over when the primary one stops answering.
	LLMFallback *ProviderEntry `yaml:"llm_fallback"`

	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry configures one provider. Which fields matter depends on
// the kind: Language is a recognition hint for speech-to-text, VoiceID
// selects the synthesis voice, and Options carries anything vendor
// specific that has no field of its own.
type ProviderEntry struct {
	// Name selects the registered factory.
	Name string `yaml:"name"`

	// APIKey authenticates against the vendor. Usually injected through
	// the environment rather than written into the file, see [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model names the model within the provider.
	Model string `yaml:"model"`

	Language string `yaml:"language"`
	VoiceID  string `yaml:"voice_id"`

	Options map[string]any `yaml:"options"`
}

// Turn defaults, applied wherever the file leaves a value at zero.
const (
	DefaultSilenceRMS        = 150.0
	DefaultTurnEndSilenceMs  = 700
	DefaultBargeInRMS        = 800.0
	DefaultMinVoicedFrames   = 5
	DefaultMaxVoicedSeconds  = 10
	DefaultSentenceQueueSize = 8
	DefaultSessionTimeoutS   = 60
)

// TurnConfig tunes turn detection and the conversation loop. A zero
// value means the built-in default named per field.
type TurnConfig struct {
	// SilenceRMS is the energy floor; frames below it count as silence.
	// Default 150.
	SilenceRMS float64 `yaml:"silence_rms"`

	// TurnEndSilenceMs is how long the caller must stay quiet, in
	// milliseconds, before the buffered utterance is complete. Default
	// 700.
	TurnEndSilenceMs int `yaml:"turn_end_silence_ms"`

	// BargeInRMS is the louder floor a frame must clear to interrupt the
	// assistant mid-reply. Must stay above SilenceRMS. Default 800.
	BargeInRMS float64 `yaml:"barge_in_rms"`

	// MinVoicedFrames is how many voiced frames an utterance needs
	// before it counts as speech. Default 5.
	MinVoicedFrames int `yaml:"min_voiced_frames"`

	// MaxVoicedSeconds caps a single utterance. Default 10.
	MaxVoicedSeconds int `yaml:"max_voiced_seconds"`

	// SentenceQueueSize bounds how many sentences may wait for synthesis
	// ahead of playback. Default 8.
	SentenceQueueSize int `yaml:"sentence_queue_size"`

	// SessionTimeoutS disconnects a session after this many seconds of
	// inactivity. Default 60.
	SessionTimeoutS int `yaml:"session_timeout_s"`

	// SystemPrompt replaces the built-in voice assistant prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// Normalized returns a copy with every zero value replaced by its
// default. SystemPrompt is left alone; empty means the engine's own
// prompt.
func (t TurnConfig) Normalized() TurnConfig {
	if t.SilenceRMS == 0 {
		t.SilenceRMS = DefaultSilenceRMS
	}
	if t.TurnEndSilenceMs == 0 {
		t.TurnEndSilenceMs = DefaultTurnEndSilenceMs
	}
	if t.BargeInRMS == 0 {
		t.BargeInRMS = DefaultBargeInRMS
	}
	if t.MinVoicedFrames == 0 {
		t.MinVoicedFrames = DefaultMinVoicedFrames
	}
	if t.MaxVoicedSeconds == 0 {
		t.MaxVoicedSeconds = DefaultMaxVoicedSeconds
	}
	if t.SentenceQueueSize == 0 {
		t.SentenceQueueSize = DefaultSentenceQueueSize
	}
	if t.SessionTimeoutS == 0 {
		t.SessionTimeoutS = DefaultSessionTimeoutS
	}
	return t
}

// TurnEndSilence returns the turn-end silence window as a duration.
func (t TurnConfig) TurnEndSilence() time.Duration {
	return time.Duration(t.Normalized().TurnEndSilenceMs) * time.Millisecond
}

// MaxVoiced returns the utterance cap as a duration.
func (t TurnConfig) MaxVoiced() time.Duration {
	return time.Duration(t.Normalized().MaxVoicedSeconds) * time.Second
}

// SessionTimeout returns the inactivity limit as a duration.
func (t TurnConfig) SessionTimeout() time.Duration {
	return time.Duration(t.Normalized().SessionTimeoutS) * time.Second
}
