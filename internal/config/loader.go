package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names the built-in factories
// register, per provider kind. [Validate] warns about names outside the
// list instead of rejecting them: deployments may register factories of
// their own.
var ValidProviderNames = map[string][]string{
	"stt": {"sarvam"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are errors so that typos fail loudly instead of silently
// doing nothing. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file is an empty config; defaults cover the rest.
			*cfg = Config{}
		} else {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns
// a joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}

	// Providers. Unknown names warn rather than fail; the registry gives
	// the hard error at startup if nothing is registered under the name.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if fb := cfg.Providers.LLMFallback; fb != nil {
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.llm_fallback.name is required when the block is present"))
		} else {
			validateProviderName("llm", fb.Name)
		}
	}

	// Turn tuning. Zero means default, so only values below zero are
	// rejected here.
	t := cfg.Turn
	if t.SilenceRMS < 0 {
		errs = append(errs, fmt.Errorf("turn.silence_rms %.1f is negative", t.SilenceRMS))
	}
	if t.TurnEndSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("turn.turn_end_silence_ms %d is negative", t.TurnEndSilenceMs))
	}
	if t.BargeInRMS < 0 {
		errs = append(errs, fmt.Errorf("turn.barge_in_rms %.1f is negative", t.BargeInRMS))
	}
	if t.MinVoicedFrames < 0 {
		errs = append(errs, fmt.Errorf("turn.min_voiced_frames %d is negative", t.MinVoicedFrames))
	}
	if t.MaxVoicedSeconds < 0 {
		errs = append(errs, fmt.Errorf("turn.max_voiced_seconds %d is negative", t.MaxVoicedSeconds))
	}
	if t.SentenceQueueSize < 0 {
		errs = append(errs, fmt.Errorf("turn.sentence_queue_size %d is negative", t.SentenceQueueSize))
	}
	if t.SessionTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("turn.session_timeout_s %d is negative", t.SessionTimeoutS))
	}

	// The barge-in floor must clear the silence floor once defaults are
	// applied, or the assistant's own echo would interrupt it.
	n := t.Normalized()
	if n.BargeInRMS <= n.SilenceRMS {
		errs = append(errs, fmt.Errorf("turn.barge_in_rms %.1f must be above turn.silence_rms %.1f", n.BargeInRMS, n.SilenceRMS))
	}

	return errors.Join(errs...)
}

// ApplyEnv overlays environment variables onto an already loaded config.
// The environment wins over the file so that credentials never have to
// be written to disk. Call it explicitly after [Load]; nothing in this
// package reads the environment on its own.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SARVAM_API_KEY"); v != "" {
		cfg.Providers.STT.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		cfg.Providers.TTS.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_VOICE_ID"); v != "" {
		cfg.Providers.TTS.VoiceID = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			slog.Warn("ignoring unusable PORT value", "value", v)
		} else {
			cfg.Server.Port = p
		}
	}
}

// validateProviderName logs a warning if name is non-empty and not found
// in the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
