package config

import "reflect"

// ConfigDiff classifies the changes between two configs by whether a
// running server can absorb them. Log level changes apply immediately;
// turn tuning and the synthesis voice reach sessions created after the
// reload; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged covers the whole turn block: detection thresholds,
	// queue depth, timeout, and the system prompt.
	TurnChanged bool

	VoiceChanged bool
	NewVoiceID   string

	// RestartNeeded lists the dotted paths of settings that changed but
	// cannot be applied to a running server, such as provider swaps,
	// credentials, or the listen port.
	RestartNeeded []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TurnChanged || d.VoiceChanged || len(d.RestartNeeded) > 0
}

// Diff compares old and new configs and classifies every change.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Turn != new.Turn {
		d.TurnChanged = true
	}
	if old.Providers.TTS.VoiceID != new.Providers.TTS.VoiceID {
		d.VoiceChanged = true
		d.NewVoiceID = new.Providers.TTS.VoiceID
	}

	if old.Server.Port != new.Server.Port {
		d.RestartNeeded = append(d.RestartNeeded, "server.port")
	}
	if old.Server.Bind != new.Server.Bind {
		d.RestartNeeded = append(d.RestartNeeded, "server.bind")
	}
	if !entryEqual(old.Providers.STT, new.Providers.STT) {
		d.RestartNeeded = append(d.RestartNeeded, "providers.stt")
	}
	if !entryEqual(old.Providers.LLM, new.Providers.LLM) {
		d.RestartNeeded = append(d.RestartNeeded, "providers.llm")
	}
	if !fallbackEqual(old.Providers.LLMFallback, new.Providers.LLMFallback) {
		d.RestartNeeded = append(d.RestartNeeded, "providers.llm_fallback")
	}

	// The TTS entry is compared with the voice blanked out; a voice-only
	// change is already covered by VoiceChanged above.
	oldTTS, newTTS := old.Providers.TTS, new.Providers.TTS
	oldTTS.VoiceID, newTTS.VoiceID = "", ""
	if !entryEqual(oldTTS, newTTS) {
		d.RestartNeeded = append(d.RestartNeeded, "providers.tts")
	}

	return d
}

// entryEqual compares provider entries including their option maps.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Language == b.Language &&
		a.VoiceID == b.VoiceID &&
		reflect.DeepEqual(a.Options, b.Options)
}

func fallbackEqual(a, b *ProviderEntry) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return entryEqual(*a, *b)
}
