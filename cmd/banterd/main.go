// Command banterd is the banter voice gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/banter-dev/banter/internal/app"
	"github.com/banter-dev/banter/internal/config"
	"github.com/banter-dev/banter/internal/observe"
	"github.com/banter-dev/banter/pkg/provider/llm"
	"github.com/banter-dev/banter/pkg/provider/llm/anyllm"
	"github.com/banter-dev/banter/pkg/provider/llm/openai"
	"github.com/banter-dev/banter/pkg/provider/stt"
	"github.com/banter-dev/banter/pkg/provider/stt/sarvam"
	"github.com/banter-dev/banter/pkg/provider/tts"
	"github.com/banter-dev/banter/pkg/provider/tts/elevenlabs"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// No file is fine: the server must come up on nothing but environment
	// variables. A file that exists but does not parse is fatal.
	cfg, err := config.Load(*configPath)
	fromFile := err == nil
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "banterd: %v\n", err)
			return 1
		}
		cfg = config.Default()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// Environment credentials win over the file. Applied here, after the
	// file load, never at package init.
	config.ApplyEnv(cfg)

	if !fromFile {
		slog.Info("config file not found, running on built-in defaults and environment",
			"path", *configPath, "example", "configs/example.yaml")
	}
	if err := checkCredentials(cfg); err != nil {
		slog.Error("missing credentials", "err", err)
		return 1
	}

	slog.Info("banterd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.Addr(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must come before app.New: the subsystems take their instruments from
	// the global meter provider this installs.
	shutdownOtel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "banter",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	appOpts := []app.Option{app.WithLevelVar(logLevel)}
	if fromFile {
		// Nothing to watch when the config came from built-in defaults.
		appOpts = append(appOpts, app.WithHotReload(*configPath))
	}
	application, err := app.New(cfg, providers, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := shutdownOtel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real vendor packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("sarvam", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sarvam.Option
		if entry.Model != "" {
			opts = append(opts, sarvam.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sarvam.WithBaseURL(entry.BaseURL))
		}
		if raw := optString(entry.Options, "timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("stt option timeout %q: %w", raw, err)
			}
			opts = append(opts, sarvam.WithTimeout(d))
		}
		return sarvam.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// The primary reply model talks to OpenAI through its native SDK; the
	// remaining backends come through any-llm-go and share the same pattern:
	// optional APIKey + optional BaseURL.

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.VoiceID != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(entry.VoiceID))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// checkCredentials verifies every hard-required pipeline stage can
// authenticate before any vendor client is built, so a missing key fails
// the process with one clear message instead of a 401 on the first turn.
// A BaseURL stands in for a key: local backends such as ollama have none.
func checkCredentials(cfg *config.Config) error {
	var errs []error
	stages := []struct {
		kind   string
		entry  config.ProviderEntry
		envVar string
	}{
		{"stt", cfg.Providers.STT, "SARVAM_API_KEY"},
		{"llm", cfg.Providers.LLM, "OPENAI_API_KEY"},
		{"tts", cfg.Providers.TTS, "ELEVENLABS_API_KEY"},
	}
	for _, s := range stages {
		if s.entry.APIKey == "" && s.entry.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s provider %q has no api key; set %s or providers.%s.api_key",
				s.kind, s.entry.Name, s.envVar, s.kind))
		}
	}
	return errors.Join(errs...)
}

// buildProviders instantiates the providers named in cfg using the registry.
// Every pipeline stage is required; only the LLM fallback is optional.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.Providers.STT.Name == "" {
		return nil, errors.New("providers.stt.name is required")
	}
	sttP, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttP
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if cfg.Providers.LLM.Name == "" {
		return nil, errors.New("providers.llm.name is required")
	}
	llmP, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = llmP
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if fb := cfg.Providers.LLMFallback; fb != nil {
		p, err := reg.CreateLLM(*fb)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
		}
		ps.LLMFallback = p
		slog.Info("provider created", "kind", "llm_fallback", "name", fb.Name)
	}

	if cfg.Providers.TTS.Name == "" {
		return nil, errors.New("providers.tts.name is required")
	}
	ttsP, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = ttsP
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          banter startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	if fb := cfg.Providers.LLMFallback; fb != nil {
		printProvider("LLM fallback", fb.Name, fb.Model)
	} else {
		fmt.Printf("║  LLM fallback    : %-19s ║\n", "(none)")
	}
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if voice := cfg.Providers.TTS.VoiceID; voice != "" {
		printValue("Voice", voice)
	} else {
		printValue("Voice", "(vendor default)")
	}
	printValue("Listen addr", cfg.Server.Addr())
	lvl := string(cfg.Server.LogLevel)
	if lvl == "" {
		lvl = "info"
	}
	printValue("Log level", lvl)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, truncate(value, 19))
}

func printValue(label, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", label, truncate(value, 19))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar is handed to the
// app so a config reload can change verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(h), lv
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
