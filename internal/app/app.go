// Package app wires configuration, providers, the turn engine, and the
// websocket gateway into one runnable server.
//
// The App owns the process lifecycle: New builds every subsystem from a
// validated config, Run serves until the context ends, and Shutdown drains
// live sessions and releases resources. main stays thin: parse flags, load
// the config, construct vendor clients through the registry, then hand
// everything to this package.
//
// Functional options exist so tests can swap the heavy parts: WithEngine
// replaces the whole STT/LLM/TTS cascade with a double, WithListener serves
// on a prepared loopback listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banter-dev/banter/internal/config"
	"github.com/banter-dev/banter/internal/engine"
	"github.com/banter-dev/banter/internal/engine/cascade"
	"github.com/banter-dev/banter/internal/gateway"
	"github.com/banter-dev/banter/internal/health"
	"github.com/banter-dev/banter/internal/observe"
	"github.com/banter-dev/banter/internal/resilience"
	"github.com/banter-dev/banter/internal/session"
	"github.com/banter-dev/banter/pkg/provider/llm"
	"github.com/banter-dev/banter/pkg/provider/stt"
	"github.com/banter-dev/banter/pkg/provider/tts"
)

// Providers carries one client per pipeline stage, built by main through the
// config registry so this package never touches vendor SDKs or credentials.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider

	// LLMFallback, when non-nil, is tried whenever the primary model fails
	// or sits behind an open breaker.
	LLMFallback llm.Provider

	TTS tts.Provider
}

func (p *Providers) validate() error {
	if p == nil {
		return errors.New("app: providers are required")
	}
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("app: stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("app: llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("app: tts provider is required"))
	}
	return errors.Join(errs...)
}

// App is the assembled server. Construct with [New]; the zero value is not
// usable.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// level, when set, lets a config reload adjust verbosity in place.
	level *slog.LevelVar

	eng engine.Engine
	// cas is the built-in engine when one was constructed, nil when the
	// engine came in through WithEngine. Live retuning needs the concrete
	// type.
	cas *cascade.Engine

	gw      *gateway.Server
	met     *observe.Metrics
	httpSrv *http.Server

	ln         net.Listener
	reloadPath string
	watch      *config.Watcher
	checkers   []health.Checker

	closers  []func() error
	stopOnce sync.Once
}

// Option adjusts how [New] assembles the App.
type Option func(*App)

// WithLogger routes the app's own log lines. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLevelVar hands the app the log handler's level so a config reload can
// change verbosity without a restart.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithEngine replaces the built-in cascade engine. Tests use it to run the
// full HTTP surface against a scripted engine; with it set, the Providers
// argument may be nil.
func WithEngine(e engine.Engine) Option {
	return func(a *App) { a.eng = e }
}

// WithListener serves on ln instead of binding the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// WithHotReload watches the config file at path and applies safe changes to
// the running server: log level, turn tuning, and the synthesis voice.
// Everything else is logged as needing a restart.
func WithHotReload(path string) Option {
	return func(a *App) { a.reloadPath = path }
}

// WithChecker adds a readiness checker to /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// New assembles the server from a validated config and constructed
// providers. Call [observe.InitProvider] first: the subsystems built here
// take their instruments from the global meter provider.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.met = observe.DefaultMetrics()

	// ── 1. Turn engine ──────────────────────────────────────────────
	// Each stage goes behind a failover chain even when it has a single
	// entry: the breaker turns a hard vendor outage into fast local
	// failures instead of a pile-up of 15-second timeouts.
	if a.eng == nil {
		if err := providers.validate(); err != nil {
			return nil, err
		}
		chainCfg := resilience.ChainConfig{Log: a.log}

		sttChain := resilience.NewSTTChain(cfg.Providers.STT.Name, providers.STT, chainCfg)
		llmChain := resilience.NewLLMChain(cfg.Providers.LLM.Name, providers.LLM, chainCfg)
		if providers.LLMFallback != nil {
			llmChain.Add(cfg.Providers.LLMFallback.Name, providers.LLMFallback)
			a.log.Info("llm fallback enabled", "chain", llmChain.Names())
		}
		ttsChain := resilience.NewTTSChain(cfg.Providers.TTS.Name, providers.TTS, chainCfg)

		turn := cfg.Turn.Normalized()
		copts := []cascade.Option{
			cascade.WithVoice(cfg.Providers.TTS.VoiceID),
			cascade.WithLanguage(cfg.Providers.STT.Language),
			cascade.WithQueueDepth(turn.SentenceQueueSize),
		}
		if turn.SystemPrompt != "" {
			copts = append(copts, cascade.WithSystemPrompt(turn.SystemPrompt))
		}
		ce := cascade.New(sttChain, llmChain, ttsChain, copts...)
		a.eng, a.cas = ce, ce
	}

	// ── 2. Gateway ──────────────────────────────────────────────────
	gw, err := gateway.NewServer(gateway.Options{
		Engine: a.eng,
		Tuning: tuningFrom(cfg.Turn),
		Log:    a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gw = gw

	// ── 3. HTTP surface ─────────────────────────────────────────────
	// The websocket upgrade hijacks the connection, so /ws stays outside
	// the instrumented handler chain.
	if a.cas != nil {
		a.checkers = append(a.checkers,
			providerChecker("stt", cfg.Providers.STT),
			providerChecker("llm", cfg.Providers.LLM),
			providerChecker("tts", cfg.Providers.TTS),
		)
		if fb := cfg.Providers.LLMFallback; fb != nil {
			a.checkers = append(a.checkers, providerChecker("llm_fallback", *fb))
		}
	}
	inner := http.NewServeMux()
	health.New(a.checkers...).Register(inner)
	inner.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", a.gw.ServeWS)
	root.Handle("/", observe.Middleware(a.met)(inner))

	a.httpSrv = &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: root,
		// Only the header read gets a timeout. Sessions hold their
		// connection for minutes, so read and write timeouts would cut
		// live calls.
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 4. Config watcher ───────────────────────────────────────────
	if a.reloadPath != "" {
		w, err := config.NewWatcher(a.reloadPath, a.applyReload, config.WithLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watch = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// Run serves HTTP until ctx is cancelled or the server fails. It returns
// ctx.Err after a cancellation; call [App.Shutdown] to actually stop the
// server and drain sessions.
func (a *App) Run(ctx context.Context) error {
	ln := a.ln
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
		}
	}
	a.log.Info("server listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.httpSrv.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting connections, drains live sessions, and runs the
// deferred closers. Only the first call does the work; later calls return
// nil immediately.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.gw.Count())

		// Close the listener first so no new sessions arrive, then tear
		// down the live ones. httpSrv.Shutdown waits for the /ws
		// handlers, and those return as their sessions die, so the drain
		// has to run alongside it.
		done := make(chan error, 1)
		go func() { done <- a.httpSrv.Shutdown(ctx) }()
		a.gw.Drain("server shutting down")

		if err := <-done; err != nil {
			firstErr = fmt.Errorf("app: http shutdown: %w", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded, abandoning remaining closers", "remaining", i+1)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer failed during shutdown", "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}

// Sessions reports how many live sessions the gateway is holding.
func (a *App) Sessions() int { return a.gw.Count() }

// applyReload is the config watcher callback. Safe changes take effect
// live; anything else is logged as needing a restart.
func (a *App) applyReload(old, newCfg *config.Config) {
	d := config.Diff(old, newCfg)
	if !d.Changed() {
		return
	}

	// The environment overlay main applied at startup wins over the file
	// on reload too.
	overlaid := *newCfg
	config.ApplyEnv(&overlaid)

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("config changed the log level, but the handler level is fixed; restart to apply")
		}
	}
	if d.TurnChanged {
		a.gw.Retune(tuningFrom(overlaid.Turn))
		if a.cas != nil {
			a.cas.SetQueueDepth(overlaid.Turn.Normalized().SentenceQueueSize)
			a.cas.SetSystemPrompt(overlaid.Turn.SystemPrompt)
		}
		a.log.Info("turn tuning updated, applies from the next session")
	}
	if d.VoiceChanged && a.cas != nil {
		a.cas.SetVoice(overlaid.Providers.TTS.VoiceID)
		a.log.Info("synthesis voice changed", "voice_id", overlaid.Providers.TTS.VoiceID)
	}
	if len(d.RestartNeeded) > 0 {
		a.log.Warn("config changes need a restart", "settings", d.RestartNeeded)
	}
}

// providerChecker is a static readiness probe for one pipeline stage. It
// never calls the vendor; it only verifies the stage is configured with a
// credential or a local endpoint, so an unset key flips /readyz without
// burning quota.
func providerChecker(kind string, entry config.ProviderEntry) health.Checker {
	return health.Checker{
		Name: kind,
		Check: func(context.Context) error {
			if entry.APIKey == "" && entry.BaseURL == "" {
				return fmt.Errorf("%s provider %q has no api key or base url", kind, entry.Name)
			}
			return nil
		},
	}
}

// tuningFrom converts the turn block into gateway tuning, defaults filled
// in.
func tuningFrom(t config.TurnConfig) gateway.Tuning {
	n := t.Normalized()
	return gateway.Tuning{
		Detector: session.DetectorConfig{
			SilenceRMS:      n.SilenceRMS,
			BargeInRMS:      n.BargeInRMS,
			TurnEndSilence:  t.TurnEndSilence(),
			MinVoicedFrames: n.MinVoicedFrames,
		},
		MaxVoiced: t.MaxVoiced(),
		Timeout:   t.SessionTimeout(),
	}
}
