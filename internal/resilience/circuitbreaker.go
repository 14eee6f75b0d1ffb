// Package resilience keeps one flaky vendor from taking the whole voice
// pipeline down.
//
// [Breaker] is a consecutive-failure circuit breaker (closed → open →
// half-open). [Chain] lines up interchangeable providers behind per-entry
// breakers so a dead primary is skipped instead of being retried on every
// turn, and the typed wrappers ([LLMChain], [STTChain], [TTSChain]) expose
// a chain through the ordinary provider interfaces.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Breaker defaults: five consecutive failures open it, it cools off for
// thirty seconds, and three probe calls decide whether it closes again.
const (
	DefaultTrip     = 5
	DefaultCooldown = 30 * time.Second
	DefaultProbes   = 3
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects every call with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of probe calls through to decide
	// between Closed and Open.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the package defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs, usually the provider it guards.
	Name string

	// Trip is how many consecutive failures open the breaker.
	Trip int

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration

	// Probes is how many successful probe calls close a half-open
	// breaker. Any probe failure reopens it immediately.
	Probes int

	Log *slog.Logger
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration
	probes   int
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	lastFail  time.Time
	probing   int // probes started in the current half-open round
	probeWins int
}

// NewBreaker builds a breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = DefaultTrip
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Breaker{
		name:     cfg.Name,
		trip:     cfg.Trip,
		cooldown: cfg.Cooldown,
		probes:   cfg.Probes,
		log:      cfg.Log.With("breaker", cfg.Name),
	}
}

// Do runs fn unless the breaker is rejecting calls. The breaker records
// fn's verdict; fn's own error comes back unchanged.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = 0
		b.probeWins = 0
		b.log.Info("breaker half-open")
	case HalfOpen:
		if b.probing >= b.probes {
			// Probe budget spent, verdicts still pending.
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probe := b.state == HalfOpen
	if probe {
		b.probing++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.fail(probe)
	} else {
		b.succeed(probe)
	}
	return err
}

// fail runs with the mutex held.
func (b *Breaker) fail(probe bool) {
	b.lastFail = time.Now()
	if probe {
		b.state = Open
		b.failures = b.trip
		b.log.Warn("breaker reopened by failed probe")
		return
	}
	b.failures++
	if b.failures >= b.trip {
		if b.state != Open {
			b.log.Warn("breaker opened", "consecutive_failures", b.failures)
		}
		b.state = Open
	}
}

// succeed runs with the mutex held.
func (b *Breaker) succeed(probe bool) {
	if probe {
		b.probeWins++
		if b.probeWins >= b.probes {
			b.state = Closed
			b.failures = 0
			b.log.Info("breaker closed")
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's mode. An elapsed cooldown shows as HalfOpen
// even though the stored transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFail) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = 0
	b.probeWins = 0
	b.log.Info("breaker reset")
}
