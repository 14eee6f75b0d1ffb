package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every provider in a [Chain] failed or sat
// behind an open breaker.
var ErrExhausted = errors.New("resilience: every provider failed")

// ChainConfig configures a [Chain]. Breaker settings apply to every entry;
// the entry name overrides Breaker.Name.
type ChainConfig struct {
	Breaker BreakerConfig
	Log     *slog.Logger
}

type link[T any] struct {
	name    string
	v       T
	breaker *Breaker
}

// Chain lines up a primary provider and its stand-ins behind per-entry
// breakers. Calls go to the first entry whose breaker admits them; a
// failure moves on to the next. Registration order is priority order.
//
// Try and TryResult are safe for concurrent use. Add is not: register
// everything during startup.
type Chain[T any] struct {
	links []link[T]
	cfg   ChainConfig
	log   *slog.Logger
}

// NewChain builds a chain with the primary as its first entry.
func NewChain[T any](name string, primary T, cfg ChainConfig) *Chain[T] {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Chain[T]{cfg: cfg, log: cfg.Log}
	c.Add(name, primary)
	return c
}

// Add appends a stand-in, tried after everything registered before it.
func (c *Chain[T]) Add(name string, v T) {
	bc := c.cfg.Breaker
	bc.Name = name
	if bc.Log == nil {
		bc.Log = c.log
	}
	c.links = append(c.links, link[T]{name: name, v: v, breaker: NewBreaker(bc)})
}

// Names returns the provider names in priority order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.links))
	for i, l := range c.links {
		out[i] = l.name
	}
	return out
}

// Try runs fn against each provider in order until one succeeds. Entries
// behind an open breaker are skipped. Returns [ErrExhausted] wrapping the
// last error when none succeed.
func (c *Chain[T]) Try(fn func(T) error) error {
	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		err := l.breaker.Do(func() error { return fn(l.v) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			c.log.Debug("provider skipped, breaker open", "provider", l.name)
		} else {
			c.log.Warn("provider failed, trying next", "provider", l.name, "err", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// TryResult is [Chain.Try] for calls that produce a value. It lives at
// package level because methods cannot add type parameters.
func TryResult[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var out R
	err := c.Try(func(v T) error {
		var err error
		out, err = fn(v)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}
