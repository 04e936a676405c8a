// Package resilience protects sessions from error storms.
//
// The central type is [Breaker], a per-session rolling-window error budget:
// when a session accumulates more than a configured number of errors inside
// the window, the breaker trips and the gateway terminates the session with
// a fatal error frame instead of letting it thrash. Tripped sessions stay
// tripped until the session is released.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTripped is returned by [Breaker.Record] when the session's error budget
// is exhausted.
var ErrTripped = errors.New("resilience: session error budget exhausted")

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// MaxErrors is the number of errors inside Window that trips the
	// breaker. Default: 5.
	MaxErrors int

	// Window is the rolling window over which errors are counted.
	// Default: 10s.
	Window time.Duration
}

// Option configures a [Breaker] during construction.
type Option func(*Breaker)

// WithClock replaces the time source. Tests use it to control the window.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker tracks per-session error rates over a rolling window.
type Breaker struct {
	maxErrors int
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
	tripped  map[string]bool
}

// New creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	b := &Breaker{
		maxErrors: cfg.MaxErrors,
		window:    cfg.Window,
		now:       time.Now,
		failures:  make(map[string][]time.Time),
		tripped:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record notes one error on the session. It returns [ErrTripped] on the call
// that exhausts the budget and on every call after; the caller is expected
// to terminate the session.
func (b *Breaker) Record(sessionID string) error {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped[sessionID] {
		return ErrTripped
	}

	recent := pruneBefore(b.failures[sessionID], now.Add(-b.window))
	recent = append(recent, now)
	b.failures[sessionID] = recent

	if len(recent) >= b.maxErrors {
		b.tripped[sessionID] = true
		slog.Warn("session breaker tripped",
			"session_id", sessionID, "errors", len(recent), "window", b.window)
		return ErrTripped
	}
	return nil
}

// Tripped reports whether the session's budget is exhausted.
func (b *Breaker) Tripped(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped[sessionID]
}

// Count returns the number of errors currently inside the session's window.
func (b *Breaker) Count(sessionID string) int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	recent := pruneBefore(b.failures[sessionID], now.Add(-b.window))
	b.failures[sessionID] = recent
	return len(recent)
}

// Release drops all state for the session. Called when the session closes.
func (b *Breaker) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, sessionID)
	delete(b.tripped, sessionID)
}

// pruneBefore drops timestamps older than cutoff, preserving order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
