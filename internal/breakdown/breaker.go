package breakdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrEngineSkipped is returned by a guarded decomposer while its breaker is
// open and the cooldown has not yet elapsed.
var ErrEngineSkipped = errors.New("breakdown: engine skipped after repeated failures")

// GuardConfig tunes a [Guard]. Zero-value fields get defaults.
type GuardConfig struct {
	// MaxFailures is the number of consecutive failures before the engine
	// is skipped. Default: 3.
	MaxFailures int

	// Cooldown is how long the engine is skipped before one probe call is
	// allowed through again. Default: 1m.
	Cooldown time.Duration
}

// breakerState is the classic three-state breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Guard wraps a [Decomposer] with a circuit breaker so a persistently
// failing engine is skipped instead of retried on every request. A skipped
// engine returns [ErrEngineSkipped] immediately, letting the [Chain] fall
// through to the next engine without paying the failing engine's timeout.
//
// Safe for concurrent use.
type Guard struct {
	inner Decomposer
	cfg   GuardConfig
	log   *slog.Logger

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

var _ Decomposer = (*Guard)(nil)

// Guarded wraps d with a breaker. log may be nil.
func Guarded(d Decomposer, cfg GuardConfig, log *slog.Logger) *Guard {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{inner: d, cfg: cfg, log: log}
}

// Provider reports the wrapped engine's tag.
func (g *Guard) Provider() string { return g.inner.Provider() }

// Downloading forwards to the wrapped engine when it can report download
// progress.
func (g *Guard) Downloading(ctx context.Context) bool {
	p, ok := g.inner.(downloadProber)
	return ok && p.Downloading(ctx)
}

// Decompose forwards to the wrapped engine unless the breaker is open.
func (g *Guard) Decompose(ctx context.Context, title string) ([]string, error) {
	if !g.allow() {
		return nil, ErrEngineSkipped
	}

	steps, err := g.inner.Decompose(ctx, title)
	g.record(err == nil)
	return steps, err
}

// allow reports whether a call may proceed, transitioning open → half-open
// after the cooldown.
func (g *Guard) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != breakerOpen {
		return true
	}
	if time.Since(g.lastFailure) < g.cfg.Cooldown {
		return false
	}
	g.state = breakerHalfOpen
	g.log.Info("breakdown engine probing after cooldown", "provider", g.inner.Provider())
	return true
}

// record updates breaker state after a call. A half-open probe decides the
// outcome on its own: success closes the breaker, failure re-opens it.
func (g *Guard) record(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ok {
		if g.state != breakerClosed {
			g.log.Info("breakdown engine recovered", "provider", g.inner.Provider())
		}
		g.state = breakerClosed
		g.failures = 0
		return
	}

	g.lastFailure = time.Now()
	if g.state == breakerHalfOpen {
		g.state = breakerOpen
		return
	}
	g.failures++
	if g.failures >= g.cfg.MaxFailures {
		g.state = breakerOpen
		g.log.Warn("breakdown engine disabled after repeated failures",
			"provider", g.inner.Provider(), "failures", g.failures, "cooldown", g.cfg.Cooldown)
	}
}
