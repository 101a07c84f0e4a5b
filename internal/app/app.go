// Package app wires all Visionary subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the admin server, snapshot loop, and voice
// session, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSnapshotStore,
// WithDecomposer, WithSessionDialer, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/90rdon/visionary-me/internal/breakdown"
	"github.com/90rdon/visionary-me/internal/config"
	"github.com/90rdon/visionary-me/internal/dispatch"
	"github.com/90rdon/visionary-me/internal/health"
	"github.com/90rdon/visionary-me/internal/notify"
	"github.com/90rdon/visionary-me/internal/observe"
	"github.com/90rdon/visionary-me/internal/task"
	"github.com/90rdon/visionary-me/internal/task/postgres"
	"github.com/90rdon/visionary-me/internal/taskmcp"
	"github.com/90rdon/visionary-me/internal/voice"
	"github.com/90rdon/visionary-me/pkg/audio"
	"github.com/90rdon/visionary-me/pkg/device"
	"github.com/90rdon/visionary-me/pkg/device/pipe"
	"github.com/90rdon/visionary-me/pkg/live"
)

// shutdownGrace bounds the admin server drain and the final snapshot save.
const shutdownGrace = 10 * time.Second

// SnapshotStore persists the task tree between runs. Satisfied by
// [postgres.Store].
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) ([]task.Task, error)
	Save(ctx context.Context, sessionID string, tasks []task.Task) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// App owns all subsystem lifetimes and orchestrates the Visionary voice
// task manager.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	tasks      *task.Store
	snapshots  SnapshotStore
	decomposer dispatch.Decomposer
	dispatcher *dispatch.Dispatcher
	controller *voice.Controller
	metrics    *observe.Metrics
	notifier   notify.Notifier
	mcpSrv     *taskmcp.Server
	admin      *http.Server

	capturer device.Capturer
	player   device.Player
	dialOpts []voice.Option

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSnapshotStore injects a snapshot store instead of connecting to
// PostgreSQL from config.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(a *App) { a.snapshots = s }
}

// WithDecomposer injects a task decomposer instead of building the
// local/cloud chain from config.
func WithDecomposer(d dispatch.Decomposer) Option {
	return func(a *App) { a.decomposer = d }
}

// WithDevices injects the capture and playback devices instead of opening
// the configured audio backend.
func WithDevices(c device.Capturer, p device.Player) Option {
	return func(a *App) {
		a.capturer = c
		a.player = p
	}
}

// WithNotifier injects a notifier instead of the default logging one.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics injects a metrics handle instead of using the global meter
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionDialer replaces the live session dialer. Used in tests.
func WithSessionDialer(d voice.Dialer) Option {
	return func(a *App) { a.dialOpts = append(a.dialOpts, voice.WithDialer(d)) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: snapshot store connection
// and restore, breakdown chain construction, device setup, and the voice
// controller plus admin HTTP surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		log:   slog.Default(),
		tasks: task.NewStore(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.notifier == nil {
		a.notifier = notify.NewLogger(a.log)
	}

	// ── 1. Snapshot store + restore ──────────────────────────────────────
	if err := a.initSnapshots(ctx); err != nil {
		return nil, fmt.Errorf("app: init snapshots: %w", err)
	}

	// ── 2. Breakdown chain ───────────────────────────────────────────────
	a.initBreakdown()

	// ── 3. Tool dispatcher ───────────────────────────────────────────────
	a.dispatcher = dispatch.New(a.tasks, a.decomposer, a.notifier, a.log, dispatch.WithMetrics(a.metrics))

	// ── 4. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 5. Voice controller ──────────────────────────────────────────────
	a.initController()

	// ── 6. Admin surface: health, metrics, MCP ──────────────────────────
	a.mcpSrv = taskmcp.New(a.tasks, a.decomposer, a.log)
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSnapshots connects the snapshot store and restores the latest task
// tree, if any.
func (a *App) initSnapshots(ctx context.Context) error {
	if a.snapshots == nil {
		if a.cfg.Storage.PostgresDSN == "" {
			return nil
		}
		store, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.snapshots = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	snap, err := a.snapshots.Load(ctx, a.cfg.Storage.SessionID)
	switch {
	case errors.Is(err, postgres.ErrNoSnapshot):
		a.log.Info("no task snapshot found, starting fresh", "session", a.cfg.Storage.SessionID)
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	default:
		a.tasks.Restore(snap)
		a.log.Info("restored task snapshot", "session", a.cfg.Storage.SessionID, "tasks", len(snap))
	}
	return nil
}

// initBreakdown builds the local→cloud decomposer chain from config.
func (a *App) initBreakdown() {
	if a.decomposer != nil || a.cfg.Breakdown.Disabled {
		return
	}

	var engines []breakdown.Decomposer
	if local := a.cfg.Breakdown.Local; local.Model != "" {
		eng, err := breakdown.NewOllama(local.Model, local.BaseURL)
		if err != nil {
			a.log.Warn("local breakdown engine unavailable", "error", err)
		} else {
			// A flaky local runtime should not stall every request; the
			// breaker skips it while it keeps failing.
			engines = append(engines, breakdown.Guarded(eng, breakdown.GuardConfig{}, a.log))
		}
	}
	if cloud := a.cfg.Breakdown.Cloud; cloud.Model != "" {
		key := cloud.APIKey
		if key == "" {
			key = a.cfg.Live.APIKey
		}
		eng, err := breakdown.NewGemini(cloud.Model, key)
		if err != nil {
			a.log.Warn("cloud breakdown engine unavailable", "error", err)
		} else {
			engines = append(engines, eng)
		}
	}
	if len(engines) == 0 {
		return
	}

	a.decomposer = breakdown.NewChain(func(st breakdown.Status) {
		if st.Downloading {
			a.notifier.Notify("Downloading the local model, this may take a moment…")
		}
		a.log.Debug("breakdown engine selected", "provider", st.Provider, "downloading", st.Downloading)
	}, a.log, engines...)
}

// initDevices opens the configured audio backend unless devices were
// injected.
func (a *App) initDevices() error {
	if a.capturer != nil && a.player != nil {
		return nil
	}
	if a.cfg.Audio.Backend != config.AudioPipe {
		return fmt.Errorf("audio backend %q is not available", a.cfg.Audio.Backend)
	}

	in, err := os.Open(a.cfg.Audio.InputPath)
	if err != nil {
		return fmt.Errorf("open capture pipe: %w", err)
	}
	a.closers = append(a.closers, in.Close)

	out, err := os.OpenFile(a.cfg.Audio.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open playback pipe: %w", err)
	}
	a.closers = append(a.closers, out.Close)

	a.capturer = pipe.NewCapturer(in)
	player := pipe.NewPlayer(out, audio.PlaybackRate)
	a.player = player
	a.closers = append(a.closers, player.Close)
	return nil
}

// initController assembles the voice controller over the devices and
// dispatcher, with metrics wired into the status transitions.
func (a *App) initController() {
	var prev voice.Status
	onStatus := func(s voice.Status) {
		ctx := context.Background()
		if s == voice.StatusConnected {
			a.metrics.ActiveSessions.Add(ctx, 1)
		} else if prev == voice.StatusConnected {
			a.metrics.ActiveSessions.Add(ctx, -1)
		}
		if s == voice.StatusError {
			a.metrics.SessionErrors.Add(ctx, 1)
		}
		prev = s
		a.log.Info("session status", "status", s.String())
	}

	a.controller = voice.NewController(a.capturer, a.player, a.dispatcher, a.notifier, a.log, voice.Config{
		Live:         a.liveConfig(),
		FrameSamples: a.cfg.Audio.FrameSamples,
		OnStatus:     onStatus,
		Metrics:      a.metrics,
	}, a.dialOpts...)
}

// liveConfig maps config.LiveConfig onto the session dial config.
func (a *App) liveConfig() live.Config {
	lc := a.cfg.Live
	return live.Config{
		APIKey:            lc.APIKey,
		Model:             lc.Model,
		BaseURL:           lc.BaseURL,
		Voice:             lc.Voice,
		SystemInstruction: lc.SystemInstruction,
		Greeting:          lc.Greeting,
		DisableGreeting:   lc.DisableGreeting,
	}
}

// initAdmin assembles the admin HTTP server: health probes, Prometheus
// metrics, and the task MCP endpoint.
func (a *App) initAdmin() {
	checkers := []health.Checker{}
	if a.snapshots != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: a.snapshots.Ping,
		})
	}
	h := health.New(checkers...)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/mcp", a.mcpSrv.Handler())

	a.admin = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// AdminHandler exposes the admin HTTP surface (health, metrics, MCP) so it
// can be mounted elsewhere or exercised in tests.
func (a *App) AdminHandler() http.Handler {
	return a.admin.Handler
}

// Controller exposes the voice controller, mainly for tests and alternate
// front ends.
func (a *App) Controller() *voice.Controller {
	return a.controller
}

// Tasks exposes the task store.
func (a *App) Tasks() *task.Store {
	return a.tasks
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admin server, the snapshot loop, and the voice session,
// then blocks until ctx is cancelled. A failed session dial leaves the admin
// surface running; the session can be retried through the controller.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error {
			a.log.Info("admin server listening", "addr", a.admin.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.admin.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.admin.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("admin server: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return a.admin.Shutdown(drainCtx)
		})
	}

	if a.snapshots != nil {
		g.Go(func() error {
			a.snapshotLoop(ctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := a.controller.Connect(ctx); err != nil {
			a.log.Warn("voice session did not connect", "error", err)
		}
		<-ctx.Done()
		a.controller.Disconnect()
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// snapshotLoop periodically persists the task tree and performs one final
// save when ctx is cancelled.
func (a *App) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Storage.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.snapshots.Save(ctx, a.cfg.Storage.SessionID, a.tasks.Snapshot()); err != nil {
				a.log.Warn("snapshot save failed", "error", err)
			}
			if n, err := a.snapshots.Prune(ctx, a.cfg.Storage.SnapshotRetention); err != nil {
				a.log.Warn("snapshot prune failed", "error", err)
			} else if n > 0 {
				a.log.Debug("pruned old snapshots", "removed", n)
			}
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := a.snapshots.Save(saveCtx, a.cfg.Storage.SessionID, a.tasks.Snapshot()); err != nil {
				a.log.Warn("final snapshot save failed", "error", err)
			}
			return
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.controller.Disconnect()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
