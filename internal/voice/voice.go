// Package voice owns the lifecycle of one voice session: microphone capture,
// the live model connection, speech playback and tool dispatch.
//
// The controller is a small state machine (idle, connecting, connected,
// disconnecting, error) driven from two sides: local calls to Connect and
// Disconnect, and remote events arriving on the live session callbacks.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/90rdon/visionary-me/internal/dispatch"
	"github.com/90rdon/visionary-me/internal/notify"
	"github.com/90rdon/visionary-me/internal/observe"
	"github.com/90rdon/visionary-me/internal/voice/capture"
	"github.com/90rdon/visionary-me/internal/voice/playback"
	"github.com/90rdon/visionary-me/pkg/device"
	"github.com/90rdon/visionary-me/pkg/live"
)

// Status is the observable state of the controller.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// errorRevertDelay is how long the error state is shown before reverting to
// idle.
const errorRevertDelay = 3 * time.Second

// Session is the slice of the live session the controller needs.
// *live.Session satisfies it.
type Session interface {
	SendAudio(pcm []byte) error
	SendToolResponse(results ...live.ToolResult) error
	Close() error
}

// Dialer opens a live session. The default wraps live.Dial; tests substitute
// their own.
type Dialer func(ctx context.Context, cfg live.Config, cb live.Callbacks) (Session, error)

// Config tunes a Controller.
type Config struct {
	// Live is passed through to the dialer. Tools default to the dispatch
	// tool surface when empty.
	Live live.Config

	// FrameSamples overrides the capture window size.
	FrameSamples int

	// ErrorRevert overrides how long the error state lasts.
	ErrorRevert time.Duration

	// OnStatus observes every state transition. Optional; must not block.
	OnStatus func(Status)

	// OnVolume receives the microphone level of every captured frame.
	OnVolume func(rms float64)

	// Metrics receives pipeline measurements: connect latency, audio chunk
	// counts, playback queue depth. Defaults to the process-wide instruments.
	Metrics *observe.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithDialer replaces the live dialer. Used in tests.
func WithDialer(d Dialer) Option {
	return func(c *Controller) { c.dial = d }
}

// Controller drives one voice session at a time. All methods are safe for
// concurrent use.
type Controller struct {
	cfg        Config
	capturer   device.Capturer
	scheduler  *playback.Scheduler
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	log        *slog.Logger
	dial       Dialer

	mu          sync.Mutex
	status      Status
	connecting  bool
	abort       bool
	cancelDial  context.CancelFunc
	session     Session
	pump        *capture.Pump
	revertTimer *time.Timer
}

// NewController wires a controller over the given devices and dispatcher.
// notifier and log may be nil.
func NewController(capturer device.Capturer, player device.Player, dispatcher *dispatch.Dispatcher,
	notifier notify.Notifier, log *slog.Logger, cfg Config, opts ...Option) *Controller {
	if notifier == nil {
		notifier = notify.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.ErrorRevert <= 0 {
		cfg.ErrorRevert = errorRevertDelay
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		cfg:        cfg,
		capturer:   capturer,
		dispatcher: dispatcher,
		notifier:   notifier,
		log:        log,
		dial: func(ctx context.Context, cfg live.Config, cb live.Callbacks) (Session, error) {
			return live.Dial(ctx, cfg, cb)
		},
	}
	c.scheduler = playback.NewScheduler(player, playback.WithPendingHook(func(delta int) {
		cfg.Metrics.PendingPlayback.Add(context.Background(), int64(delta))
	}))
	for _, o := range opts {
		o(c)
	}
	return c
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens the live session and starts streaming the microphone.
// A second Connect while one is in flight or while connected is a no-op.
// A Disconnect issued while the dial is in flight cancels it and the
// controller lands back in idle.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || c.session != nil {
		c.mu.Unlock()
		return nil
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.connecting = true
	c.abort = false
	c.cancelDial = cancel
	c.mu.Unlock()
	defer cancel()
	c.setStatus(StatusConnecting)
	dialStart := time.Now()

	liveCfg := c.cfg.Live
	if len(liveCfg.Tools) == 0 {
		liveCfg.Tools = dispatch.ToolDefinitions()
	}

	// Tool calls can arrive before Dial returns, so callbacks go through a
	// proxy that blocks until the session reference lands.
	proxy := newSessionProxy()
	cb := live.Callbacks{
		OnAudio: func(pcm []byte) {
			c.cfg.Metrics.AudioChunksReceived.Add(context.Background(), 1)
			if err := c.scheduler.Enqueue(pcm); err != nil {
				c.log.Warn("playback chunk dropped", "error", err)
			}
		},
		OnInterrupted: func() { c.scheduler.StopAll() },
		OnToolCalls: func(calls []live.ToolCall) {
			c.dispatcher.HandleToolCalls(proxy, calls)
		},
		OnError: func(err error) {
			c.log.Warn("live session error", "error", err)
			c.enterErrorState()
		},
		OnClose: func(err error, userInitiated bool) {
			c.handleClose(err, userInitiated)
		},
	}

	sess, err := c.dial(dialCtx, liveCfg, cb)
	if err != nil {
		aborted := c.finishConnect()
		if aborted {
			c.setStatus(StatusIdle)
			return nil
		}
		if ctx.Err() != nil {
			c.setStatus(StatusIdle)
			return fmt.Errorf("voice: connect canceled: %w", ctx.Err())
		}
		c.enterErrorState()
		return fmt.Errorf("voice: connect: %w", err)
	}

	proxy.set(sess)

	// The user hung up while the dial was in flight: close the session
	// instead of going connected.
	c.mu.Lock()
	if c.abort {
		c.mu.Unlock()
		c.finishConnect()
		_ = sess.Close()
		c.setStatus(StatusIdle)
		return nil
	}
	c.mu.Unlock()

	pump, err := capture.Start(ctx, c.capturer, sess, capture.Config{
		FrameSamples: c.cfg.FrameSamples,
		OnVolume:     c.cfg.OnVolume,
		OnSent: func() {
			c.cfg.Metrics.AudioChunksSent.Add(context.Background(), 1)
		},
	}, c.log)
	if err != nil {
		// No microphone means no session: fail before going connected.
		_ = sess.Close()
		aborted := c.finishConnect()
		if aborted {
			c.setStatus(StatusIdle)
			return nil
		}
		c.enterErrorState()
		return fmt.Errorf("voice: start capture: %w", err)
	}

	c.mu.Lock()
	if c.abort {
		c.mu.Unlock()
		c.finishConnect()
		pump.Stop()
		_ = sess.Close()
		c.scheduler.StopAll()
		c.setStatus(StatusIdle)
		return nil
	}
	c.session = sess
	c.pump = pump
	c.connecting = false
	c.cancelDial = nil
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.cfg.Metrics.ConnectDuration.Record(context.Background(), time.Since(dialStart).Seconds())
	c.log.Info("voice session connected")
	return nil
}

// finishConnect clears the in-flight connect bookkeeping and reports whether
// a disconnect was requested while it ran.
func (c *Controller) finishConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	aborted := c.abort
	c.connecting = false
	c.abort = false
	c.cancelDial = nil
	return aborted
}

// Disconnect ends the session, or cancels the dial when one is still in
// flight. Idempotent; a no-op when idle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.connecting {
		c.abort = true
		cancel := c.cancelDial
		c.mu.Unlock()
		c.setStatus(StatusDisconnecting)
		if cancel != nil {
			cancel()
		}
		return
	}
	sess, pump := c.session, c.pump
	c.session, c.pump = nil, nil
	c.mu.Unlock()
	if sess == nil {
		return
	}

	c.setStatus(StatusDisconnecting)
	pump.Stop()
	_ = sess.Close()
	c.scheduler.StopAll()
	c.setStatus(StatusIdle)
	c.log.Info("voice session disconnected")
}

// handleClose runs when the live session ends, locally or remotely.
func (c *Controller) handleClose(err error, userInitiated bool) {
	c.mu.Lock()
	pump := c.pump
	c.session, c.pump = nil, nil
	c.mu.Unlock()

	if pump != nil {
		pump.Stop()
	}
	c.scheduler.StopAll()

	if userInitiated {
		return // Disconnect finishes the transition
	}
	if err != nil {
		c.log.Warn("voice session closed remotely", "error", err)
	}
	c.notifier.Alert("Connection reset")
	c.setStatus(StatusIdle)
}

// enterErrorState shows the error state briefly, then reverts to idle.
func (c *Controller) enterErrorState() {
	c.mu.Lock()
	if c.revertTimer != nil {
		c.revertTimer.Stop()
	}
	c.revertTimer = time.AfterFunc(c.cfg.ErrorRevert, func() {
		c.mu.Lock()
		isErr := c.status == StatusError
		c.mu.Unlock()
		if isErr {
			c.setStatus(StatusIdle)
		}
	})
	c.mu.Unlock()
	c.setStatus(StatusError)
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// sessionProxy forwards tool responses to a session that may not exist yet.
type sessionProxy struct {
	ready chan struct{}
	once  sync.Once

	mu   sync.Mutex
	sess Session
}

func newSessionProxy() *sessionProxy {
	return &sessionProxy{ready: make(chan struct{})}
}

func (p *sessionProxy) set(sess Session) {
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
	p.once.Do(func() { close(p.ready) })
}

func (p *sessionProxy) SendToolResponse(results ...live.ToolResult) error {
	<-p.ready
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	return sess.SendToolResponse(results...)
}
