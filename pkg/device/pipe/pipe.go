// Package pipe adapts arbitrary byte streams to the device interfaces.
//
// Capture reads 16-bit little-endian PCM from an io.Reader (a file, a FIFO,
// a network connection) and playback writes the same format to an io.Writer.
// This is the adapter used for headless deployments and manual testing, where
// an external process such as arecord/aplay or ffmpeg owns the hardware.
package pipe

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/90rdon/visionary-me/pkg/audio"
	"github.com/90rdon/visionary-me/pkg/device"
)

// Capturer reads capture frames from an underlying byte stream.
type Capturer struct {
	r io.Reader
}

// NewCapturer wraps r, which must produce 16-bit little-endian mono PCM at
// the rate the caller passes to Capture.
func NewCapturer(r io.Reader) *Capturer {
	return &Capturer{r: r}
}

var _ device.Capturer = (*Capturer)(nil)

// Capture starts a goroutine that reads fixed-size PCM windows from the
// underlying reader and delivers them until the reader ends, Close is called
// or ctx is canceled.
func (c *Capturer) Capture(ctx context.Context, cfg device.CaptureConfig) (device.CaptureStream, error) {
	if c.r == nil {
		return nil, device.ErrNoDevice
	}
	s := &captureStream{
		frames: make(chan []float32),
		done:   make(chan struct{}),
	}
	go s.run(ctx, c.r, cfg.FrameSamples)
	return s, nil
}

type captureStream struct {
	frames chan []float32
	done   chan struct{}
	once   sync.Once
}

var _ device.CaptureStream = (*captureStream)(nil)

func (s *captureStream) Frames() <-chan []float32 { return s.frames }

func (s *captureStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *captureStream) run(ctx context.Context, r io.Reader, frameSamples int) {
	defer close(s.frames)
	buf := make([]byte, frameSamples*2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		frame := audio.DecodePCM(buf)
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Player writes playback buffers to an underlying byte stream.
//
// Handles complete after the buffer's real-time duration has elapsed, so a
// consumer pacing itself on handle completion behaves the same as against a
// real output device.
type Player struct {
	w    io.Writer
	rate int

	mu     sync.Mutex
	closed bool
}

// NewPlayer wraps w with output at the given sample rate in Hz.
func NewPlayer(w io.Writer, sampleRate int) *Player {
	return &Player{w: w, rate: sampleRate}
}

var _ device.Player = (*Player)(nil)

// Play writes the buffer as 16-bit little-endian PCM and returns a handle
// that completes once the buffer's wall-clock duration has passed.
func (p *Player) Play(samples []float32) (device.PlaybackHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, device.ErrNoDevice
	}
	_, err := p.w.Write(audio.EncodePCM(samples))
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	h := newHandle()
	timer := time.AfterFunc(audio.SamplesDuration(len(samples), p.rate), h.finish)
	h.stopTimer = timer.Stop
	return h, nil
}

// Suspended always reports false: byte streams do not sleep.
func (p *Player) Suspended() bool { return false }

// Resume is a no-op.
func (p *Player) Resume() error { return nil }

// Close stops accepting buffers. The underlying writer is not closed; the
// caller owns its lifecycle.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type handle struct {
	done      chan struct{}
	once      sync.Once
	stopTimer func() bool
}

func newHandle() *handle {
	return &handle{done: make(chan struct{})}
}

var _ device.PlaybackHandle = (*handle)(nil)

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) finish() {
	h.once.Do(func() { close(h.done) })
}

func (h *handle) Stop() {
	if h.stopTimer != nil {
		h.stopTimer()
	}
	h.finish()
}
