// Package mock provides in-memory device implementations for tests.
//
// Capture frames are pushed by the test, playback buffers are recorded, and
// each handle completes only when the test says so:
//
//	cap := mock.NewCapturer()
//	player := mock.NewPlayer()
//	// ... wire into the component under test ...
//	cap.Push([]float32{0.5, -0.5})
//	player.FinishOldest()
package mock

import (
	"context"
	"sync"

	"github.com/90rdon/visionary-me/pkg/device"
)

// Capturer implements device.Capturer with a test-controlled frame source.
type Capturer struct {
	// CaptureErr, when set, is returned by Capture instead of a stream.
	CaptureErr error

	mu               sync.Mutex
	CallCountCapture int
	// LastConfig records the config of the most recent Capture call.
	LastConfig device.CaptureConfig

	stream *CaptureStream
}

// NewCapturer returns a Capturer ready for use.
func NewCapturer() *Capturer {
	return &Capturer{}
}

var _ device.Capturer = (*Capturer)(nil)

// Capture returns a fresh stream fed by Push. Only one stream is tracked at a
// time; a second Capture replaces the Push target.
func (c *Capturer) Capture(_ context.Context, cfg device.CaptureConfig) (device.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountCapture++
	c.LastConfig = cfg
	if c.CaptureErr != nil {
		return nil, c.CaptureErr
	}
	c.stream = &CaptureStream{frames: make(chan []float32, 64)}
	return c.stream, nil
}

// Push delivers one frame on the current stream. Panics if Capture was never
// called.
func (c *Capturer) Push(frame []float32) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	s.frames <- frame
}

// End closes the current stream's frame channel, simulating the device going
// away.
func (c *Capturer) End() {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	s.end()
}

// CaptureStream is the stream returned by Capturer.Capture.
type CaptureStream struct {
	frames chan []float32

	mu             sync.Mutex
	CallCountClose int
	ended          bool
}

var _ device.CaptureStream = (*CaptureStream)(nil)

// Frames returns the channel frames pushed by the test arrive on.
func (s *CaptureStream) Frames() <-chan []float32 { return s.frames }

// Close records the call and closes the frame channel.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.end()
	return nil
}

func (s *CaptureStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

// Player implements device.Player, recording every buffer and keeping handles
// open until the test finishes or stops them.
type Player struct {
	// PlayErr, when set, is returned by Play.
	PlayErr error
	// SuspendedResult is returned by Suspended.
	SuspendedResult bool
	// ResumeErr, when set, is returned by Resume.
	ResumeErr error

	mu              sync.Mutex
	CallCountPlay   int
	CallCountResume int
	CallCountClose  int
	// Played holds every buffer passed to Play, oldest first.
	Played  [][]float32
	handles []*Handle
}

// NewPlayer returns a Player ready for use.
func NewPlayer() *Player {
	return &Player{}
}

var _ device.Player = (*Player)(nil)

// Play records the buffer and returns a handle that stays open until
// FinishOldest, FinishAll or Handle.Stop.
func (p *Player) Play(samples []float32) (device.PlaybackHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountPlay++
	if p.PlayErr != nil {
		return nil, p.PlayErr
	}
	p.Played = append(p.Played, samples)
	h := &Handle{done: make(chan struct{})}
	p.handles = append(p.handles, h)
	return h, nil
}

// Suspended returns SuspendedResult.
func (p *Player) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SuspendedResult
}

// Resume records the call, clears SuspendedResult and returns ResumeErr.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountResume++
	if p.ResumeErr != nil {
		return p.ResumeErr
	}
	p.SuspendedResult = false
	return nil
}

// Close records the call.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// FinishOldest completes the oldest still-open handle, simulating natural end
// of playback. Reports whether a handle was found.
func (p *Player) FinishOldest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handles {
		if h.finish() {
			return true
		}
	}
	return false
}

// FinishAll completes every open handle.
func (p *Player) FinishAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handles {
		h.finish()
	}
}

// StoppedCount reports how many handles were stopped via Handle.Stop.
func (p *Player) StoppedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if h.wasStopped() {
			n++
		}
	}
	return n
}

// Handle is the playback handle returned by Player.Play.
type Handle struct {
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	stopped bool
}

var _ device.PlaybackHandle = (*Handle)(nil)

// Done is closed on finish or stop.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop marks the handle stopped and completes it.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.stopped = true
		h.closed = true
		close(h.done)
	}
}

func (h *Handle) finish() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	close(h.done)
	return true
}

func (h *Handle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
