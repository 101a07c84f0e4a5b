// Package playback schedules synthesized speech chunks for gapless output.
//
// Chunks arrive from the network faster than real time, so each one is
// scheduled to start exactly when the previous one ends. A write cursor
// tracks the end of the queued audio; it never moves backwards while audio
// is queued, and it resets when playback stops so the next utterance starts
// immediately.
package playback

import (
	"sync"
	"time"

	"github.com/90rdon/visionary-me/pkg/audio"
	"github.com/90rdon/visionary-me/pkg/device"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAfterFunc replaces the deferred-execution primitive. Used in tests.
func WithAfterFunc(after func(d time.Duration, f func()) *time.Timer) Option {
	return func(s *Scheduler) { s.after = after }
}

// WithPendingHook observes queue-depth changes: +1 when a chunk is queued,
// negative when chunks finish or are stopped. The hook must not block.
func WithPendingHook(f func(delta int)) Option {
	return func(s *Scheduler) { s.onPending = f }
}

// Scheduler queues PCM chunks on a Player back to back. Safe for concurrent
// use.
type Scheduler struct {
	player    device.Player
	rate      int
	now       func() time.Time
	after     func(d time.Duration, f func()) *time.Timer
	onPending func(delta int)

	mu      sync.Mutex
	cursor  time.Time
	pending map[*chunk]struct{}
}

type chunk struct {
	timer    *time.Timer
	handle   device.PlaybackHandle
	canceled bool
}

// NewScheduler builds a scheduler playing 24 kHz s16le mono PCM on player.
func NewScheduler(player device.Player, opts ...Option) *Scheduler {
	s := &Scheduler{
		player:  player,
		rate:    audio.PlaybackRate,
		now:     time.Now,
		after:   time.AfterFunc,
		pending: make(map[*chunk]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules one PCM chunk to start the moment the queued audio ends,
// or immediately when the queue is empty. A suspended output device is
// resumed first.
func (s *Scheduler) Enqueue(pcm []byte) error {
	samples := audio.DecodePCM(pcm)
	if len(samples) == 0 {
		return nil
	}

	if s.player.Suspended() {
		if err := s.player.Resume(); err != nil {
			return err
		}
	}

	duration := audio.SamplesDuration(len(samples), s.rate)

	s.mu.Lock()
	now := s.now()
	start := now
	if s.cursor.After(now) {
		start = s.cursor
	}
	s.cursor = start.Add(duration)

	c := &chunk{}
	s.pending[c] = struct{}{}
	s.mu.Unlock()
	s.notifyPending(1)

	// The after func may run its callback synchronously, so it cannot be
	// invoked while s.mu is held: play takes the lock again.
	timer := s.after(start.Sub(now), func() { s.play(c, samples) })

	s.mu.Lock()
	if c.canceled {
		timer.Stop()
	} else {
		c.timer = timer
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) play(c *chunk, samples []float32) {
	s.mu.Lock()
	if c.canceled {
		s.mu.Unlock()
		return
	}
	handle, err := s.player.Play(samples)
	if err != nil {
		delete(s.pending, c)
		s.mu.Unlock()
		s.notifyPending(-1)
		return
	}
	c.handle = handle
	s.mu.Unlock()

	go func() {
		<-handle.Done()
		s.mu.Lock()
		_, live := s.pending[c]
		delete(s.pending, c)
		s.mu.Unlock()
		if live {
			s.notifyPending(-1)
		}
	}()
}

func (s *Scheduler) notifyPending(delta int) {
	if s.onPending != nil && delta != 0 {
		s.onPending(delta)
	}
}

// StopAll halts everything queued or playing and resets the cursor, so the
// next Enqueue starts immediately. Called on barge-in and on disconnect.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	n := len(s.pending)
	for c := range s.pending {
		c.canceled = true
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.handle != nil {
			c.handle.Stop()
		}
	}
	clear(s.pending)
	s.cursor = time.Time{}
	s.mu.Unlock()
	s.notifyPending(-n)
}

// Pending reports how many chunks are queued or playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
