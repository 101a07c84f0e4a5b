// Package device defines the hardware audio boundary for Visionary.
//
// The two primary abstractions are:
//
//   - [Capturer] — acquires an exclusive microphone input stream and returns a
//     [CaptureStream] that delivers fixed-size sample windows at the hardware's
//     natural rate.
//   - [Player] — renders synthesized speech samples on the output device and
//     returns a [PlaybackHandle] per buffer so callers can track natural
//     completion or force a stop.
//
// Implementations are provided by platform adapter packages (e.g.,
// device/pipe for file- and FIFO-backed streams). The interfaces are
// intentionally narrow so the voice pipelines stay decoupled from any
// particular audio subsystem.
//
// This package lives under pkg/ because external code (alternative platform
// adapters) is expected to implement [Capturer] and [Player].
package device

import (
	"context"
	"errors"
)

// ErrPermission indicates the platform denied access to the microphone.
// Fatal to session connect: the session must never reach the connected state.
var ErrPermission = errors.New("device: microphone permission denied")

// ErrNoDevice indicates no capture or playback device is available.
var ErrNoDevice = errors.New("device: no audio device available")

// CaptureConfig describes the input stream a [Capturer] must open.
type CaptureConfig struct {
	// SampleRate is the capture rate in Hz (16000 for the live transport).
	SampleRate int

	// FrameSamples is the fixed window size of each delivered frame.
	FrameSamples int
}

// CaptureStream is an open, exclusive microphone stream.
//
// The stream is driven by the hardware: frames arrive on [CaptureStream.Frames]
// continuously at the device's natural rate; consumers must drain the channel
// promptly. The channel is closed when the stream ends or [CaptureStream.Close]
// is called.
type CaptureStream interface {
	// Frames returns the read-only channel of mono floating-point sample
	// windows. Each slice has exactly CaptureConfig.FrameSamples entries and
	// is owned by the receiver once delivered.
	Frames() <-chan []float32

	// Close releases the microphone. Safe to call more than once and safe to
	// call on a stream that already ended on its own.
	Close() error
}

// Capturer opens microphone input streams.
//
// Implementations must be safe for concurrent use, though at most one
// exclusive stream is expected to be open at a time.
type Capturer interface {
	// Capture acquires the microphone and starts delivering frames.
	// Returns [ErrPermission] or [ErrNoDevice] (possibly wrapped) when the
	// platform denies or lacks an input device.
	Capture(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// PlaybackHandle tracks one scheduled buffer on the output device.
type PlaybackHandle interface {
	// Done is closed when the buffer finishes rendering naturally or is
	// stopped.
	Done() <-chan struct{}

	// Stop halts rendering immediately. Safe to call after natural
	// completion and safe to call more than once.
	Stop()
}

// Player renders sample buffers on the output device.
//
// Implementations must be safe for concurrent use. Scheduling (when a buffer
// should start) is the caller's concern; Play begins rendering immediately.
type Player interface {
	// Play starts rendering samples at the device's configured rate and
	// returns a handle for the in-flight buffer.
	Play(samples []float32) (PlaybackHandle, error)

	// Suspended reports whether the output device entered a power-saving
	// suspended state and needs [Player.Resume] before the next Play.
	Suspended() bool

	// Resume wakes a suspended output device. A no-op when not suspended.
	Resume() error

	// Close releases the output device. Idempotent.
	Close() error
}
