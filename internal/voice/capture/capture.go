// Package capture pumps microphone frames into a live session.
//
// Each fixed-size frame is measured for loudness, encoded to 16 kHz s16le
// PCM and forwarded upstream. The volume callback fires for every frame,
// matched or not, so level meters stay live even while the model is talking.
package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/90rdon/visionary-me/pkg/audio"
	"github.com/90rdon/visionary-me/pkg/device"
)

// Sender receives encoded microphone audio. *live.Session satisfies it.
type Sender interface {
	SendAudio(pcm []byte) error
}

// Config tunes one pump.
type Config struct {
	// FrameSamples overrides the default capture window of
	// audio.CaptureFrameSamples.
	FrameSamples int

	// OnVolume receives the RMS level of every captured frame. Optional.
	OnVolume func(rms float64)

	// OnSent fires after every frame delivered upstream. Optional.
	OnSent func()
}

// Pump is a running capture pipeline.
type Pump struct {
	stream device.CaptureStream
	done   chan struct{}
	stop   sync.Once
}

// Start opens the microphone and begins forwarding frames until Stop is
// called, ctx is canceled or the device stream ends.
func Start(ctx context.Context, capt device.Capturer, sender Sender, cfg Config, log *slog.Logger) (*Pump, error) {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = audio.CaptureFrameSamples
	}
	if log == nil {
		log = slog.Default()
	}

	stream, err := capt.Capture(ctx, device.CaptureConfig{
		SampleRate:   audio.CaptureRate,
		FrameSamples: cfg.FrameSamples,
	})
	if err != nil {
		return nil, err
	}

	p := &Pump{stream: stream, done: make(chan struct{})}
	go p.run(sender, cfg, log)
	return p, nil
}

func (p *Pump) run(sender Sender, cfg Config, log *slog.Logger) {
	defer close(p.done)
	for frame := range p.stream.Frames() {
		if cfg.OnVolume != nil {
			cfg.OnVolume(audio.RMS(frame))
		}
		if err := sender.SendAudio(audio.EncodePCM(frame)); err != nil {
			log.Warn("audio frame not delivered", "error", err)
		} else if cfg.OnSent != nil {
			cfg.OnSent()
		}
	}
}

// Stop releases the microphone and waits for the pump goroutine to drain.
// Idempotent.
func (p *Pump) Stop() {
	p.stop.Do(func() {
		_ = p.stream.Close()
	})
	<-p.done
}
