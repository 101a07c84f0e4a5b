// Package audio provides the PCM codec utilities shared by the Visionary
// voice pipeline: conversion between floating-point capture samples and the
// 16-bit little-endian wire format, base64 transport decoding, RMS volume
// estimation, and duration arithmetic.
//
// All functions are pure and allocation-bounded; none of them touch hardware.
// The live transport speaks s16le PCM at [CaptureRate] inbound to the model
// and [PlaybackRate] outbound from it.
package audio

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"
)

const (
	// CaptureRate is the sample rate of microphone input sent to the model, in Hz.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of synthesized speech received from the
	// model, in Hz.
	PlaybackRate = 24000

	// CaptureFrameSamples is the fixed window size of a single capture frame.
	CaptureFrameSamples = 4096

	// bytesPerSample is the width of one s16le sample.
	bytesPerSample = 2
)

// EncodePCM converts floating-point samples in [-1, 1] to signed 16-bit
// little-endian PCM. Out-of-range samples are clamped rather than rejected —
// clipping a hot microphone is preferable to dropping the frame.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM converts s16le PCM bytes back to floating-point samples in [-1, 1].
// A trailing odd byte is ignored.
func DecodePCM(data []byte) []float32 {
	n := len(data) / bytesPerSample
	out := make([]float32, n)
	for i := range n {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

// DecodeBase64 decodes a standard base64 payload. Malformed input returns a
// wrapped error so callers can drop the single bad chunk without terminating
// the session.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return data, nil
}

// EncodeBase64 encodes raw PCM bytes for transport.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// RMS computes the root-mean-square level of a frame, used as an instantaneous
// loudness estimate for UI visualization. An all-zero frame yields exactly 0;
// a full-scale frame yields 1. An empty frame yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PCMDuration returns the play time of n bytes of s16le mono PCM at the given
// sample rate.
func PCMDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// SamplesDuration returns the play time of n mono samples at the given rate.
func SamplesDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
