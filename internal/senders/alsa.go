package senders

import (
	"context"
	"fmt"
	"time"

	"github.com/netham45/screamrouter/internal/commons"
)

// PlaybackDevice is the minimal boundary a concrete local-audio backend
// implements to back an ALSASender. No ALSA cgo binding exists anywhere in
// the retrieved reference corpus, so this interface is the dependency-free
// seam a platform-specific implementation plugs into (see DESIGN.md).
type PlaybackDevice interface {
	// Open configures the device for sampleRate/channels/bitDepth, targeting
	// approximately targetBufferMs of total buffer across periodCount periods.
	Open(sampleRate, channels, bitDepth, periodCount int, targetBufferMs float64) error
	// WritePeriod blocks for at most one period, writing payload, and
	// reports how long the write actually took so the caller can derive
	// hardware drift.
	WritePeriod(payload []byte) (time.Duration, error)
	Close() error
}

// RateFeedback receives a playback-rate correction derived from comparing
// the device's actual drain rate to the nominal sample rate, clamped to
// [0.96, 1.02].
type RateFeedback func(rate float64)

// ALSASender drives a local playback device, optionally publishing a
// feedback-loop rate correction so the upstream pipeline tracks the actual
// hardware clock. Unlike network senders, WritePeriod may block for up to
// one period and failures are retried rather than treated as fatal.
type ALSASender struct {
	log      commons.Logger
	device   PlaybackDevice
	feedback RateFeedback

	sampleRate, channels, bitDepth int
	rateEMA                        float64
}

const (
	alsaTargetBufferMs = 24.0
	alsaPeriodCount    = 3
	alsaRateMin        = 0.96
	alsaRateMax        = 1.02
)

// NewALSASender constructs a sender wrapping device.
func NewALSASender(log commons.Logger, device PlaybackDevice, sampleRate, channels, bitDepth int, feedback RateFeedback) *ALSASender {
	return &ALSASender{log: log, device: device, feedback: feedback, sampleRate: sampleRate, channels: channels, bitDepth: bitDepth, rateEMA: 1.0}
}

func (s *ALSASender) Setup(_ context.Context) error {
	if err := s.device.Open(s.sampleRate, s.channels, s.bitDepth, alsaPeriodCount, alsaTargetBufferMs); err != nil {
		return fmt.Errorf("alsa sender: open: %w", err)
	}
	return nil
}

// SendPayload may block within one period's duration; local-playback
// senders retry rather than treat a transient device error as fatal.
func (s *ALSASender) SendPayload(payload []byte, _ []uint32) error {
	elapsed, err := s.device.WritePeriod(payload)
	if err != nil {
		s.log.Warnw("alsa sender: period write failed, retrying next tick", "error", err)
		return nil
	}
	if s.feedback != nil {
		s.publishRateFeedback(payload, elapsed)
	}
	return nil
}

func (s *ALSASender) publishRateFeedback(payload []byte, elapsed time.Duration) {
	bytesPerFrame := (s.bitDepth / 8) * s.channels
	if bytesPerFrame <= 0 || elapsed <= 0 {
		return
	}
	frames := len(payload) / bytesPerFrame
	expected := time.Duration(float64(frames) / float64(s.sampleRate) * float64(time.Second))
	if expected <= 0 {
		return
	}
	instRate := float64(expected) / float64(elapsed)
	s.rateEMA = 0.9*s.rateEMA + 0.1*instRate
	rate := s.rateEMA
	if rate < alsaRateMin {
		rate = alsaRateMin
	} else if rate > alsaRateMax {
		rate = alsaRateMax
	}
	s.feedback(rate)
}

func (s *ALSASender) Close() error {
	return s.device.Close()
}
