// Package resampler adapts github.com/tphakala/go-audio-resampler's sinc
// resampler to the dataplane's per-channel, dynamic-ratio needs: each Input
// Processor keeps one upsampler and one downsampler instance whose ratio is
// adjusted every chunk to track playback-rate changes without reinitializing
// the underlying filter state.
package resampler

import (
	"fmt"

	goresampler "github.com/tphakala/go-audio-resampler"
)

// MinRatioAdjust and MaxRatioAdjust bound the per-invocation ratio nudge the
// Input Processor is allowed to apply without a full rebuild.
const (
	MinRatioAdjust = 0.98
	MaxRatioAdjust = 1.02
)

// Resampler wraps a single-channel-count sinc resampler instance and tracks
// the ratio it was last configured with.
type Resampler struct {
	channels int
	ratio    float64
	r        *goresampler.Resampler
}

// New builds a resampler for the given channel count and initial
// inputRate/outputRate ratio, using the sinc quality level the original
// engine relies on for its oversampled up/down conversion pair.
func New(channels int, inputRate, outputRate int) (*Resampler, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("resampler: invalid channel count %d", channels)
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid rates in=%d out=%d", inputRate, outputRate)
	}
	ratio := float64(outputRate) / float64(inputRate)
	r, err := goresampler.New(channels, goresampler.QualityHigh)
	if err != nil {
		return nil, fmt.Errorf("resampler: init: %w", err)
	}
	r.SetRatio(ratio)
	return &Resampler{channels: channels, ratio: ratio, r: r}, nil
}

// SetRatio adjusts the conversion ratio in place, without flushing the
// filter's internal history. The step is clamped to
// [MinRatioAdjust, MaxRatioAdjust] of the ratio currently configured, so a
// larger requested change only moves the ratio as far as that bound.
func (s *Resampler) SetRatio(ratio float64) {
	scale := ratio / s.ratio
	if scale < MinRatioAdjust {
		scale = MinRatioAdjust
	} else if scale > MaxRatioAdjust {
		scale = MaxRatioAdjust
	}
	s.ratio *= scale
	s.r.SetRatio(s.ratio)
}

// Ratio returns the resampler's current conversion ratio.
func (s *Resampler) Ratio() float64 { return s.ratio }

// Process converts interleaved float64 samples at the configured ratio.
// On internal resampler error it returns a zero-length slice and resets the
// resample cursor, matching the "invalid state never stalls the pipeline"
// failure semantics of the surrounding processor.
func (s *Resampler) Process(in []float64) []float64 {
	out, err := s.r.ProcessFloat64(in)
	if err != nil {
		s.r.Reset()
		return nil
	}
	return out
}

// Flush resets the resampler to its construction state, discarding any
// buffered filter history.
func (s *Resampler) Flush() {
	s.r.Reset()
}
