package biquad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowPassAttenuatesAboveCutoff(t *testing.T) {
	const sampleRate = 48000.0
	const cutoff = 1000.0
	lp := New(LowPass, cutoff/sampleRate, 0.707, 0)

	low := rmsResponse(t, lp, 100, sampleRate)
	lp2 := New(LowPass, cutoff/sampleRate, 0.707, 0)
	high := rmsResponse(t, lp2, 10000, sampleRate)

	assert.Greater(t, low, high, "low-pass should pass 100Hz more than 10kHz")
}

func TestHighPassAttenuatesBelowCutoff(t *testing.T) {
	const sampleRate = 48000.0
	const cutoff = 1000.0
	hp := New(HighPass, cutoff/sampleRate, 0.707, 0)
	low := rmsResponse(t, hp, 50, sampleRate)

	hp2 := New(HighPass, cutoff/sampleRate, 0.707, 0)
	high := rmsResponse(t, hp2, 10000, sampleRate)

	assert.Greater(t, high, low, "high-pass should pass 10kHz more than 50Hz")
}

func TestPeakUnityGainIsNearTransparent(t *testing.T) {
	bq := New(Peak, 1000.0/48000.0, 1.0, 0)
	in := sineBuffer(1000, 48000, 256)
	out := make([]float64, len(in))
	copy(out, in)
	bq.ProcessBlock(out)

	// Settle past the filter's transient, then compare RMS.
	settled := 64
	assert.InDelta(t, rms(in[settled:]), rms(out[settled:]), 0.05)
}

func TestFlushResetsState(t *testing.T) {
	bq := New(LowPass, 0.1, 0.707, 0)
	for i := 0; i < 100; i++ {
		bq.Process(1.0)
	}
	require.NotEqual(t, 0.0, bq.Process(1.0))
	bq.Flush()

	fresh := New(LowPass, 0.1, 0.707, 0)
	assert.Equal(t, fresh.Process(0.5), bq.Process(0.5))
}

func rmsResponse(t *testing.T, bq *Biquad, freq, sampleRate float64) float64 {
	t.Helper()
	in := sineBuffer(freq, sampleRate, 2048)
	out := make([]float64, len(in))
	copy(out, in)
	bq.ProcessBlock(out)
	// Drop the transient.
	return rms(out[512:])
}

func sineBuffer(freq, sampleRate float64, n int) []float64 {
	buf := make([]float64, n)
	for i := range buf {
		buf[i] = math.Sin(2 * math.Pi * freq * float64(i) / sampleRate)
	}
	return buf
}

func rms(buf []float64) float64 {
	var sum float64
	for _, s := range buf {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(buf)))
}
