package resampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidParams(t *testing.T) {
	_, err := New(0, 48000, 48000)
	require.Error(t, err)

	_, err = New(2, 0, 48000)
	require.Error(t, err)
}

func TestSetRatioClampsToBoundedStep(t *testing.T) {
	r, err := New(2, 48000, 48000)
	require.NoError(t, err)
	require.InDelta(t, 1.0, r.Ratio(), 1e-9)

	r.SetRatio(2.0) // far outside [0.98, 1.02] of current ratio
	assert.InDelta(t, MaxRatioAdjust, r.Ratio(), 1e-9)
}

func TestProcessRoundTripsSameRate(t *testing.T) {
	r, err := New(1, 48000, 48000)
	require.NoError(t, err)
	in := make([]float64, 256)
	for i := range in {
		in[i] = float64(i%10) / 10
	}
	out := r.Process(in)
	assert.NotEmpty(t, out)
}
