package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netham45/screamrouter/internal/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

func defaultTuning() Tuning {
	return Tuning{
		OversamplingFactor:           2,
		VolumeSmoothingFactor:        0.05,
		NormalizationTargetRMS:       0.1,
		NormalizationAttackSmoothing: 0.2,
		NormalizationDecaySmoothing:  0.02,
		DCFilterCutoffHz:             20,
		DitherNoiseShapingFactor:     0.5,
	}
}

func TestProcessProducesOutputFormat(t *testing.T) {
	p := New(testLogger(t), defaultTuning(), Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, nil)

	in := Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	data := make([]byte, audiotypeChunkSizeFor(in))
	chunk, err := p.Process(in, "src-1", data)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, 48000, chunk.SampleRate)
	assert.Equal(t, 2, chunk.Channels)
	assert.Equal(t, 16, chunk.BitDepth)
}

func TestProcessUnsupportedBitDepthProducesSilence(t *testing.T) {
	p := New(testLogger(t), defaultTuning(), Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, nil)
	in := Format{SampleRate: 48000, Channels: 2, BitDepth: 20}
	chunk, err := p.Process(in, "src-1", make([]byte, 64))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	for _, b := range chunk.PCM {
		assert.Equal(t, byte(0), b)
	}
}

func TestSetVolumeCommandIsNonBlocking(t *testing.T) {
	p := New(testLogger(t), defaultTuning(), Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, nil)
	for i := 0; i < 1000; i++ {
		p.SubmitCommand(Command{Kind: SetVolume, Float: 0.5})
	}
}

func TestReconfigureOnFormatChange(t *testing.T) {
	p := New(testLogger(t), defaultTuning(), Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, nil)
	in1 := Format{SampleRate: 44100, Channels: 2, BitDepth: 16}
	_, err := p.Process(in1, "src-1", make([]byte, 1024))
	require.NoError(t, err)

	in2 := Format{SampleRate: 48000, Channels: 6, BitDepth: 24}
	_, err = p.Process(in2, "src-1", make([]byte, 1152))
	require.NoError(t, err)
}

func audiotypeChunkSizeFor(f Format) int {
	bytesPerFrame := (f.BitDepth / 8) * f.Channels
	frames := 1152 / bytesPerFrame
	if frames == 0 {
		frames = 1
	}
	return frames * bytesPerFrame
}
