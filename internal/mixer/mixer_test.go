package mixer

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
	"github.com/netham45/screamrouter/internal/config"
	"github.com/netham45/screamrouter/internal/scheduler"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

// fakeSender is an in-memory Sender used to observe what a mixer tick
// actually emits without touching a real socket or device.
type fakeSender struct {
	mu      sync.Mutex
	payload [][]byte
}

func (f *fakeSender) Setup(_ context.Context) error { return nil }

func (f *fakeSender) SendPayload(payload []byte, _ []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.payload = append(f.payload, cp)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.payload))
	copy(out, f.payload)
	return out
}

func stereo16Format() OutputFormat {
	return OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}
}

func newTestMixer(t *testing.T, tuning config.MixerTuning, setRate PlaybackRateScaleFunc) (*Mixer, *scheduler.Scheduler, *fakeSender) {
	t.Helper()
	sched := scheduler.New(testLogger(t))
	m := New(testLogger(t), "sink-test", stereo16Format(), 8, nil, sched, nil, tuning, setRate)
	sender := &fakeSender{}
	m.SetPrimarySender(sender)
	return m, sched, sender
}

// Property #6: two sources each pushing full-scale positive samples must
// saturate to INT32_MAX headroom rather than wrap around negative.
func TestTickSaturatesMixInsteadOfWrapping(t *testing.T) {
	m, sched, sender := newTestMixer(t, config.MixerTuning{UnderrunHoldTimeoutMs: 30}, nil)

	sched.AttachSource("src-a")
	sched.AttachSource("src-b")

	// 2 frames x 2 channels of 0x7FFF (max positive int16), little-endian.
	maxSample := []byte{0xFF, 0x7F}
	frame := append(append([]byte{}, maxSample...), maxSample...)
	pcm := append(append([]byte{}, frame...), frame...)

	sched.Push("src-a", audiotype.ProcessedAudioChunk{SourceTag: "src-a", SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerChunk: 2, PCM: pcm})
	sched.Push("src-b", audiotype.ProcessedAudioChunk{SourceTag: "src-b", SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerChunk: 2, PCM: pcm})

	m.Tick(time.Now())

	out := sender.payloads()
	require.Len(t, out, 1)
	require.Len(t, out[0], 8)
	for i := 0; i < 4; i++ {
		assert.Equal(t, byte(0xFF), out[0][i*2], "sample %d low byte", i)
		assert.Equal(t, byte(0x7F), out[0][i*2+1], "sample %d high byte clamped, not wrapped negative", i)
	}
}

// Property #7: once every source goes quiet, the mixer must hold silence for
// exactly ceil(underrun_hold_timeout_ms / tick_ms) ticks before the hold
// window lapses.
func TestTickHoldsSilenceForExactTickCount(t *testing.T) {
	const timeoutMs = 25
	const tickMs = 10
	expectedHoldTicks := int(math.Ceil(float64(timeoutMs) / float64(tickMs)))

	m, sched, sender := newTestMixer(t, config.MixerTuning{UnderrunHoldTimeoutMs: timeoutMs}, nil)
	sched.AttachSource("src-a")

	silentFrame := make([]byte, 4)
	sched.Push("src-a", audiotype.ProcessedAudioChunk{SourceTag: "src-a", SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerChunk: 1, PCM: silentFrame})

	now := time.Now()
	m.Tick(now) // source goes active, establishes m.sources["src-a"]
	require.Len(t, sender.payloads(), 1)
	assert.False(t, m.inHold)

	holdSince := time.Time{}
	for i := 1; i <= expectedHoldTicks; i++ {
		now = now.Add(tickMs * time.Millisecond)
		m.Tick(now)
		assert.True(t, m.inHold, "tick %d: still within hold window", i)
		if holdSince.IsZero() {
			holdSince = m.underrunHoldSince
		}
		assert.Equal(t, holdSince, m.underrunHoldSince, "tick %d: hold window must not restart", i)
		elapsed := now.Sub(m.underrunHoldSince)
		assert.Less(t, elapsed, time.Duration(timeoutMs)*time.Millisecond, "tick %d should still be inside the hold window", i)
	}

	// One more tick: the hold window has now lapsed.
	now = now.Add(tickMs * time.Millisecond)
	elapsedAtLapse := now.Sub(holdSince)
	require.GreaterOrEqual(t, elapsedAtLapse, time.Duration(timeoutMs)*time.Millisecond)
	m.Tick(now)

	assert.Len(t, sender.payloads(), expectedHoldTicks+2, "initial active tick + hold ticks + lapse tick")
	for _, p := range sender.payloads()[1:] {
		for _, b := range p {
			assert.Equal(t, byte(0), b, "held/lapsed ticks must emit silence")
		}
	}
}

// Property #9: a source whose backlog steadily exceeds target+tolerance must
// receive a playback-rate-scale command greater than 1, and a source whose
// backlog has recovered must be driven back to 1.0.
func TestAdaptiveDrainRaisesThenRestoresPlaybackRate(t *testing.T) {
	tuning := config.MixerTuning{
		EnableAdaptiveBufferDrain: true,
		TargetBufferLevelMs:       40,
		BufferToleranceMs:         10,
		DrainRateMsPerSec:         500,
		MaxSpeedupFactor:          1.5,
		DrainSmoothingFactor:      0, // alpha=1: no EMA lag, isolate the per-tick formula
		BufferMeasurementInterval: 1,
	}

	var mu sync.Mutex
	rates := make(map[string]float64)
	setRate := func(sourceID string, rate float64) {
		mu.Lock()
		defer mu.Unlock()
		rates[sourceID] = rate
	}

	m, sched, _ := newTestMixer(t, tuning, setRate)

	sched.AttachSource("src-hot")
	for i := 0; i < 1300; i++ {
		sched.Push("src-hot", audiotype.ProcessedAudioChunk{SourceTag: "src-hot"})
	}
	sched.CollectReadyChunks() // Received=1300, Popped=1: backlog well past target+tolerance.

	m.mu.Lock()
	m.sources["src-hot"] = &sourceState{currentRate: 1.0}
	m.mu.Unlock()

	m.adaptiveDrain(time.Now())

	mu.Lock()
	hotRate, gotHot := rates["src-hot"]
	mu.Unlock()
	require.True(t, gotHot, "overflowing source must receive a rate-scale command")
	assert.Greater(t, hotRate, 1.0)
	assert.LessOrEqual(t, hotRate, tuning.MaxSpeedupFactor)

	// A source whose backlog has recovered (small Received-Popped) must be
	// driven back down to 1.0 from a previously elevated rate.
	sched.AttachSource("src-cool")
	for i := 0; i < 5; i++ {
		sched.Push("src-cool", audiotype.ProcessedAudioChunk{SourceTag: "src-cool"})
	}
	for i := 0; i < 4; i++ {
		sched.CollectReadyChunks()
	}
	// Popped also advances src-hot each call above; re-seed it back to a
	// known-elevated rate isn't needed since only src-cool is asserted here.

	m.mu.Lock()
	m.sources["src-cool"] = &sourceState{currentRate: 1.3}
	m.mu.Unlock()

	m.adaptiveDrain(time.Now())

	mu.Lock()
	coolRate, gotCool := rates["src-cool"]
	mu.Unlock()
	require.True(t, gotCool, "recovered source must be driven back to 1.0")
	assert.InDelta(t, 1.0, coolRate, 1e-9)
}
