package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
	"github.com/netham45/screamrouter/internal/config"
	"github.com/netham45/screamrouter/internal/mixer"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

// fakeSender is an in-memory Sender/ClosableListener used to observe what a
// sink actually emits without touching a real socket or device.
type fakeSender struct {
	mu      sync.Mutex
	setups  int
	payload [][]byte
	closed  bool
}

func (f *fakeSender) Setup(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	return nil
}

func (f *fakeSender) SendPayload(payload []byte, _ []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.payload = append(f.payload, cp)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) packetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payload)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(testLogger(t), config.Default(), 5.0)
}

func TestAddSinkCallsPrimarySenderSetup(t *testing.T) {
	m := newTestManager(t)
	sender := &fakeSender{}
	err := m.AddSink(context.Background(), SinkConfig{
		SinkID:     "sink-1",
		Format:     mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16},
		ChunkBytes: 1152,
		PrimarySender: sender,
	})
	require.NoError(t, err)
	defer m.Shutdown()

	assert.Equal(t, 1, sender.setups)
}

func TestAddSinkRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	cfg := SinkConfig{SinkID: "dup", Format: mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}, ChunkBytes: 1152}
	require.NoError(t, m.AddSink(context.Background(), cfg))
	err := m.AddSink(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAddSinkRejectsUnsupportedBitDepth(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	err := m.AddSink(context.Background(), SinkConfig{SinkID: "bad", Format: mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 20}, ChunkBytes: 1152})
	assert.Error(t, err)
}

func TestConnectThenSourceAudioReachesSender(t *testing.T) {
	m := newTestManager(t)
	sender := &fakeSender{}
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{
		SinkID:        "sink-a",
		Format:        mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16},
		ChunkBytes:    1152,
		PrimarySender: sender,
	}))
	defer m.Shutdown()

	require.NoError(t, m.AddSource(SourceConfig{SourceTag: "src-1"}))
	require.NoError(t, m.Connect(context.Background(), "src-1", "sink-a", BindingConfig{}))

	now := time.Now()
	pkt := audiotype.TaggedAudioPacket{
		SourceTag:    "src-1",
		SampleRate:   48000,
		Channels:     2,
		BitDepth:     16,
		AudioData:    make([]byte, audiotype.ChunkSize),
		ReceivedTime: now.Add(-10 * time.Millisecond),
	}
	m.TSM().Ingest(pkt)

	require.Eventually(t, func() bool {
		stats, ok := m.SourceStats()["src-1|sink-a"]
		return ok && stats.Popped > 0 && sender.packetCount() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectRejectsDuplicateBinding(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{SinkID: "s", Format: mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}, ChunkBytes: 1152}))
	require.NoError(t, m.Connect(context.Background(), "src", "s", BindingConfig{}))
	err := m.Connect(context.Background(), "src", "s", BindingConfig{})
	assert.Error(t, err)
}

func TestConnectRejectsUnknownSink(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	err := m.Connect(context.Background(), "src", "missing-sink", BindingConfig{})
	assert.Error(t, err)
}

func TestDisconnectThenUpdateSourceFails(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{SinkID: "s", Format: mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}, ChunkBytes: 1152}))
	require.NoError(t, m.Connect(context.Background(), "src", "s", BindingConfig{}))
	m.Disconnect("src", "s")

	err := m.UpdateSource("src", "s", SourceUpdate{SetVolume: true, Volume: 0.5})
	assert.Error(t, err)
}

func TestUpdateSourceAppliesDelay(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{SinkID: "s", Format: mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}, ChunkBytes: 1152}))
	require.NoError(t, m.Connect(context.Background(), "src", "s", BindingConfig{}))

	err := m.UpdateSource("src", "s", SourceUpdate{SetDelay: true, DelayMs: 50})
	require.NoError(t, err)
}

func TestRemoveSinkClosesSender(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	sender := &fakeSender{}
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{
		SinkID:        "s",
		Format:        mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16},
		ChunkBytes:    1152,
		PrimarySender: sender,
	}))
	m.RemoveSink("s")
	assert.True(t, sender.IsClosed())
}

func TestAddListenerSetsUpAndRegisters(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{SinkID: "s", Format: mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}, ChunkBytes: 1152}))

	l := &fakeSender{}
	require.NoError(t, m.AddListener(context.Background(), "s", "listener-1", l))
	assert.Equal(t, 1, l.setups)

	m.RemoveListener("s", "listener-1")
	assert.True(t, l.IsClosed())
}

func TestSyncStatsReflectsCoordinatedSink(t *testing.T) {
	m := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.AddSink(context.Background(), SinkConfig{
		SinkID:             "s",
		Format:             mixer.OutputFormat{SampleRate: 48000, Channels: 2, BitDepth: 16},
		ChunkBytes:         1152,
		EnableCoordination: true,
	}))

	_, ok := m.SyncStats(48000)
	assert.True(t, ok)

	m.RemoveSink("s")
	_, ok = m.SyncStats(48000)
	assert.False(t, ok)
}
