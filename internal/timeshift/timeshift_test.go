package timeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

func TestAttachAndNextChunkReturnsArrivedPacket(t *testing.T) {
	mgr := New(testLogger(t), 5.0)
	handle := mgr.Attach("src-a", CursorConfig{})
	now := time.Now()
	mgr.Ingest(audiotype.TaggedAudioPacket{SourceTag: "src-a", ReceivedTime: now.Add(-10 * time.Millisecond)})

	cur := mgr.Cursor(handle)
	require.NotNil(t, cur)
	pkt, ok := cur.NextChunk(now)
	require.True(t, ok)
	assert.Equal(t, "src-a", pkt.SourceTag)
}

func TestNextChunkBlocksOnFuturePacket(t *testing.T) {
	mgr := New(testLogger(t), 5.0)
	handle := mgr.Attach("src-b", CursorConfig{})
	now := time.Now()
	mgr.Ingest(audiotype.TaggedAudioPacket{SourceTag: "src-b", ReceivedTime: now.Add(1 * time.Second)})

	cur := mgr.Cursor(handle)
	_, ok := cur.NextChunk(now)
	assert.False(t, ok)
}

func TestDetachRemovesCursor(t *testing.T) {
	mgr := New(testLogger(t), 5.0)
	handle := mgr.Attach("src-c", CursorConfig{})
	mgr.Detach(handle)
	assert.Nil(t, mgr.Cursor(handle))
}

// Property #4/#5: a cursor that never drains must re-anchor and record an
// underrun once the ring evicts the packet it was still expecting, instead
// of silently reading from a now-stale local index.
func TestNextChunkReanchorsAfterLaggingCursorIsEvicted(t *testing.T) {
	mgr := New(testLogger(t), 5.0)
	handle := mgr.Attach("src-e", CursorConfig{})
	now := time.Now()

	const overflow = defaultRingCapacityPackets + 10
	for i := 0; i < overflow; i++ {
		mgr.Ingest(audiotype.TaggedAudioPacket{
			SourceTag:    "src-e",
			ReceivedTime: now.Add(-time.Duration(overflow-i) * time.Millisecond),
		})
	}

	cur := mgr.Cursor(handle)
	require.NotNil(t, cur)
	require.Equal(t, uint64(0), cur.Underruns(), "no packet consumed yet, so no underrun recorded")

	_, ok := cur.NextChunk(now)
	require.True(t, ok, "a lagging cursor must still find a surviving packet to re-anchor onto")
	assert.Equal(t, uint64(1), cur.Underruns(), "evicted expected packet must register exactly one underrun")
}

func TestDelayShiftsEffectiveTarget(t *testing.T) {
	mgr := New(testLogger(t), 5.0)
	handle := mgr.Attach("src-d", CursorConfig{DelayMs: 50})
	now := time.Now()
	mgr.Ingest(audiotype.TaggedAudioPacket{SourceTag: "src-d", ReceivedTime: now.Add(-10 * time.Millisecond)})

	cur := mgr.Cursor(handle)
	_, ok := cur.NextChunk(now)
	assert.False(t, ok, "packet arrived only 10ms ago but delay requires 50ms")
}
