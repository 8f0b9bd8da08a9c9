// Package timeshift implements the process-wide Time-Shift Manager: one
// ring buffer per observed source tag, and per-binding cursors that walk
// those rings at a configurable delay/timeshift offset from "now".
package timeshift

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
)

// ring is a drop-oldest circular buffer of packets for one source tag.
// evicted counts every packet ever dropped off the back, letting a cursor
// detect staleness against an absolute sequence number instead of a local
// index that stays numerically in-bounds even after eviction.
type ring struct {
	mu      sync.RWMutex
	packets []audiotype.TaggedAudioPacket
	maxLen  int
	evicted int
}

func newRing(maxLen int) *ring {
	return &ring{packets: make([]audiotype.TaggedAudioPacket, 0, maxLen), maxLen: maxLen}
}

func (r *ring) append(p audiotype.TaggedAudioPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ReceivedTime.IsZero() {
		p.ReceivedTime = time.Now()
	}
	if len(r.packets) >= r.maxLen {
		r.packets = r.packets[1:]
		r.evicted++
	}
	r.packets = append(r.packets, p)
}

// bounds returns the absolute sequence number of the oldest surviving packet
// (equal to the total evicted so far) and the number of packets currently
// held, in one atomic snapshot.
func (r *ring) bounds() (evicted, length int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted, len(r.packets)
}

// findAt returns the index of the newest packet whose ReceivedTime is <= at,
// and whether any packet in the ring qualifies.
func (r *ring) findAt(at time.Time, fromIdx int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fromIdx < 0 {
		fromIdx = 0
	}
	best := -1
	for i := fromIdx; i < len(r.packets); i++ {
		if !r.packets[i].ReceivedTime.After(at) {
			best = i
		} else {
			break
		}
	}
	if best == -1 {
		return -1, false
	}
	return best, true
}

func (r *ring) oldestIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return 0
}

func (r *ring) at(idx int) (audiotype.TaggedAudioPacket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.packets) {
		return audiotype.TaggedAudioPacket{}, false
	}
	return r.packets[idx], true
}

// CursorConfig parameterizes a binding's playback offset.
type CursorConfig struct {
	DelayMs      int64
	TimeshiftSec float64
}

// Cursor is a single binding's read position into a source's ring. The
// owning Input Processor is the only goroutine expected to call NextChunk.
type Cursor struct {
	mu        sync.Mutex
	ring      *ring
	cfg       CursorConfig
	lastSeq   int
	underruns uint64
}

// SetDelayMs updates the cursor's output delay.
func (c *Cursor) SetDelayMs(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.DelayMs = ms
}

// SetTimeshiftSec updates the cursor's timeshift offset; negative plays
// further into the past.
func (c *Cursor) SetTimeshiftSec(sec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.TimeshiftSec = sec
}

// Underruns returns the count of re-anchor events this cursor has recorded.
func (c *Cursor) Underruns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.underruns
}

// NextChunk returns the newest packet, at or after the cursor's position,
// whose arrival time is at or before the cursor's effective target
// wall-clock (now - delay - timeshift), and advances the cursor past it.
// Older due packets between the cursor's position and that one are skipped,
// not returned on later calls. It returns (zero, false) if no qualifying packet has arrived
// yet. If the packet the cursor expected has been evicted from the ring, the
// cursor re-anchors to the oldest surviving packet and records an underrun.
func (c *Cursor) NextChunk(now time.Time) (audiotype.TaggedAudioPacket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := now.Add(-time.Duration(c.cfg.DelayMs) * time.Millisecond).
		Add(-time.Duration(c.cfg.TimeshiftSec * float64(time.Second)))

	evicted, length := c.ring.bounds()
	if length == 0 {
		return audiotype.TaggedAudioPacket{}, false
	}

	localIdx := c.lastSeq - evicted
	if localIdx < 0 {
		// The packet we expected next has been evicted out from under us;
		// re-anchor to the oldest surviving packet regardless of whether
		// our old local index still happened to fall in bounds.
		localIdx = 0
		c.underruns++
	}

	idx, ok := c.ring.findAt(target, localIdx)
	if !ok {
		return audiotype.TaggedAudioPacket{}, false
	}
	pkt, ok := c.ring.at(idx)
	if !ok {
		c.lastSeq = evicted
		c.underruns++
		return audiotype.TaggedAudioPacket{}, false
	}
	c.lastSeq = evicted + idx + 1
	return pkt, true
}

// Manager owns one ring per observed source tag and hands out cursors bound
// to (source, sink) pairs.
type Manager struct {
	log commons.Logger

	bufferSeconds float64
	bytesPerSec   func(sourceTag string) int

	mu      sync.Mutex
	rings   map[string]*ring
	cursors map[uuid.UUID]*Cursor
}

// New constructs a Manager. bufferSeconds is stored on the Manager but does
// not size the rings: every source ring holds a fixed
// defaultRingCapacityPackets packets.
func New(log commons.Logger, bufferSeconds float64) *Manager {
	return &Manager{
		log:           log,
		bufferSeconds: bufferSeconds,
		rings:         make(map[string]*ring),
		cursors:       make(map[uuid.UUID]*Cursor),
	}
}

const defaultRingCapacityPackets = 4096

func (m *Manager) ringFor(sourceTag string) *ring {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[sourceTag]
	if !ok {
		r = newRing(defaultRingCapacityPackets)
		m.rings[sourceTag] = r
	}
	return r
}

// Ingest appends a newly-arrived packet to its source's ring.
func (m *Manager) Ingest(p audiotype.TaggedAudioPacket) {
	m.ringFor(p.SourceTag).append(p)
}

// Attach creates a new cursor bound to sourceTag, returning a handle
// identifying it.
func (m *Manager) Attach(sourceTag string, cfg CursorConfig) uuid.UUID {
	handle := uuid.New()
	r := m.ringFor(sourceTag)
	evicted, _ := r.bounds()
	cur := &Cursor{ring: r, cfg: cfg, lastSeq: evicted}
	m.mu.Lock()
	m.cursors[handle] = cur
	m.mu.Unlock()
	return handle
}

// Detach releases a cursor handle.
func (m *Manager) Detach(handle uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, handle)
}

// Cursor returns the cursor for handle, or nil if it has been detached.
func (m *Manager) Cursor(handle uuid.UUID) *Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[handle]
}
