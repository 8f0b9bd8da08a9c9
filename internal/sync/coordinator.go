// Package sync implements the Global Synchronization Clock (one per
// distinct sample rate) and the per-sink Coordinator that wraps a sink
// mixer's barrier and rate-adjustment interaction with it.
package sync

import (
	"sync"
	"time"

	"github.com/netham45/screamrouter/internal/commons"
)

// rate-adjustment EMA constants from calculate_rate_adjustment.
const (
	emaWeightNew = 0.1
	emaWeightOld = 0.9
	kP           = 1e-3
	maxAdjust    = 0.02
)

// SinkTimingInfo mirrors the original engine's per-sink timing state.
type SinkTimingInfo struct {
	TotalSamplesOutput     int64
	LastReportedRTPTS      uint32
	LastReportTime         time.Time
	AccumulatedErrorEMA    float64
	CurrentRateAdjustment  float64
	Active                 bool
	UnderrunCount          uint64
}

// SyncStats exposes diagnostics for observability parity with the original
// engine's profiling counters.
type SyncStats struct {
	MaxDriftPPM          float64
	AvgBarrierWaitMs     float64
	TotalBarrierTimeouts uint64
}

type barrier struct {
	mu           sync.Mutex
	cond         *sync.Cond
	generation   uint64
	arrivedCount int
	activeCount  int
}

func newBarrier() *barrier {
	b := &barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// GlobalClock is one GlobalSynchronizationClock instance, scoped to a single
// sample rate.
type GlobalClock struct {
	log commons.Logger

	masterSampleRate int
	rtpTS0           uint32
	wallT0           time.Time

	mu    sync.Mutex
	sinks map[string]*SinkTimingInfo

	barrier *barrier

	statsMu              sync.Mutex
	barrierWaitSamplesMs []float64
	barrierTimeouts      uint64
}

// NewGlobalClock constructs a clock anchored at the given reference point.
func NewGlobalClock(log commons.Logger, sampleRate int, rtpTS0 uint32, wallT0 time.Time) *GlobalClock {
	return &GlobalClock{
		log:              log,
		masterSampleRate: sampleRate,
		rtpTS0:           rtpTS0,
		wallT0:           wallT0,
		sinks:            make(map[string]*SinkTimingInfo),
		barrier:          newBarrier(),
	}
}

// CurrentPlaybackTimestamp returns rtp_ts0 + elapsed*sample_rate at now.
func (g *GlobalClock) CurrentPlaybackTimestamp(now time.Time) uint32 {
	elapsed := now.Sub(g.wallT0).Seconds()
	return g.rtpTS0 + uint32(elapsed*float64(g.masterSampleRate))
}

// RegisterSink adds sinkID to the set of participants awaited by the
// dispatch barrier.
func (g *GlobalClock) RegisterSink(sinkID string) {
	g.mu.Lock()
	if _, ok := g.sinks[sinkID]; !ok {
		g.sinks[sinkID] = &SinkTimingInfo{Active: true}
	} else {
		g.sinks[sinkID].Active = true
	}
	g.mu.Unlock()

	g.barrier.mu.Lock()
	g.barrier.activeCount++
	g.barrier.mu.Unlock()
}

// UnregisterSink removes sinkID from the barrier's participant count.
func (g *GlobalClock) UnregisterSink(sinkID string) {
	g.mu.Lock()
	if s, ok := g.sinks[sinkID]; ok {
		s.Active = false
	}
	g.mu.Unlock()

	g.barrier.mu.Lock()
	if g.barrier.activeCount > 0 {
		g.barrier.activeCount--
	}
	g.barrier.mu.Unlock()
	g.barrier.cond.Broadcast()
}

// WaitForDispatchBarrier blocks until every registered active sink has
// arrived at the current generation, or timeout elapses. It returns true if
// the barrier resolved (including the immediate single-sink case), or false
// if it timed out waiting on peers; a timeout also increments a diagnostic
// counter but never blocks the caller past timeout.
func (g *GlobalClock) WaitForDispatchBarrier(sinkID string, timeout time.Duration) bool {
	start := time.Now()
	b := g.barrier

	arrived := true
	b.mu.Lock()
	gen := b.generation
	b.arrivedCount++
	if b.arrivedCount >= b.activeCount && b.activeCount > 0 {
		b.generation++
		b.arrivedCount = 0
		b.cond.Broadcast()
	} else {
		deadline := time.Now().Add(timeout)
		for b.generation == gen {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				g.recordTimeout()
				arrived = false
				if b.arrivedCount > 0 {
					b.arrivedCount--
				}
				break
			}
			waitWithTimeout(b.cond, remaining)
		}
	}
	b.mu.Unlock()

	g.recordBarrierWait(time.Since(start))
	return arrived
}

// waitWithTimeout wraps a condvar wait with a timeout by releasing the lock,
// sleeping briefly, then re-acquiring — sync.Cond has no native timeout.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	if d > 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	cond.L.Unlock()
	time.Sleep(d)
	cond.L.Lock()
}

func (g *GlobalClock) recordTimeout() {
	g.statsMu.Lock()
	g.barrierTimeouts++
	g.statsMu.Unlock()
}

func (g *GlobalClock) recordBarrierWait(d time.Duration) {
	g.statsMu.Lock()
	g.barrierWaitSamplesMs = append(g.barrierWaitSamplesMs, float64(d.Microseconds())/1000.0)
	if len(g.barrierWaitSamplesMs) > 256 {
		g.barrierWaitSamplesMs = g.barrierWaitSamplesMs[len(g.barrierWaitSamplesMs)-256:]
	}
	g.statsMu.Unlock()
}

// CalculateRateAdjustment computes the next PI-controlled rate multiplier
// for sinkID given its reported actual sample count so far.
func (g *GlobalClock) CalculateRateAdjustment(sinkID string, now time.Time, actualSamples int64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sinks[sinkID]
	if !ok {
		return 1.0
	}
	elapsed := now.Sub(g.wallT0).Seconds()
	expected := float64(g.rtpTS0) + elapsed*float64(g.masterSampleRate)
	errSamples := expected - float64(actualSamples)
	s.AccumulatedErrorEMA = emaWeightOld*s.AccumulatedErrorEMA + emaWeightNew*errSamples

	adj := 1 + (s.AccumulatedErrorEMA/float64(g.masterSampleRate))*kP
	if adj < 1-maxAdjust {
		adj = 1 - maxAdjust
	} else if adj > 1+maxAdjust {
		adj = 1 + maxAdjust
	}
	s.CurrentRateAdjustment = adj
	s.TotalSamplesOutput = actualSamples
	s.LastReportTime = now
	return adj
}

// Stats snapshots the clock's diagnostic counters.
func (g *GlobalClock) Stats() SyncStats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	var avg float64
	if len(g.barrierWaitSamplesMs) > 0 {
		var sum float64
		for _, v := range g.barrierWaitSamplesMs {
			sum += v
		}
		avg = sum / float64(len(g.barrierWaitSamplesMs))
	}

	g.mu.Lock()
	var maxDriftPPM float64
	for _, s := range g.sinks {
		ppm := s.CurrentRateAdjustment - 1
		if ppm < 0 {
			ppm = -ppm
		}
		ppm *= 1e6
		if ppm > maxDriftPPM {
			maxDriftPPM = ppm
		}
	}
	g.mu.Unlock()

	return SyncStats{
		MaxDriftPPM:          maxDriftPPM,
		AvgBarrierWaitMs:     avg,
		TotalBarrierTimeouts: g.barrierTimeouts,
	}
}

// Coordinator wraps one sink's interaction with a GlobalClock: registration
// on enable/disable, rate adjustment before dispatch, and reporting after.
type Coordinator struct {
	clock     *GlobalClock
	sinkID    string
	enabled   bool
	drained   bool
	mu        sync.Mutex
}

// NewCoordinator builds a per-sink coordinator bound to clock.
func NewCoordinator(clock *GlobalClock, sinkID string) *Coordinator {
	return &Coordinator{clock: clock, sinkID: sinkID}
}

// Enable registers the sink with the clock and marks coordination active.
func (c *Coordinator) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.drained = false
	c.mu.Unlock()
	c.clock.RegisterSink(c.sinkID)
}

// Disable unregisters the sink and marks coordination inactive.
func (c *Coordinator) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	c.clock.UnregisterSink(c.sinkID)
}

// SetDrained marks the sink as drained, so BeginDispatch will skip it.
func (c *Coordinator) SetDrained(drained bool) {
	c.mu.Lock()
	c.drained = drained
	c.mu.Unlock()
}

// BeginDispatch returns false (skip coordination for this tick) if
// coordination is disabled or the sink is drained, or if the shared barrier
// times out waiting on peers; otherwise it returns true once the barrier has
// resolved.
func (c *Coordinator) BeginDispatch(timeout time.Duration) bool {
	c.mu.Lock()
	enabled, drained := c.enabled, c.drained
	c.mu.Unlock()
	if !enabled || drained {
		return false
	}
	return c.clock.WaitForDispatchBarrier(c.sinkID, timeout)
}

// ReportDispatch reports the tick's outcome back to the clock, which
// computes and records the sink's rate adjustment; the adjustment is
// returned to the caller and not applied here.
func (c *Coordinator) ReportDispatch(now time.Time, actualSamples int64) float64 {
	return c.clock.CalculateRateAdjustment(c.sinkID, now, actualSamples)
}
