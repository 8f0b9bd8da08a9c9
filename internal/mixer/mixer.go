// Package mixer implements the per-sink Sink Mixer: the mix-tick loop that
// harvests ready chunks from the Mix Scheduler, saturating-sums them,
// downscales to the sink's output bit depth, and fans the result out to a
// primary sender and any listeners, with an optional adaptive-drain
// feedback loop and stereo side-chain feeding the MP3 queue.
package mixer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netham45/screamrouter/internal/clock"
	"github.com/netham45/screamrouter/internal/commons"
	"github.com/netham45/screamrouter/internal/config"
	"github.com/netham45/screamrouter/internal/processor"
	"github.com/netham45/screamrouter/internal/scheduler"
	"github.com/netham45/screamrouter/internal/senders"
	syncpkg "github.com/netham45/screamrouter/internal/sync"
)

// PlaybackRateScaleFunc delivers a SET_PLAYBACK_RATE_SCALE command to the
// Input Processor owning sourceID, per the adaptive-drain feedback loop.
type PlaybackRateScaleFunc func(sourceID string, rate float64)

// OutputFormat is the sink's emitted PCM shape.
type OutputFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// sourceState tracks per-binding mixer-side accounting across ticks.
type sourceState struct {
	active           bool
	underrunCount    uint64
	backlogEMA       float64
	currentRate      float64
	lastBacklogCheck time.Time
}

// Mixer is one sink's Sink Mixer.
type Mixer struct {
	log commons.Logger

	sinkID     string
	format     OutputFormat
	chunkBytes int

	clockCond *clock.Condition
	sched     *scheduler.Scheduler
	coord     *syncpkg.Coordinator

	tuning config.MixerTuning

	mu            sync.Mutex
	sources       map[string]*sourceState
	primarySender senders.Sender
	listeners     map[string]senders.ClosableListener

	underrunHoldSince time.Time
	inHold            bool

	stereoPreproc *processor.Processor
	mp3Queue      chan []byte

	setRateScale PlaybackRateScaleFunc

	lastSeq uint64
	stop    chan struct{}
}

// New constructs a Mixer. chunkBytes is the sink's configured payload size
// per tick, supplied by the caller (Audio Manager); the mixer derives
// framesPerChunk from it and the output format.
func New(log commons.Logger, sinkID string, format OutputFormat, chunkBytes int,
	clockCond *clock.Condition, sched *scheduler.Scheduler, coord *syncpkg.Coordinator,
	tuning config.MixerTuning, setRateScale PlaybackRateScaleFunc) *Mixer {
	return &Mixer{
		log: log, sinkID: sinkID, format: format, chunkBytes: chunkBytes,
		clockCond: clockCond, sched: sched, coord: coord, tuning: tuning,
		sources:      make(map[string]*sourceState),
		listeners:    make(map[string]senders.ClosableListener),
		setRateScale: setRateScale,
		mp3Queue:     make(chan []byte, tuning.MP3OutputQueueMaxSize),
		stop:         make(chan struct{}),
	}
}

// SetPrimarySender installs the sink's primary sender.
func (m *Mixer) SetPrimarySender(s senders.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primarySender = s
}

// AddListener registers a listener sender under id.
func (m *Mixer) AddListener(id string, s senders.ClosableListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[id] = s
}

// RemoveListener unregisters and closes a listener without holding the
// listener map lock during Close.
func (m *Mixer) RemoveListener(id string) {
	m.mu.Lock()
	s, ok := m.listeners[id]
	if ok {
		delete(m.listeners, id)
	}
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// EnableStereoSideChain installs a dedicated N->2 preprocessor used to feed
// the MP3 queue. Listeners are not fed from it: emit sends them the same
// full-channel payload as the primary sender.
func (m *Mixer) EnableStereoSideChain(p *processor.Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stereoPreproc = p
}

// framesPerChunk derives the sink's frame count per tick from its configured
// chunk byte size and output format.
func (m *Mixer) framesPerChunk() int {
	bytesPerFrame := (m.format.BitDepth / 8) * m.format.Channels
	if bytesPerFrame <= 0 {
		return 0
	}
	return m.chunkBytes / bytesPerFrame
}

// Stop signals the mix-tick loop and MP3 worker to shut down.
func (m *Mixer) Stop() {
	close(m.stop)
}

// Stats reports a snapshot of this sink's mixer-side counters, for the
// profiler/telemetry reporter (SPEC_FULL EXPANSION #10).
type Stats struct {
	ActiveSources   int
	ListenerCount   int
	UnderrunCount   uint64
	InHold          bool
	HasPrimarySender bool
}

// Stats returns a point-in-time snapshot of the mixer's accounting.
func (m *Mixer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var underruns uint64
	active := 0
	for _, s := range m.sources {
		underruns += s.underrunCount
		if s.active {
			active++
		}
	}
	return Stats{
		ActiveSources:    active,
		ListenerCount:    len(m.listeners),
		UnderrunCount:    underruns,
		InHold:           m.inHold,
		HasPrimarySender: m.primarySender != nil,
	}
}

// RunMP3Worker consumes stereo PCM from the side-chain queue, encoding it
// via encode, and pushes the result to sink via push. It runs until Stop.
func (m *Mixer) RunMP3Worker(encode func(pcm []byte) ([]byte, error), push func(frame []byte)) {
	for {
		select {
		case <-m.stop:
			return
		case pcm := <-m.mp3Queue:
			frame, err := encode(pcm)
			if err != nil {
				m.log.Warnw("mp3 worker: encode failed, dropping frame", "sink", m.sinkID, "error", err)
				continue
			}
			push(frame)
		}
	}
}

// RunLoop drives mix ticks until Stop is called or ctx is done.
func (m *Mixer) RunLoop(ctx context.Context) {
	var lastSeq uint64
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		seq, stopped := m.clockCond.WaitForTick(lastSeq)
		if stopped {
			return
		}
		lastSeq = seq
		m.Tick(time.Now())
	}
}

// Tick runs the full §4.7 per-tick sequence once.
func (m *Mixer) Tick(now time.Time) {
	m.cleanupClosedListeners()

	harvest := m.sched.CollectReadyChunks()

	m.mu.Lock()
	for _, id := range harvest.Drained {
		delete(m.sources, id)
	}
	for id := range harvest.Ready {
		s, ok := m.sources[id]
		if !ok {
			s = &sourceState{currentRate: 1.0}
			m.sources[id] = s
		}
		s.active = true
	}
	var activeIDs []string
	allInactive := true
	for id, s := range m.sources {
		if _, ready := harvest.Ready[id]; !ready {
			s.active = false
			s.underrunCount++
		}
		if s.active {
			allInactive = false
			activeIDs = append(activeIDs, id)
		}
	}
	hasSources := len(m.sources) > 0
	holdSilence := false
	if allInactive && hasSources {
		if !m.inHold {
			m.inHold = true
			m.underrunHoldSince = now
		}
		if now.Sub(m.underrunHoldSince) < time.Duration(m.tuning.UnderrunHoldTimeoutMs)*time.Millisecond {
			holdSilence = true
		}
	} else {
		m.inHold = false
	}
	m.mu.Unlock()

	if holdSilence {
		m.emitSilence()
		return
	}

	dispatched := m.coord != nil && m.coord.BeginDispatch(20*time.Millisecond)

	frames := m.framesPerChunk()
	mixBuf := make([]int32, frames*m.format.Channels)
	ssrcSet := make(map[uint32]struct{})

	for _, id := range activeIDs {
		chunk := harvest.Ready[id]
		mixInto(mixBuf, chunk.PCM, chunk.BitDepth)
		for _, s := range chunk.SSRCs {
			ssrcSet[s] = struct{}{}
		}
	}
	csrcs := sortedSSRCs(ssrcSet)

	if m.tuning.EnableAdaptiveBufferDrain {
		m.adaptiveDrain(now)
	}

	payload := downscaleInt32(mixBuf, m.format.BitDepth)

	m.emit(payload, csrcs)
	m.runStereoSideChain(payload)

	if dispatched {
		m.coord.ReportDispatch(now, int64(frames))
	}
}

func (m *Mixer) emitSilence() {
	frames := m.framesPerChunk()
	payload := make([]byte, frames*m.format.Channels*(m.format.BitDepth/8))
	m.emit(payload, nil)
}

func (m *Mixer) emit(payload []byte, csrcs []uint32) {
	m.mu.Lock()
	primary := m.primarySender
	listeners := make([]senders.Sender, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for off := 0; off < len(payload); off += m.chunkBytes {
		end := off + m.chunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[off:end]
		if primary != nil {
			if err := primary.SendPayload(slice, csrcs); err != nil {
				m.log.Warnw("sink mixer: primary sender failed", "sink", m.sinkID, "error", err)
			}
		}
		for _, l := range listeners {
			_ = l.SendPayload(slice, csrcs)
		}
	}
}

func (m *Mixer) cleanupClosedListeners() {
	m.mu.Lock()
	toRemove := make([]string, 0)
	for id, l := range m.listeners {
		if l.IsClosed() {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(m.listeners, id)
	}
	m.mu.Unlock()
}

func (m *Mixer) runStereoSideChain(mixedPayload []byte) {
	m.mu.Lock()
	preproc := m.stereoPreproc
	m.mu.Unlock()
	if preproc == nil {
		return
	}
	chunk, err := preproc.Process(processor.Format{SampleRate: m.format.SampleRate, Channels: m.format.Channels, BitDepth: m.format.BitDepth}, m.sinkID, mixedPayload)
	if err != nil || chunk == nil {
		return
	}
	select {
	case m.mp3Queue <- chunk.PCM:
	default:
		// Drop oldest: pull one and retry once.
		select {
		case <-m.mp3Queue:
		default:
		}
		select {
		case m.mp3Queue <- chunk.PCM:
		default:
		}
	}
}

// adaptiveDrain implements §4.7 step 7: per-source EMA backlog, urgency
// derived from excess over target, clamped speedup, pushed only on change.
func (m *Mixer) adaptiveDrain(now time.Time) {
	interval := time.Duration(m.tuning.BufferMeasurementInterval) * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sources {
		if !s.lastBacklogCheck.IsZero() && now.Sub(s.lastBacklogCheck) < interval {
			continue
		}
		s.lastBacklogCheck = now

		stats, ok := m.sched.SourceStats(id)
		if !ok {
			continue
		}
		backlog := float64(stats.Received-stats.Popped) * 1000.0 / float64(m.format.SampleRate) * float64(m.framesPerChunk())
		alpha := 1 - m.tuning.DrainSmoothingFactor
		s.backlogEMA = (1-alpha)*s.backlogEMA + alpha*backlog

		excess := s.backlogEMA - m.tuning.TargetBufferLevelMs
		urgency := excess / 100.0
		if urgency < 0 {
			urgency = 0
		} else if urgency > 1 {
			urgency = 1
		}
		newRate := 1 + urgency*m.tuning.DrainRateMsPerSec/1000.0
		if newRate > m.tuning.MaxSpeedupFactor {
			newRate = m.tuning.MaxSpeedupFactor
		}
		if s.backlogEMA <= m.tuning.TargetBufferLevelMs+m.tuning.BufferToleranceMs {
			newRate = 1.0
		}

		if abs(newRate-s.currentRate) > 1e-4 {
			s.currentRate = newRate
			if m.setRateScale != nil {
				m.setRateScale(id, newRate)
			}
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// mixInto saturating-sums one source's downscaled PCM (at bitDepth) into
// mixBuf, which is indexed in int32 frame/channel units.
func mixInto(mixBuf []int32, pcm []byte, bitDepth int) {
	bytesPerSample := bitDepth / 8
	if bytesPerSample <= 0 {
		return
	}
	n := len(pcm) / bytesPerSample
	if n > len(mixBuf) {
		n = len(mixBuf)
	}
	for i := 0; i < n; i++ {
		sample := sampleToInt32(pcm[i*bytesPerSample:(i+1)*bytesPerSample], bitDepth)
		sum := int64(mixBuf[i]) + int64(sample)
		mixBuf[i] = saturateInt32(sum)
	}
}

func sampleToInt32(b []byte, bitDepth int) int32 {
	switch bitDepth {
	case 16:
		v := int16(uint16(b[0]) | uint16(b[1])<<8)
		return int32(v) << 16
	case 24:
		raw := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		if raw&0x800000 != 0 {
			raw |= 0xFF000000
		}
		return int32(raw) << 8
	case 32:
		return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	}
	return 0
}

func saturateInt32(v int64) int32 {
	if v > int64(1<<31-1) {
		return 1<<31 - 1
	}
	if v < int64(-1<<31) {
		return -1 << 31
	}
	return int32(v)
}

// downscaleInt32 converts left-justified int32 mix samples to little-endian
// PCM at bitDepth, byte-exact with the original downscale_buffer: 16-bit
// takes the high two bytes, 24-bit the high three (middle-justified), 32-bit
// passes all four through.
func downscaleInt32(samples []int32, bitDepth int) []byte {
	bytesPerSample := bitDepth / 8
	out := make([]byte, len(samples)*bytesPerSample)
	for i, v := range samples {
		b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		switch bitDepth {
		case 16:
			out[i*2] = b[2]
			out[i*2+1] = b[3]
		case 24:
			out[i*3] = b[1]
			out[i*3+1] = b[2]
			out[i*3+2] = b[3]
		case 32:
			copy(out[i*4:i*4+4], b[:])
		}
	}
	return out
}

func sortedSSRCs(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
