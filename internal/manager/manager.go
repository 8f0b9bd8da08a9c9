// Package manager implements the Audio Manager: the process-wide registry
// that creates Input Processors, wires their queues, starts and stops every
// other component, and routes control commands, reconfiguring bindings on
// the fly (§4.10). It is the single process-wide singleton alongside the
// Clock Manager and Time-Shift Manager it owns (§9 "Global mutable state").
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/clock"
	"github.com/netham45/screamrouter/internal/commons"
	"github.com/netham45/screamrouter/internal/config"
	"github.com/netham45/screamrouter/internal/mixer"
	"github.com/netham45/screamrouter/internal/processor"
	"github.com/netham45/screamrouter/internal/scheduler"
	"github.com/netham45/screamrouter/internal/senders"
	syncpkg "github.com/netham45/screamrouter/internal/sync"
	"github.com/netham45/screamrouter/internal/timeshift"
)

// SourceConfig describes a registered audio source. Receivers (out of
// scope) tag incoming packets with SourceTag; the manager only needs the
// tag to attach cursors and route control commands.
type SourceConfig struct {
	SourceTag string
}

// SinkConfig describes a sink to create. PrimarySender and Listeners are
// constructed by the caller (an external collaborator owns wire-protocol
// specifics); the manager calls Setup() on each at a safe point and wires
// them into a new Mixer.
type SinkConfig struct {
	SinkID     string
	Format     mixer.OutputFormat
	ChunkBytes int

	PrimarySender senders.Sender
	Listeners     map[string]senders.ClosableListener

	// EnableCoordination opts this sink into the Synchronization
	// Coordinator for its sample rate.
	EnableCoordination bool

	// EnableMP3 requests a stereo side-chain preprocessor be installed so an
	// MP3 pipeline can be fed (listeners receive the sink's full mixed
	// payload, not the stereo side-chain output); the encode/push functions
	// themselves are supplied to StartMP3Worker, since the encoder is an
	// external collaborator (§1).
	EnableMP3 bool
}

// BindingConfig parameterizes a new (source, sink) connection.
type BindingConfig struct {
	DelayMs      int64
	TimeshiftSec float64
	Volume       float64
	Layouts      processor.SpeakerLayouts
}

// SourceUpdate carries the mutable per-binding knobs §4.10's update_source
// operation exposes. Each Set* flag gates whether the paired field is
// applied; omitted fields leave the binding's current value untouched.
type SourceUpdate struct {
	SetVolume    bool
	Volume       float64
	SetEQ        bool
	EQ           []float64
	SetEQNorm    bool
	EQNormalize  bool
	SetVolNorm   bool
	VolNormalize bool
	SetDelay     bool
	DelayMs      int64
	SetTimeshift bool
	TimeshiftSec float64
	SetLayouts   bool
	Layouts      processor.SpeakerLayouts
}

type sinkEntry struct {
	cfg    SinkConfig
	mixer  *mixer.Mixer
	sched  *scheduler.Scheduler
	coord  *syncpkg.Coordinator
	cancel context.CancelFunc
}

type bindingKey struct {
	sourceTag string
	sinkID    string
}

type bindingEntry struct {
	proc         *processor.Processor
	cursorHandle uuid.UUID
	cancel       context.CancelFunc
}

// Manager is the process-wide Audio Manager. All operations are safe for
// concurrent, reentrant use under aggressive add/remove/update traffic
// (§4.10 "reentrancy- and deadlock-safe").
type Manager struct {
	log    commons.Logger
	tuning config.EngineConfig

	clocks *clock.Manager
	tsm    *timeshift.Manager

	mu                 sync.Mutex
	sinks              map[string]*sinkEntry
	sources            map[string]SourceConfig
	bindings           map[bindingKey]*bindingEntry
	bindingsByInstance map[string]*bindingEntry

	globalClocksMu sync.Mutex
	globalClocks   map[int]*syncpkg.GlobalClock
	globalClockRef map[int]int
}

// New constructs an empty Audio Manager. tsmBufferSeconds is handed to the
// Time-Shift Manager (timeshift_buffer_seconds, §4.4), whose per-source
// rings hold a fixed packet count that this value does not change.
func New(log commons.Logger, tuning config.EngineConfig, tsmBufferSeconds float64) *Manager {
	return &Manager{
		log:                log,
		tuning:             tuning,
		clocks:             clock.New(log),
		tsm:                timeshift.New(log, tsmBufferSeconds),
		sinks:              make(map[string]*sinkEntry),
		sources:            make(map[string]SourceConfig),
		bindings:           make(map[bindingKey]*bindingEntry),
		bindingsByInstance: make(map[string]*bindingEntry),
		globalClocks:       make(map[int]*syncpkg.GlobalClock),
		globalClockRef:     make(map[int]int),
	}
}

// TSM exposes the Time-Shift Manager so a receiver adaptor can push
// arriving packets directly into it.
func (m *Manager) TSM() *timeshift.Manager { return m.tsm }

// Clocks exposes the Clock Manager, used by hardware-clock senders (e.g.
// ALSA playback) to claim a condition (§4.5).
func (m *Manager) Clocks() *clock.Manager { return m.clocks }

// AddSource registers a source. Re-registering an existing tag overwrites
// its config; it does not disturb any bindings already connected to it.
func (m *Manager) AddSource(cfg SourceConfig) error {
	if cfg.SourceTag == "" {
		return fmt.Errorf("manager: add_source: empty source tag")
	}
	m.mu.Lock()
	m.sources[cfg.SourceTag] = cfg
	m.mu.Unlock()
	return nil
}

// RemoveSource disconnects every binding for sourceTag and forgets it.
func (m *Manager) RemoveSource(sourceTag string) {
	m.mu.Lock()
	var sinkIDs []string
	for k := range m.bindings {
		if k.sourceTag == sourceTag {
			sinkIDs = append(sinkIDs, k.sinkID)
		}
	}
	delete(m.sources, sourceTag)
	m.mu.Unlock()

	for _, sinkID := range sinkIDs {
		m.Disconnect(sourceTag, sinkID)
	}
}

// globalClockFor returns the shared GlobalClock for rate, creating it
// anchored at now if this is the first sink at that rate.
func (m *Manager) globalClockFor(rate int) *syncpkg.GlobalClock {
	m.globalClocksMu.Lock()
	defer m.globalClocksMu.Unlock()
	g, ok := m.globalClocks[rate]
	if !ok {
		g = syncpkg.NewGlobalClock(m.log.With("sync_rate", rate), rate, 0, time.Now())
		m.globalClocks[rate] = g
	}
	m.globalClockRef[rate]++
	return g
}

// releaseGlobalClock drops a sink's reference to rate's GlobalClock,
// destroying it once no coordinated sink at that rate remains — the clock
// must outlive every sink it coordinates (§9 "Cyclic references to avoid").
func (m *Manager) releaseGlobalClock(rate int) {
	m.globalClocksMu.Lock()
	defer m.globalClocksMu.Unlock()
	m.globalClockRef[rate]--
	if m.globalClockRef[rate] <= 0 {
		delete(m.globalClockRef, rate)
		delete(m.globalClocks, rate)
	}
}

// SinkStats returns a point-in-time mixer snapshot for every active sink,
// keyed by sink ID, for the profiler/telemetry reporter (SPEC_FULL EXPANSION
// #10).
func (m *Manager) SinkStats() map[string]mixer.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]mixer.Stats, len(m.sinks))
	for id, entry := range m.sinks {
		out[id] = entry.mixer.Stats()
	}
	return out
}

// SourceStats returns the Mix Scheduler's received/popped/dropped counters
// for every active binding, keyed by "<sourceTag>|<sinkID>".
func (m *Manager) SourceStats() map[string]scheduler.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]scheduler.Stats, len(m.bindingsByInstance))
	for instanceID := range m.bindingsByInstance {
		parts := bindingKeyOf(instanceID)
		sink, ok := m.sinks[parts.sinkID]
		if !ok {
			continue
		}
		if s, ok := sink.sched.SourceStats(instanceID); ok {
			out[instanceID] = s
		}
	}
	return out
}

func bindingKeyOf(instanceID string) bindingKey {
	for i := 0; i < len(instanceID); i++ {
		if instanceID[i] == '|' {
			return bindingKey{sourceTag: instanceID[:i], sinkID: instanceID[i+1:]}
		}
	}
	return bindingKey{}
}

// SyncStats returns the diagnostics for rate's Synchronization Coordinator,
// or false if no sink is currently coordinated at that rate.
func (m *Manager) SyncStats(rate int) (syncpkg.SyncStats, bool) {
	m.globalClocksMu.Lock()
	g, ok := m.globalClocks[rate]
	m.globalClocksMu.Unlock()
	if !ok {
		return syncpkg.SyncStats{}, false
	}
	return g.Stats(), true
}

// AddSink sets up the sink's senders, its Mixer and Mix Scheduler, and
// (optionally) its Synchronization Coordinator, then starts its mix-tick
// loop.
func (m *Manager) AddSink(ctx context.Context, cfg SinkConfig) error {
	if cfg.SinkID == "" {
		return fmt.Errorf("manager: add_sink: empty sink id")
	}
	if !audiotype.IsSupportedBitDepth(cfg.Format.BitDepth) {
		return fmt.Errorf("manager: add_sink %s: unsupported bit depth %d", cfg.SinkID, cfg.Format.BitDepth)
	}

	m.mu.Lock()
	if _, exists := m.sinks[cfg.SinkID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("manager: add_sink: sink %s already exists", cfg.SinkID)
	}
	m.mu.Unlock()

	if cfg.PrimarySender != nil {
		if err := cfg.PrimarySender.Setup(ctx); err != nil {
			return fmt.Errorf("manager: add_sink %s: primary sender setup: %w", cfg.SinkID, err)
		}
	}
	setupListeners(ctx, m.log, cfg.SinkID, cfg.Listeners)

	sinkLog := m.log.With("sink", cfg.SinkID)
	sched := scheduler.New(sinkLog)

	var coord *syncpkg.Coordinator
	if cfg.EnableCoordination {
		coord = syncpkg.NewCoordinator(m.globalClockFor(cfg.Format.SampleRate), cfg.SinkID)
		coord.Enable()
	}

	setRateScale := func(sourceID string, rate float64) {
		m.applyRateScale(sourceID, cfg.SinkID, rate)
	}

	clockCond := m.clocks.Register(clock.Key{Rate: cfg.Format.SampleRate, Channels: cfg.Format.Channels, BitDepth: cfg.Format.BitDepth})
	mx := mixer.New(sinkLog, cfg.SinkID, cfg.Format, cfg.ChunkBytes, clockCond, sched, coord, m.tuning.MixerTuning, setRateScale)

	mx.SetPrimarySender(cfg.PrimarySender)
	for id, l := range cfg.Listeners {
		mx.AddListener(id, l)
	}

	if cfg.EnableMP3 || len(cfg.Listeners) > 0 {
		stereoProc := processor.New(sinkLog.With("role", "stereo-sidechain"),
			processor.Tuning{OversamplingFactor: m.tuning.ProcessorTuning.OversamplingFactor, VolumeSmoothingFactor: 1.0},
			processor.Format{SampleRate: cfg.Format.SampleRate, Channels: 2, BitDepth: cfg.Format.BitDepth},
			processor.SpeakerLayouts{cfg.Format.Channels: {Auto: true}})
		mx.EnableStereoSideChain(stereoProc)
	}

	tickCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.sinks[cfg.SinkID] = &sinkEntry{cfg: cfg, mixer: mx, sched: sched, coord: coord, cancel: cancel}
	m.mu.Unlock()

	go mx.RunLoop(tickCtx)
	return nil
}

// StartMP3Worker launches the sink's MP3 encode goroutine. encode wraps the
// opaque frame encoder (§1's external collaborator); push delivers encoded
// frames onward. No-op target is an error if the sink was never created
// with a stereo side-chain.
func (m *Manager) StartMP3Worker(sinkID string, encode func(pcm []byte) ([]byte, error), push func(frame []byte)) error {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: start_mp3_worker: unknown sink %s", sinkID)
	}
	if !entry.cfg.EnableMP3 && len(entry.cfg.Listeners) == 0 {
		return fmt.Errorf("manager: start_mp3_worker: sink %s has no stereo side-chain", sinkID)
	}
	go entry.mixer.RunMP3Worker(encode, push)
	return nil
}

// RemoveSink detaches every binding targeting sinkID, stops its mixer, and
// closes its senders.
func (m *Manager) RemoveSink(sinkID string) {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sinks, sinkID)
	var sourceTags []string
	for k := range m.bindings {
		if k.sinkID == sinkID {
			sourceTags = append(sourceTags, k.sourceTag)
		}
	}
	m.mu.Unlock()

	for _, tag := range sourceTags {
		m.Disconnect(tag, sinkID)
	}

	entry.cancel()
	entry.mixer.Stop()
	m.clocks.Unregister(clock.Key{Rate: entry.cfg.Format.SampleRate, Channels: entry.cfg.Format.Channels, BitDepth: entry.cfg.Format.BitDepth})

	if entry.coord != nil {
		entry.coord.Disable()
		m.releaseGlobalClock(entry.cfg.Format.SampleRate)
	}

	if entry.cfg.PrimarySender != nil {
		_ = entry.cfg.PrimarySender.Close()
	}
	for _, l := range entry.cfg.Listeners {
		_ = l.Close()
	}
}

// AddListener registers sender under listenerID on sinkID, calling Setup()
// at this safe point — outside any host reentrancy window a caller like a
// WebRTC signaling handler might be running inside (§4.10's deferred-init
// contract).
func (m *Manager) AddListener(ctx context.Context, sinkID, listenerID string, sender senders.ClosableListener) error {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: add_listener: unknown sink %s", sinkID)
	}
	if err := sender.Setup(ctx); err != nil {
		return fmt.Errorf("manager: add_listener %s/%s: setup: %w", sinkID, listenerID, err)
	}
	entry.mixer.AddListener(listenerID, sender)
	return nil
}

// RemoveListener unregisters and closes a sink's listener.
func (m *Manager) RemoveListener(sinkID, listenerID string) {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.mixer.RemoveListener(listenerID)
}

// Connect creates the Input Processor for (sourceTag, sinkID), attaches a
// Time-Shift cursor, attaches it to the sink's Mix Scheduler, and starts
// its draw loop. Exactly one IP exists per binding at any time (§4.10,
// invariant in §3).
func (m *Manager) Connect(ctx context.Context, sourceTag, sinkID string, cfg BindingConfig) error {
	key := bindingKey{sourceTag: sourceTag, sinkID: sinkID}

	m.mu.Lock()
	if _, exists := m.bindings[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("manager: connect: binding (%s,%s) already exists", sourceTag, sinkID)
	}
	sink, ok := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: connect: unknown sink %s", sinkID)
	}

	layouts := cfg.Layouts
	if layouts == nil {
		layouts = processor.SpeakerLayouts{}
	}

	proc := processor.New(m.log.With("source", sourceTag, "sink", sinkID),
		processor.Tuning{
			OversamplingFactor:           m.tuning.ProcessorTuning.OversamplingFactor,
			VolumeSmoothingFactor:        m.tuning.ProcessorTuning.VolumeSmoothingFactor,
			NormalizationTargetRMS:       m.tuning.ProcessorTuning.NormalizationTargetRMS,
			NormalizationAttackSmoothing: m.tuning.ProcessorTuning.NormalizationAttackSmoothing,
			NormalizationDecaySmoothing:  m.tuning.ProcessorTuning.NormalizationDecaySmoothing,
			DCFilterCutoffHz:             m.tuning.ProcessorTuning.DCFilterCutoffHz,
			DitherNoiseShapingFactor:     m.tuning.ProcessorTuning.DitherNoiseShapingFactor,
		},
		processor.Format{SampleRate: sink.cfg.Format.SampleRate, Channels: sink.cfg.Format.Channels, BitDepth: sink.cfg.Format.BitDepth},
		layouts)

	if cfg.Volume > 0 {
		proc.SubmitCommand(processor.Command{Kind: processor.SetVolume, Float: cfg.Volume})
	}

	handle := m.tsm.Attach(sourceTag, timeshift.CursorConfig{DelayMs: cfg.DelayMs, TimeshiftSec: cfg.TimeshiftSec})
	instanceID := bindingInstanceID(sourceTag, sinkID)
	sink.sched.AttachSource(instanceID)

	workerCtx, cancel := context.WithCancel(ctx)

	entry := &bindingEntry{proc: proc, cursorHandle: handle, cancel: cancel}
	m.mu.Lock()
	m.bindings[key] = entry
	m.bindingsByInstance[instanceID] = entry
	m.mu.Unlock()

	go m.runBindingWorker(workerCtx, instanceID, proc, handle, sink.sched, sink.cfg.Format)
	return nil
}

func bindingInstanceID(sourceTag, sinkID string) string {
	return sourceTag + "|" + sinkID
}

// setupListeners brings up every listener concurrently — each Setup() may
// block on its own I/O (e.g. WebRTC ICE gathering) and listeners are
// independent of one another, so there is no reason to serialize add_sink
// behind the slowest one. A listener whose Setup fails is dropped with a
// warning rather than failing the whole sink, matching the single-listener
// behavior this replaces.
func setupListeners(ctx context.Context, log commons.Logger, sinkID string, listeners map[string]senders.ClosableListener) {
	if len(listeners) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	var failedMu sync.Mutex
	var failed []string
	for id, l := range listeners {
		id, l := id, l
		g.Go(func() error {
			if err := l.Setup(gctx); err != nil {
				log.Warnw("add_sink: listener setup failed, continuing without it", "sink", sinkID, "listener", id, "error", err)
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, id := range failed {
		delete(listeners, id)
	}
}

// bindingPollInterval bounds how often a binding worker re-checks its TSM
// cursor when no packet is yet due; the cursor itself is non-blocking, so
// the worker paces its own draw loop.
const bindingPollInterval = 2 * time.Millisecond

// runBindingWorker draws packets from the TSM cursor, runs them through the
// Input Processor in CHUNK_SIZE-bounded steps, and pushes resulting chunks
// into the sink's Mix Scheduler ready queue, until ctx is cancelled.
func (m *Manager) runBindingWorker(ctx context.Context, instanceID string, proc *processor.Processor,
	handle uuid.UUID, sched *scheduler.Scheduler, format mixer.OutputFormat) {

	ticker := time.NewTicker(bindingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sched.DetachSource(instanceID)
			return
		case <-ticker.C:
		}

		cur := m.tsm.Cursor(handle)
		if cur == nil {
			continue
		}
		pkt, ok := cur.NextChunk(time.Now())
		if !ok {
			continue
		}

		in := processor.Format{SampleRate: pkt.SampleRate, Channels: pkt.Channels, BitDepth: pkt.BitDepth}
		for off := 0; off < len(pkt.AudioData); off += audiotype.ChunkSize {
			end := off + audiotype.ChunkSize
			if end > len(pkt.AudioData) {
				end = len(pkt.AudioData)
			}
			chunk, err := proc.Process(in, pkt.SourceTag, pkt.AudioData[off:end])
			if err != nil {
				m.log.Warnw("binding worker: processor error, skipping chunk", "binding", instanceID, "error", err)
				continue
			}
			if chunk == nil {
				continue
			}
			chunk.SSRCs = pkt.SSRCs
			sched.Push(instanceID, *chunk)
		}
	}
}

// Disconnect stops the binding's Input Processor, releases its Time-Shift
// cursor, and detaches it from the sink's Mix Scheduler.
func (m *Manager) Disconnect(sourceTag, sinkID string) {
	key := bindingKey{sourceTag: sourceTag, sinkID: sinkID}

	instanceID := bindingInstanceID(sourceTag, sinkID)

	m.mu.Lock()
	entry, ok := m.bindings[key]
	if ok {
		delete(m.bindings, key)
		delete(m.bindingsByInstance, instanceID)
	}
	sink, sinkOK := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	m.tsm.Detach(entry.cursorHandle)
	if sinkOK {
		sink.sched.DetachSource(bindingInstanceID(sourceTag, sinkID))
	}
}

// UpdateSource applies a control-plane update to an existing binding's
// Input Processor, per §4.10's update_source operation. Unset fields are
// left untouched.
func (m *Manager) UpdateSource(sourceTag, sinkID string, update SourceUpdate) error {
	key := bindingKey{sourceTag: sourceTag, sinkID: sinkID}

	m.mu.Lock()
	entry, ok := m.bindings[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: update_source: no binding (%s,%s)", sourceTag, sinkID)
	}

	if update.SetVolume {
		entry.proc.SubmitCommand(processor.Command{Kind: processor.SetVolume, Float: update.Volume})
	}
	if update.SetEQ {
		entry.proc.SubmitCommand(processor.Command{Kind: processor.SetEQ, EQ: update.EQ})
	}
	if update.SetEQNorm {
		entry.proc.SubmitCommand(processor.Command{Kind: processor.ToggleEQNormalization, Bool: update.EQNormalize})
	}
	if update.SetVolNorm {
		entry.proc.SubmitCommand(processor.Command{Kind: processor.ToggleVolumeNormalization, Bool: update.VolNormalize})
	}
	if update.SetLayouts {
		entry.proc.SubmitCommand(processor.Command{Kind: processor.SetSpeakerLayouts, Layouts: update.Layouts})
	}

	cur := m.tsm.Cursor(entry.cursorHandle)
	if cur == nil {
		return fmt.Errorf("manager: update_source: cursor for (%s,%s) already released", sourceTag, sinkID)
	}
	if update.SetDelay {
		cur.SetDelayMs(update.DelayMs)
	}
	if update.SetTimeshift {
		cur.SetTimeshiftSec(update.TimeshiftSec)
	}
	return nil
}

// applyRateScale delivers a SET_PLAYBACK_RATE_SCALE command from the Sink
// Mixer's adaptive drain loop to the binding's Input Processor. instanceID
// is the scheduler instance ID the mixer tracks backlog under, which the
// manager constructed as "<sourceTag>|<sinkID>" in Connect.
func (m *Manager) applyRateScale(instanceID, _ string, rate float64) {
	m.mu.Lock()
	target, ok := m.bindingsByInstance[instanceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	target.proc.SubmitCommand(processor.Command{Kind: processor.SetPlaybackRateScale, Float: rate})
}

// Shutdown stops every sink and releases every binding, unblocking all
// condition-variable waits so no goroutine is left parked (§5
// "Cancellation").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sinkIDs := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		sinkIDs = append(sinkIDs, id)
	}
	m.mu.Unlock()

	for _, id := range sinkIDs {
		m.RemoveSink(id)
	}
	m.clocks.Shutdown()
}
