// Package processor implements the Input Processor: the per-source DSP
// pipeline that turns a source's raw PCM chunks into chunks matching its
// destination sink's (rate, channels, bit depth). One Processor instance is
// created per source→sink binding.
package processor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
	"github.com/netham45/screamrouter/internal/dsp/biquad"
	"github.com/netham45/screamrouter/internal/dsp/resampler"
	"github.com/netham45/screamrouter/internal/speakermix"
)

// EQCenterFrequenciesHz are the 18 fixed peak-filter center frequencies,
// spanning 65.406392 Hz to 20000 Hz.
var EQCenterFrequenciesHz = [audiotype.EQBands]float64{
	65.406392, 92.498606, 130.8127, 184.9971, 261.6256, 369.9944,
	523.2511, 739.9888, 1046.502, 1479.978, 2093.005, 2959.955,
	4186.009, 5919.911, 8372.018, 11839.82, 16744.04, 20000.0,
}

// Tuning holds the processor_tuning.* knobs from §6.
type Tuning struct {
	OversamplingFactor           int
	VolumeSmoothingFactor        float64
	NormalizationTargetRMS       float64
	NormalizationAttackSmoothing float64
	NormalizationDecaySmoothing  float64
	DCFilterCutoffHz             float64
	DitherNoiseShapingFactor     float64
}

// Format describes a PCM stream's rate/channels/bit-depth.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// SpeakerLayouts maps an input channel count to the mixing layout to use
// when a source with that many channels is seen.
type SpeakerLayouts map[int]speakermix.Layout

// Processor is the per-binding Input Processor. All exported methods are
// safe for concurrent use; SubmitCommand is the only mutation path intended
// to be called from a different goroutine than Process.
type Processor struct {
	log    commons.Logger
	tuning Tuning
	output Format

	mu sync.Mutex

	input         Format
	up            *resampler.Resampler
	down          *resampler.Resampler
	filters       [audiotype.MaxChannels][audiotype.EQBands]*biquad.Biquad
	dcFilters     [audiotype.MaxChannels]*biquad.Biquad
	eq            [audiotype.EQBands]float64
	eqNormalize   bool
	volNormalize  bool
	layouts       SpeakerLayouts
	activeLayout  speakermix.Matrix

	currentVol   float64
	targetVol    atomic.Value // float64
	currentGain  float64

	processingRequiredCacheSet bool
	processingRequiredCache    bool

	ditherErr [audiotype.MaxChannels]float64

	commands chan Command

	playbackRateScale atomic.Value // float64
}

// Command is a non-blocking control-plane message consumed by the
// processor between chunks.
type Command struct {
	Kind  CommandKind
	Float float64
	EQ    []float64
	Bool  bool
	Int   int
	Layouts SpeakerLayouts
}

// CommandKind enumerates the asynchronous control operations §4.3 names.
type CommandKind int

const (
	SetVolume CommandKind = iota
	SetEQ
	ToggleVolumeNormalization
	ToggleEQNormalization
	SetSpeakerLayouts
	SetPlaybackRateScale
)

// New constructs a Processor targeting the given output format.
func New(log commons.Logger, tuning Tuning, output Format, layouts SpeakerLayouts) *Processor {
	p := &Processor{
		log:      log,
		tuning:   tuning,
		output:   output,
		layouts:  layouts,
		commands: make(chan Command, 64),
	}
	for i := range p.eq {
		p.eq[i] = 1.0
	}
	p.currentVol = 1.0
	p.targetVol.Store(1.0)
	p.currentGain = 1.0
	p.playbackRateScale.Store(1.0)
	return p
}

// SubmitCommand enqueues a control message without blocking the caller; if
// the command queue is full the command is dropped (matches the MPSC
// non-blocking contract in §4.3).
func (p *Processor) SubmitCommand(c Command) {
	select {
	case p.commands <- c:
	default:
		p.log.Warnw("input processor command queue full, dropping command", "kind", c.Kind)
	}
}

func (p *Processor) drainCommands() {
	for {
		select {
		case c := <-p.commands:
			p.applyCommand(c)
		default:
			return
		}
	}
}

func (p *Processor) applyCommand(c Command) {
	switch c.Kind {
	case SetVolume:
		p.targetVol.Store(c.Float)
	case SetEQ:
		p.mu.Lock()
		n := copy(p.eq[:], c.EQ)
		_ = n
		p.mu.Unlock()
	case ToggleVolumeNormalization:
		p.mu.Lock()
		p.volNormalize = c.Bool
		p.mu.Unlock()
	case ToggleEQNormalization:
		p.mu.Lock()
		p.eqNormalize = c.Bool
		p.mu.Unlock()
	case SetSpeakerLayouts:
		p.mu.Lock()
		p.layouts = c.Layouts
		p.mu.Unlock()
	case SetPlaybackRateScale:
		p.playbackRateScale.Store(c.Float)
	}
}

// Process runs one CHUNK_SIZE-bounded input chunk through the full
// pipeline, producing a ProcessedAudioChunk matching the configured output
// format. It returns (nil, nil) when the input is silently dropped per the
// §4.3 failure semantics: a resampler failure yields no chunk, while an
// invalid bit depth or misaligned data produces a silent chunk instead.
func (p *Processor) Process(in Format, sourceTag string, data []byte) (*audiotype.ProcessedAudioChunk, error) {
	p.drainCommands()

	if !audiotype.IsSupportedBitDepth(in.BitDepth) {
		p.log.Warnw("unsupported bit depth, emitting silence", "source", sourceTag, "bit_depth", in.BitDepth)
		return p.silenceChunk(sourceTag), nil
	}

	p.mu.Lock()
	if in != p.input {
		if err := p.reconfigureLocked(in); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("processor: reconfigure: %w", err)
		}
	}
	bypass := !p.isProcessingRequiredLocked()
	p.mu.Unlock()

	samples, err := scaleToInt32(data, in.BitDepth)
	if err != nil {
		return p.silenceChunk(sourceTag), nil
	}

	f := toFloat64(samples)
	p.applyVolumeAndSoftClip(f)

	rate := p.playbackRateScale.Load().(float64)
	upRatio := (float64(p.output.SampleRate) * float64(p.tuning.OversamplingFactor) * rate) / float64(in.SampleRate)
	p.mu.Lock()
	var upsampled []float64
	switch {
	case bypass || p.up == nil:
		// Identity configuration: skip the sinc resampler entirely instead
		// of routing through a 2x-up/2x-down round trip that is not
		// guaranteed bit-exact even when the external rates match.
		upsampled = f
	default:
		p.up.SetRatio(upRatio)
		upsampled = p.up.Process(f)
	}
	if upsampled == nil {
		p.mu.Unlock()
		return nil, nil
	}

	planar := deinterleave(upsampled, in.Channels)
	mixed := p.mixSpeakersLocked(planar, in.Channels)
	softClip(mixed)
	p.equalizeLocked(mixed)
	p.removeDCLocked(mixed)
	interleaved := interleave(mixed, p.output.Channels)
	p.mu.Unlock()

	downRatio := float64(p.output.SampleRate) / (float64(p.output.SampleRate) * float64(p.tuning.OversamplingFactor) * rate)
	p.mu.Lock()
	var downsampled []float64
	switch {
	case bypass || p.down == nil:
		downsampled = interleaved
	default:
		p.down.SetRatio(downRatio)
		downsampled = p.down.Process(interleaved)
	}
	p.mu.Unlock()
	if downsampled == nil {
		return nil, nil
	}

	if p.tuning.DitherNoiseShapingFactor > 0 {
		p.noiseShapeDither(downsampled, p.output.Channels, p.output.BitDepth)
	}

	pcm, err := downscaleFromFloat64(downsampled, p.output.BitDepth)
	if err != nil {
		return p.silenceChunk(sourceTag), nil
	}

	return &audiotype.ProcessedAudioChunk{
		SourceTag:      sourceTag,
		SampleRate:     p.output.SampleRate,
		Channels:       p.output.Channels,
		BitDepth:       p.output.BitDepth,
		FramesPerChunk: len(pcm) / (p.output.BitDepth / 8) / p.output.Channels,
		PCM:            pcm,
	}, nil
}

func (p *Processor) silenceChunk(sourceTag string) *audiotype.ProcessedAudioChunk {
	frames := audiotype.ChunkSize / (p.output.BitDepth / 8) / p.output.Channels
	if frames <= 0 {
		frames = audiotype.ChunkSize / 2 / p.output.Channels
	}
	return &audiotype.ProcessedAudioChunk{
		SourceTag:      sourceTag,
		SampleRate:     p.output.SampleRate,
		Channels:       p.output.Channels,
		BitDepth:       p.output.BitDepth,
		FramesPerChunk: frames,
		PCM:            make([]byte, frames*p.output.Channels*(p.output.BitDepth/8)),
	}
}

// reconfigureLocked rebuilds resamplers, EQ banks, DC filters, and the
// active speaker mix when the input format changes, flushing (not
// discarding the configuration of) existing filter state.
func (p *Processor) reconfigureLocked(in Format) error {
	p.input = in

	up, err := resampler.New(in.Channels, in.SampleRate, p.output.SampleRate*p.tuning.OversamplingFactor)
	if err != nil {
		return fmt.Errorf("upsampler: %w", err)
	}
	down, err := resampler.New(p.output.Channels, p.output.SampleRate*p.tuning.OversamplingFactor, p.output.SampleRate)
	if err != nil {
		return fmt.Errorf("downsampler: %w", err)
	}
	p.up = up
	p.down = down

	oversampledRate := float64(p.output.SampleRate * p.tuning.OversamplingFactor)
	for ch := 0; ch < audiotype.MaxChannels; ch++ {
		for b := range EQCenterFrequenciesHz {
			fc := EQCenterFrequenciesHz[b] / oversampledRate
			if fc >= 0.499 {
				fc = 0.499
			}
			p.filters[ch][b] = biquad.New(biquad.Peak, fc, 1.0, 0)
		}
		dcFc := p.tuning.DCFilterCutoffHz / oversampledRate
		p.dcFilters[ch] = biquad.New(biquad.HighPass, dcFc, 0.707, 0)
	}

	layout, ok := p.layouts[in.Channels]
	if !ok {
		layout = speakermix.Layout{Auto: true}
	}
	p.activeLayout = speakermix.Resolve(layout, in.Channels, p.output.Channels, func(inCh, outCh int) {
		p.log.Warnw("no explicit speaker mix rule, falling back to identity", "in_channels", inCh, "out_channels", outCh)
	})

	for i := range p.ditherErr {
		p.ditherErr[i] = 0
	}

	// The effective mix changed, so the isProcessingRequired cache must be
	// recomputed; it is intentionally NOT invalidated by volume/EQ/
	// normalization commands between reconfigurations (matches the
	// original's cache-invalidation points).
	p.processingRequiredCacheSet = false
	return nil
}

// isProcessingRequiredLocked reports whether the configured input/output
// pair needs any DSP work at all (rate conversion, volume, remix, EQ).
// Mirrors AudioProcessor::isProcessingRequired()/isProcessingRequiredCheck():
// the result is cached and only recomputed after reconfigureLocked clears
// the cache, so a mid-stream volume or EQ command does not retroactively
// force the resampler back on until the next format change.
func (p *Processor) isProcessingRequiredLocked() bool {
	if !p.processingRequiredCacheSet {
		p.processingRequiredCache = p.checkProcessingRequiredLocked()
		p.processingRequiredCacheSet = true
	}
	return p.processingRequiredCache
}

func (p *Processor) checkProcessingRequiredLocked() bool {
	if p.input.SampleRate != p.output.SampleRate {
		return true
	}
	if p.targetVol.Load().(float64) != 1.0 {
		return true
	}
	if p.input.Channels != p.output.Channels {
		return true
	}
	if p.input.Channels > audiotype.MaxChannels || p.output.Channels > audiotype.MaxChannels {
		return true
	}
	for i := 0; i < p.input.Channels; i++ {
		for j := 0; j < p.output.Channels; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if p.activeLayout[i][j] != want {
				return true
			}
		}
	}
	for _, g := range p.eq {
		if g != 1.0 {
			return true
		}
	}
	return false
}

// applyVolumeAndSoftClip mirrors AudioProcessor::volumeAdjust(): under
// normalization, a single RMS is computed once over the whole chunk and
// turned into one fixed gain target for that chunk; only the gain chase
// toward that target (attack or decay smoothing, chosen once per chunk by
// comparing the target against the running current_gain_) and the
// independent volume chase run per sample. There is no second, continuously
// decaying RMS estimate — recomputing the target every sample is not in the
// original and spec.md §9 says not to invent a smoother behavior here.
func (p *Processor) applyVolumeAndSoftClip(samples []float64) {
	smoothing := p.tuning.VolumeSmoothingFactor
	if smoothing <= 0 {
		smoothing = 0.01
	}
	target := p.targetVol.Load().(float64)

	p.mu.Lock()
	normalize := p.volNormalize
	targetRMS := p.tuning.NormalizationTargetRMS
	attack := p.tuning.NormalizationAttackSmoothing
	decay := p.tuning.NormalizationDecaySmoothing
	currentVol := p.currentVol
	currentGain := p.currentGain
	p.mu.Unlock()

	gain := 1.0
	if normalize && len(samples) > 0 {
		var sumSquares float64
		for _, x := range samples {
			sumSquares += x * x
		}
		rms := math.Sqrt(sumSquares / float64(len(samples)))
		if rms > 0 {
			gain = targetRMS / rms
		}
	}

	for i, x := range samples {
		if normalize {
			sm := decay
			if gain > currentGain {
				sm = attack
			}
			currentGain += (gain - currentGain) * sm
			currentVol += (target - currentVol) * smoothing
			out := x * currentVol * currentGain
			samples[i] = softClipSample(out)
		} else {
			currentVol += (target - currentVol) * smoothing
			out := x * currentVol
			samples[i] = softClipSample(out)
		}
	}

	p.mu.Lock()
	p.currentVol = currentVol
	p.currentGain = currentGain
	p.mu.Unlock()
}

func softClipSample(x float64) float64 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return x - (x*x*x)/3
}

func softClip(buf [][]float64) {
	for _, ch := range buf {
		for i, x := range ch {
			ch[i] = softClipSample(x)
		}
	}
}

func (p *Processor) mixSpeakersLocked(planar [][]float64, inputChannels int) [][]float64 {
	frames := 0
	if len(planar) > 0 {
		frames = len(planar[0])
	}
	interleavedIn := make([]float64, frames*inputChannels)
	for ch := 0; ch < inputChannels; ch++ {
		for f := 0; f < frames; f++ {
			interleavedIn[f*inputChannels+ch] = planar[ch][f]
		}
	}
	interleavedOut := make([]float64, frames*p.output.Channels)
	speakermix.Apply(p.activeLayout, interleavedIn, inputChannels, p.output.Channels, interleavedOut)
	return deinterleave(interleavedOut, p.output.Channels)
}

func (p *Processor) equalizeLocked(planar [][]float64) {
	maxGain := 1.0
	if p.eqNormalize {
		for _, g := range p.eq {
			if g > maxGain {
				maxGain = g
			}
		}
	}
	for ch := 0; ch < p.output.Channels && ch < audiotype.MaxChannels; ch++ {
		for b, g := range p.eq {
			if g == 1.0 {
				continue
			}
			gainDB := 10.0 * (g - 1.0)
			if p.eqNormalize {
				gainDB = 10.0 * (g/maxGain - 1.0)
			}
			p.filters[ch][b].SetPeakGain(gainDB)
			p.filters[ch][b].ProcessBlock(planar[ch])
		}
	}
}

func (p *Processor) removeDCLocked(planar [][]float64) {
	if p.tuning.DCFilterCutoffHz <= 0 {
		return
	}
	for ch := 0; ch < p.output.Channels && ch < audiotype.MaxChannels; ch++ {
		p.dcFilters[ch].ProcessBlock(planar[ch])
	}
}

// noiseShapeDither applies first-order noise-shaped TPDF dither with a
// process-lifetime error-feedback accumulator per channel.
func (p *Processor) noiseShapeDither(interleaved []float64, channels, bitDepth int) {
	amplitude := 1.0 / math.Pow(2, float64(bitDepth-1))
	shaping := p.tuning.DitherNoiseShapingFactor
	if shaping < 0 {
		shaping = 0
	} else if shaping > 1 {
		shaping = 1
	}
	frames := len(interleaved) / channels
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels && ch < audiotype.MaxChannels; ch++ {
			idx := f*channels + ch
			shaped := interleaved[idx] + shaping*p.ditherErr[ch]
			dither := (rnd() + rnd() - 1.0) * amplitude
			quantized := shaped + dither
			if quantized > 1 {
				quantized = 1
			} else if quantized < -1 {
				quantized = -1
			}
			p.ditherErr[ch] = shaped - quantized
			interleaved[idx] = quantized
		}
	}
}

// rnd is a process-wide uniform [0,1) source for dither. Its xorshift state
// is shared by every Processor, whose binding workers run on separate
// goroutines, so each draw is serialized by rndMu.
var (
	rndMu    sync.Mutex
	rndState uint64 = 0x9e3779b97f4a7c15
)

func rnd() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	rndState ^= rndState << 13
	rndState ^= rndState >> 7
	rndState ^= rndState << 17
	return float64(rndState>>11) / float64(1<<53)
}
