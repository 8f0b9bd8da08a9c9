// Package audiotype holds the wire-agnostic PCM types and shared constants
// that flow between every stage of the dataplane: receivers produce
// TaggedAudioPacket, the Input Processor consumes it and produces
// ProcessedAudioChunk, which the scheduler and sink mixer consume.
package audiotype

import "time"

const (
	// ChunkSize is the unit, in bytes, at which Input Processors advance
	// their state machine. Packets larger than a chunk are split by the IP.
	ChunkSize = 1152

	// MaxChannels bounds every fixed-size per-channel array (filters,
	// scratch buffers, speaker-mix matrices).
	MaxChannels = 8

	// EQBands is the number of fixed-frequency peak filters in the
	// per-channel equalizer bank.
	EQBands = 18

	// OversamplingFactor is the default ratio between a sink's nominal
	// output rate and the rate the upsampler/downsampler pair operates at
	// internally, used when no override is configured.
	OversamplingFactor = 2
)

// SupportedBitDepths enumerates the PCM sample widths the pipeline accepts.
var SupportedBitDepths = [...]int{16, 24, 32}

// IsSupportedBitDepth reports whether bitDepth is one of SupportedBitDepths.
func IsSupportedBitDepth(bitDepth int) bool {
	for _, d := range SupportedBitDepths {
		if d == bitDepth {
			return true
		}
	}
	return false
}

// TaggedAudioPacket is the fully-decoded PCM packet a receiver hands to the
// Time-Shift Manager. The core never parses wire formats; every receiver
// normalizes its protocol's framing into this type before ingestion.
type TaggedAudioPacket struct {
	// SourceTag is a stable identifier derived from the wire source (e.g.
	// "<padded-ip><padded-program>" for Scream/Pulse senders, or the raw
	// source IP for RTP).
	SourceTag string

	SampleRate int
	Channels   int
	BitDepth   int

	// Chlayout1/Chlayout2 are opaque 8-bit Scream channel-layout bytes,
	// passed through unmodified for sinks that re-emit the Scream protocol.
	Chlayout1 byte
	Chlayout2 byte

	// AudioData is raw little-endian interleaved PCM.
	AudioData []byte

	// RTPTimestamp is the monotonic frame counter reported by the source,
	// when the wire protocol carries one.
	RTPTimestamp uint32
	HasRTPTimestamp bool

	// ReceivedTime is a steady-clock timestamp assigned by the receiver.
	ReceivedTime time.Time

	// PlaybackRate is the per-source speed multiplier (~1.0 at rest),
	// applied in the Input Processor's resample stage.
	PlaybackRate float64

	// SSRCs holds the originating SSRC first, followed by any CSRCs to
	// propagate when this packet contributes to a mixed sink.
	SSRCs []uint32
}

// BytesPerFrame returns the frame size in bytes for the packet's format.
func (p *TaggedAudioPacket) BytesPerFrame() int {
	return (p.BitDepth / 8) * p.Channels
}

// ProcessedAudioChunk is the fixed-size output of an Input Processor,
// matching its owning sink's (rate, channels, bit_depth). Exactly
// FramesPerChunk × Channels samples.
type ProcessedAudioChunk struct {
	SourceTag     string
	SampleRate    int
	Channels      int
	BitDepth      int
	FramesPerChunk int

	// PCM is interleaved little-endian PCM at BitDepth, already
	// speaker-mixed, equalized, and (optionally) dithered.
	PCM []byte

	// SSRCs mirrors the contributing TaggedAudioPacket's SSRC list, used
	// by the sink mixer to build the deduplicated CSRC union.
	SSRCs []uint32

	// RTPTimestamp, when present, advances the sink's wire timestamp.
	RTPTimestamp    uint32
	HasRTPTimestamp bool
}
