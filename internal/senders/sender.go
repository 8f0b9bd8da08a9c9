// Package senders implements the sink-side fan-out contract: each sender
// type below satisfies the Sender interface and owns exactly one logical
// destination (a UDP receiver, an RTP peer, a local device, a FIFO, or a
// WebRTC track).
package senders

import "context"

// Sender is the external contract every fan-out destination satisfies.
// setup() may block; send_payload is called from the sink's tick thread and
// must be non-blocking and lossy except where noted on the implementation.
type Sender interface {
	// Setup opens whatever resource (socket, device, peer connection) the
	// sender needs. Idempotent against repeated calls after Close.
	Setup(ctx context.Context) error
	// SendPayload transmits one chunk-sized PCM payload with its
	// contributing CSRC list. Implementations must not block the caller
	// except where explicitly documented (ALSA).
	SendPayload(payload []byte, csrcs []uint32) error
	// Close releases the sender's resources.
	Close() error
}

// ClosableListener is implemented by senders that can transition to
// "closed" asynchronously (e.g. a disconnected WebRTC peer). The sink polls
// IsClosed and removes such listeners without holding the listener map lock
// during Close.
type ClosableListener interface {
	Sender
	IsClosed() bool
}

// isDigitalSilence runs a five-point sample check over payload, used by
// Scream egress to skip sending chunks that carry no audible content.
func isDigitalSilence(payload []byte, bytesPerSample int) bool {
	if len(payload) == 0 || bytesPerSample <= 0 {
		return true
	}
	frames := len(payload) / bytesPerSample
	if frames == 0 {
		return true
	}
	points := []int{0, frames / 4, frames / 2, (3 * frames) / 4, frames - 1}
	for _, f := range points {
		off := f * bytesPerSample
		for i := 0; i < bytesPerSample; i++ {
			if payload[off+i] != 0 {
				return false
			}
		}
	}
	return true
}
