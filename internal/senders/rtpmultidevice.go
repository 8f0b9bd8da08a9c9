package senders

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/rtp"

	"github.com/netham45/screamrouter/internal/commons"
)

// ReceiverChannelPair names the (left, right) channel indices a single
// multi-device receiver consumes from the sink's interleaved payload.
type ReceiverChannelPair struct {
	Addr  string
	SSRC  uint32
	Left  int
	Right int
}

const mtuBytes = 1400

// MultiDeviceRTPSender fans a single multi-channel mix out to several
// stereo RTP receivers, each consuming a configured channel pair, with a
// single shared RTP timestamp per mix tick across all receivers.
type MultiDeviceRTPSender struct {
	log       commons.Logger
	receivers []ReceiverChannelPair
	bitDepth  int
	channels  int

	conns     []*net.UDPConn
	sequences []uint16
	timestamp uint32
}

// NewMultiDeviceRTPSender constructs a sender for the given receivers.
func NewMultiDeviceRTPSender(log commons.Logger, receivers []ReceiverChannelPair, channels, bitDepth int) *MultiDeviceRTPSender {
	return &MultiDeviceRTPSender{
		log: log, receivers: receivers, channels: channels, bitDepth: bitDepth,
		sequences: make([]uint16, len(receivers)),
	}
}

func (s *MultiDeviceRTPSender) Setup(ctx context.Context) error {
	if s.conns != nil {
		return nil
	}
	conns := make([]*net.UDPConn, len(s.receivers))
	for i, r := range s.receivers {
		udpAddr, err := net.ResolveUDPAddr("udp", r.Addr)
		if err != nil {
			return fmt.Errorf("multi-device rtp sender: resolve %s: %w", r.Addr, err)
		}
		conn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			return fmt.Errorf("multi-device rtp sender: dial %s: %w", r.Addr, err)
		}
		conns[i] = conn
	}
	s.conns = conns
	return nil
}

// extractStereoPair pulls channels left/right out of an interleaved payload
// into a host-order stereo buffer.
func extractStereoPair(payload []byte, channels, bitDepth, left, right int) []byte {
	bytesPerSample := bitDepth / 8
	frameBytes := bytesPerSample * channels
	frames := len(payload) / frameBytes
	out := make([]byte, frames*bytesPerSample*2)
	for f := 0; f < frames; f++ {
		frameOff := f * frameBytes
		copy(out[f*bytesPerSample*2:], payload[frameOff+left*bytesPerSample:frameOff+(left+1)*bytesPerSample])
		copy(out[f*bytesPerSample*2+bytesPerSample:], payload[frameOff+right*bytesPerSample:frameOff+(right+1)*bytesPerSample])
	}
	return out
}

// SendPayload implements the two-phase multi-device algorithm: every
// receiver's stereo buffer is extracted and byte-swapped first (Phase 1),
// then a single shared timestamp is captured and slices are dispatched to
// each receiver in turn (Phase 2), with the marker bit set on the
// slice whose end reaches the end of that receiver's stereo buffer.
func (s *MultiDeviceRTPSender) SendPayload(payload []byte, csrcs []uint32) error {
	if s.conns == nil {
		return fmt.Errorf("multi-device rtp sender: not set up")
	}

	// Phase 1: per-receiver extraction + network byte order conversion.
	stereoBuffers := make([][]byte, len(s.receivers))
	for i, r := range s.receivers {
		buf := extractStereoPair(payload, s.channels, s.bitDepth, r.Left, r.Right)
		swapToNetworkOrder(buf, s.bitDepth)
		stereoBuffers[i] = buf
	}

	// Phase 2: single shared timestamp, then per-slice dispatch.
	sharedTimestamp := s.timestamp
	stereoFrameBytes := (s.bitDepth / 8) * 2
	maxAdvance := uint32(0)

	for i, r := range s.receivers {
		buf := stereoBuffers[i]
		for off := 0; off < len(buf); off += mtuBytes {
			end := off + mtuBytes
			if end > len(buf) {
				end = len(buf)
			}
			// Align slice end to a frame boundary.
			sliceLen := end - off
			sliceLen -= sliceLen % stereoFrameBytes
			if sliceLen == 0 {
				break
			}
			end = off + sliceLen
			marker := end >= len(buf)

			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    PayloadTypeL16,
					Marker:         marker,
					SequenceNumber: s.sequences[i],
					Timestamp:      sharedTimestamp,
					SSRC:           r.SSRC,
					CSRC:           csrcs,
				},
				Payload: buf[off:end],
			}
			wire, err := pkt.Marshal()
			if err == nil {
				if _, werr := s.conns[i].Write(wire); werr != nil {
					s.log.Warnw("multi-device rtp sender: write failed, dropping", "addr", r.Addr, "error", werr)
				}
			}
			s.sequences[i]++
		}
		if uint32(len(buf)/stereoFrameBytes) > maxAdvance {
			maxAdvance = uint32(len(buf) / stereoFrameBytes)
		}
	}
	s.timestamp += maxAdvance
	return nil
}

func (s *MultiDeviceRTPSender) Close() error {
	var firstErr error
	for _, c := range s.conns {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.conns = nil
	return firstErr
}
