package senders

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/rtp"

	"github.com/netham45/screamrouter/internal/commons"
)

// PayloadTypeL16 is the dynamic RTP payload type used for L16/48000/N.
const PayloadTypeL16 = 127

// RTPL16Sender emits standard RTP packets carrying network-byte-order PCM.
type RTPL16Sender struct {
	log      commons.Logger
	addr     string
	ssrc     uint32
	channels int
	bitDepth int

	conn      *net.UDPConn
	sequence  uint16
	timestamp uint32
}

// NewRTPL16Sender constructs a sender targeting addr, tagged with ssrc.
func NewRTPL16Sender(log commons.Logger, addr string, ssrc uint32, channels, bitDepth int) *RTPL16Sender {
	return &RTPL16Sender{log: log, addr: addr, ssrc: ssrc, channels: channels, bitDepth: bitDepth}
}

func (s *RTPL16Sender) Setup(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("rtp/l16 sender: resolve %s: %w", s.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("rtp/l16 sender: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	return nil
}

// swapToNetworkOrder converts little-endian interleaved PCM to big-endian
// in place, per sample width.
func swapToNetworkOrder(payload []byte, bitDepth int) {
	switch bitDepth {
	case 16:
		for i := 0; i+1 < len(payload); i += 2 {
			payload[i], payload[i+1] = payload[i+1], payload[i]
		}
	case 24:
		for i := 0; i+2 < len(payload); i += 3 {
			payload[i], payload[i+2] = payload[i+2], payload[i]
		}
	case 32:
		for i := 0; i+3 < len(payload); i += 4 {
			payload[i], payload[i+3] = payload[i+3], payload[i]
			payload[i+1], payload[i+2] = payload[i+2], payload[i+1]
		}
	}
}

func (s *RTPL16Sender) SendPayload(payload []byte, csrcs []uint32) error {
	if s.conn == nil {
		return fmt.Errorf("rtp/l16 sender: not set up")
	}
	netOrder := make([]byte, len(payload))
	copy(netOrder, payload)
	swapToNetworkOrder(netOrder, s.bitDepth)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeL16,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
			CSRC:           csrcs,
		},
		Payload: netOrder,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil
	}
	if _, err := s.conn.Write(buf); err != nil {
		s.log.Warnw("rtp/l16 sender: write failed, dropping", "addr", s.addr, "error", err)
		return nil
	}
	s.sequence++
	bytesPerFrame := (s.bitDepth / 8) * s.channels
	if bytesPerFrame > 0 {
		s.timestamp += uint32(len(payload) / bytesPerFrame)
	}
	return nil
}

func (s *RTPL16Sender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
