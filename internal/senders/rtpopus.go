package senders

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/rtp"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/netham45/screamrouter/internal/commons"
)

// PayloadTypeOpus is the dynamic RTP payload type used for Opus.
const PayloadTypeOpus = 111

// OpusFrameSamples is the number of samples/channel in a 20ms frame at 48kHz.
const OpusFrameSamples = 960

// RTPOpusSender encodes 48kHz PCM through Opus and packetizes 20ms frames.
// channels <= 2 use the standard mapping; NewRTPOpusSender rejects N > 2,
// and multistream encoding is not implemented.
type RTPOpusSender struct {
	log      commons.Logger
	addr     string
	ssrc     uint32
	channels int

	enc *opus.Encoder

	conn      *net.UDPConn
	sequence  uint16
	timestamp uint32
}

// NewRTPOpusSender constructs a mono/stereo Opus sender.
func NewRTPOpusSender(log commons.Logger, addr string, ssrc uint32, channels int) (*RTPOpusSender, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("rtp/opus sender: channels %d requires multistream mapping", channels)
	}
	enc, err := opus.NewEncoder(48000, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("rtp/opus sender: encoder init: %w", err)
	}
	return &RTPOpusSender{log: log, addr: addr, ssrc: ssrc, channels: channels, enc: enc}, nil
}

func (s *RTPOpusSender) Setup(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("rtp/opus sender: resolve %s: %w", s.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("rtp/opus sender: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	return nil
}

// SendPayload accepts one 20ms frame's worth of interleaved int16 PCM
// (encoded as little-endian bytes at 48kHz), encodes it through Opus, and
// sends it as a single RTP packet.
func (s *RTPOpusSender) SendPayload(payload []byte, csrcs []uint32) error {
	if s.conn == nil {
		return fmt.Errorf("rtp/opus sender: not set up")
	}
	pcm := bytesToInt16(payload)
	opusBuf := make([]byte, 4000)
	n, err := s.enc.Encode(pcm, opusBuf)
	if err != nil {
		s.log.Warnw("rtp/opus sender: encode failed, dropping", "error", err)
		return nil
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeOpus,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
			CSRC:           csrcs,
		},
		Payload: opusBuf[:n],
	}
	wire, err := pkt.Marshal()
	if err != nil {
		return nil
	}
	if _, err := s.conn.Write(wire); err != nil {
		s.log.Warnw("rtp/opus sender: write failed, dropping", "addr", s.addr, "error", err)
		return nil
	}
	s.sequence++
	s.timestamp += OpusFrameSamples
	return nil
}

func (s *RTPOpusSender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}
