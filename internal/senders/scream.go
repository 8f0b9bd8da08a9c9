package senders

import (
	"context"
	"fmt"
	"net"

	"github.com/netham45/screamrouter/internal/commons"
)

// ScreamSender emits raw Scream-protocol UDP datagrams: a 5-byte header
// followed by exactly chunk_size_bytes of little-endian PCM.
type ScreamSender struct {
	log        commons.Logger
	addr       string
	bitDepth   int
	channels   int
	sampleRate int
	chlayout1  byte
	chlayout2  byte

	conn *net.UDPConn
}

// NewScreamSender constructs a sender targeting addr (host:port).
func NewScreamSender(log commons.Logger, addr string, sampleRate, channels, bitDepth int, chlayout1, chlayout2 byte) *ScreamSender {
	return &ScreamSender{
		log: log, addr: addr,
		sampleRate: sampleRate, channels: channels, bitDepth: bitDepth,
		chlayout1: chlayout1, chlayout2: chlayout2,
	}
}

func (s *ScreamSender) Setup(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("scream sender: resolve %s: %w", s.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("scream sender: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	return nil
}

// rateByte packs the Scream header's rate byte: the multiplier in the low
// 7 bits and a base-rate flag (44100 vs 48000 family) in bit 7.
func rateByte(sampleRate int) byte {
	base44100 := sampleRate%44100 == 0
	var multiplier int
	var flag byte
	if base44100 {
		multiplier = 44100 / sampleRate
		flag = 1 << 7
	} else {
		multiplier = 48000 / sampleRate
	}
	return byte(multiplier) | flag
}

func (s *ScreamSender) SendPayload(payload []byte, _ []uint32) error {
	if s.conn == nil {
		return fmt.Errorf("scream sender: not set up")
	}
	bytesPerSample := s.bitDepth / 8
	if isDigitalSilence(payload, bytesPerSample*s.channels) {
		return nil
	}
	header := [5]byte{rateByte(s.sampleRate), byte(s.bitDepth), byte(s.channels), s.chlayout1, s.chlayout2}
	packet := make([]byte, 0, 5+len(payload))
	packet = append(packet, header[:]...)
	packet = append(packet, payload...)
	_, err := s.conn.Write(packet)
	if err != nil {
		// Senders are lossy by contract; log and drop rather than propagate.
		s.log.Warnw("scream sender: write failed, dropping", "addr", s.addr, "error", err)
		return nil
	}
	return nil
}

func (s *ScreamSender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
