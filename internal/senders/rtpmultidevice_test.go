package senders

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/netham45/screamrouter/internal/commons"
)

func readOnePacket(t *testing.T, conn *net.UDPConn) rtp.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

// Property #12 / scenario (f): two stereo-pair receivers fed from the same
// 8-channel mix must share one RTP timestamp per tick while advancing their
// own sequence numbers independently.
func TestMultiDeviceRTPSenderSharesTimestampAcrossReceivers(t *testing.T) {
	log, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	listenerA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer listenerA.Close()
	listenerB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer listenerB.Close()

	receivers := []ReceiverChannelPair{
		{Addr: listenerA.LocalAddr().String(), SSRC: 111, Left: 0, Right: 1},
		{Addr: listenerB.LocalAddr().String(), SSRC: 222, Left: 2, Right: 3},
	}
	sender := NewMultiDeviceRTPSender(log, receivers, 8, 16)
	require.NoError(t, sender.Setup(context.Background()))
	defer sender.Close()

	// 8 channels, 16-bit, 2 frames: distinct non-zero content per channel.
	const channels, bitDepth, frames = 8, 16, 2
	frameBytes := channels * (bitDepth / 8)
	payload := make([]byte, frames*frameBytes)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	csrcs := []uint32{99}

	require.NoError(t, sender.SendPayload(payload, csrcs))
	require.NoError(t, sender.SendPayload(payload, csrcs))

	aPkt1 := readOnePacket(t, listenerA)
	bPkt1 := readOnePacket(t, listenerB)
	aPkt2 := readOnePacket(t, listenerA)
	bPkt2 := readOnePacket(t, listenerB)

	require.Equal(t, aPkt1.Timestamp, bPkt1.Timestamp, "tick 1 timestamp must be shared across receivers")
	require.Equal(t, aPkt2.Timestamp, bPkt2.Timestamp, "tick 2 timestamp must be shared across receivers")
	require.Greater(t, aPkt2.Timestamp, aPkt1.Timestamp, "shared timestamp must advance between ticks")

	require.Equal(t, uint16(0), aPkt1.SequenceNumber)
	require.Equal(t, uint16(1), aPkt2.SequenceNumber)
	require.Equal(t, uint16(0), bPkt1.SequenceNumber)
	require.Equal(t, uint16(1), bPkt2.SequenceNumber)

	require.Equal(t, uint32(111), aPkt1.SSRC)
	require.Equal(t, uint32(222), bPkt1.SSRC)
	require.Equal(t, csrcs, []uint32(aPkt1.CSRC))
}
