package senders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDigitalSilenceDetectsZeroedPayload(t *testing.T) {
	payload := make([]byte, 64)
	assert.True(t, isDigitalSilence(payload, 4))
}

func TestIsDigitalSilenceDetectsNonZero(t *testing.T) {
	payload := make([]byte, 64)
	payload[32] = 1 // frame 8 of 16: the midpoint the five-point check samples
	assert.False(t, isDigitalSilence(payload, 4))
}

func TestSwapToNetworkOrder16Bit(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	swapToNetworkOrder(buf, 16)
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, buf)
}

func TestSwapToNetworkOrder24Bit(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03}
	swapToNetworkOrder(buf, 24)
	assert.Equal(t, []byte{0x03, 0x02, 0x01}, buf)
}

func TestExtractStereoPairPullsConfiguredChannels(t *testing.T) {
	// 4 channels, 16-bit, 1 frame: ch0=0x0001 ch1=0x0002 ch2=0x0003 ch3=0x0004
	payload := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}
	out := extractStereoPair(payload, 4, 16, 2, 3)
	assert.Equal(t, []byte{0x03, 0x00, 0x04, 0x00}, out)
}

func TestRateByteEncodesMultiplier(t *testing.T) {
	b := rateByte(48000)
	assert.Equal(t, byte(1), b&0x7F)
}

func TestRateByteSetsBase44100FlagOnlyForThatFamily(t *testing.T) {
	assert.NotZero(t, rateByte(44100)&0x80, "44100 is its own base rate")

	// 11025 and 22050 divide 44100 but are not multiples of it, so they fall
	// in the 48000 family, not the 44100 family.
	assert.Zero(t, rateByte(11025)&0x80, "11025 must classify as 48000-base")
	assert.Zero(t, rateByte(22050)&0x80, "22050 must classify as 48000-base")
}
