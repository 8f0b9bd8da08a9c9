package processor

import "fmt"

// scaleToInt32 left-justifies raw little-endian PCM into int32: 16-bit
// samples occupy the high 16 bits, 24-bit the high 24, 32-bit pass through
// directly.
func scaleToInt32(data []byte, bitDepth int) ([]int32, error) {
	bytesPerSample := bitDepth / 8
	if bytesPerSample <= 0 || len(data)%bytesPerSample != 0 {
		return nil, fmt.Errorf("processor: data length %d not aligned to %d-bit samples", len(data), bitDepth)
	}
	n := len(data) / bytesPerSample
	out := make([]int32, n)
	switch bitDepth {
	case 16:
		for i := 0; i < n; i++ {
			v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
			out[i] = int32(v) << 16
		}
	case 24:
		for i := 0; i < n; i++ {
			raw := uint32(data[i*3]) | uint32(data[i*3+1])<<8 | uint32(data[i*3+2])<<16
			if raw&0x800000 != 0 {
				raw |= 0xFF000000
			}
			out[i] = int32(raw) << 8
		}
	case 32:
		for i := 0; i < n; i++ {
			out[i] = int32(uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24)
		}
	default:
		return nil, fmt.Errorf("processor: unsupported bit depth %d", bitDepth)
	}
	return out, nil
}

// toFloat64 normalizes left-justified int32 samples to [-1, 1].
func toFloat64(samples []int32) []float64 {
	out := make([]float64, len(samples))
	const scale = 1.0 / 2147483648.0
	for i, s := range samples {
		out[i] = float64(s) * scale
	}
	return out
}

// downscaleFromFloat64 converts [-1, 1] float samples to little-endian PCM
// at bitDepth, byte-exact with the original engine's downscale_buffer: 16-bit
// takes the high two bytes of the scaled int32, 24-bit takes the high three,
// 32-bit passes all four through.
func downscaleFromFloat64(samples []float64, bitDepth int) ([]byte, error) {
	bytesPerSample := bitDepth / 8
	if bytesPerSample <= 0 {
		return nil, fmt.Errorf("processor: unsupported bit depth %d", bitDepth)
	}
	out := make([]byte, len(samples)*bytesPerSample)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int32(f * 2147483647.0)
		b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		switch bitDepth {
		case 16:
			out[i*2] = b[2]
			out[i*2+1] = b[3]
		case 24:
			out[i*3] = b[1]
			out[i*3+1] = b[2]
			out[i*3+2] = b[3]
		case 32:
			copy(out[i*4:i*4+4], b[:])
		}
	}
	return out, nil
}

// deinterleave splits an interleaved buffer into one slice per channel.
func deinterleave(in []float64, channels int) [][]float64 {
	frames := len(in) / channels
	out := make([][]float64, channels)
	for ch := 0; ch < channels; ch++ {
		out[ch] = make([]float64, frames)
		for f := 0; f < frames; f++ {
			out[ch][f] = in[f*channels+ch]
		}
	}
	return out
}

// interleave merges per-channel slices back into one interleaved buffer.
func interleave(planar [][]float64, channels int) []float64 {
	if len(planar) == 0 {
		return nil
	}
	frames := len(planar[0])
	out := make([]float64, frames*channels)
	for ch := 0; ch < channels && ch < len(planar); ch++ {
		for f := 0; f < frames; f++ {
			out[f*channels+ch] = planar[ch][f]
		}
	}
	return out
}
