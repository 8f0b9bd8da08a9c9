// Package speakermix builds the per-channel mixing matrices the Input
// Processor uses to fold an input channel layout into a sink's output
// layout. Auto-mode matrices reproduce the original audio engine's
// downmix/upmix coefficient table; callers may also supply a custom matrix
// for any input channel count.
package speakermix

import "github.com/netham45/screamrouter/internal/audiotype"

// Layout names the channel counts the auto-mode table has explicit rules
// for. Any other channel count falls back to an identity mapping.
const (
	Mono    = 1
	Stereo  = 2
	Quad    = 4
	Surround51 = 6
	Surround71 = 8
)

// Matrix is a fixed-size [input][output] gain table; only the
// [0:inputChannels][0:outputChannels] region is meaningful.
type Matrix [audiotype.MaxChannels][audiotype.MaxChannels]float64

// Layout pairs an auto-mode flag with an explicit matrix, mirroring the
// original CppSpeakerLayout contract: when Auto is set, Custom is ignored and
// BuildAuto supplies the coefficients for the input's channel count.
type Layout struct {
	Auto   bool
	Custom Matrix
}

// Resolve returns the effective mixing matrix for a binding with the given
// input/output channel counts, given its configured Layout. onFallback, if
// non-nil, is invoked when an auto-mode pair has no table entry and the
// identity fallback is used (callers pass a logging hook here).
func Resolve(l Layout, inputChannels, outputChannels int, onFallback func(in, out int)) Matrix {
	if !l.Auto {
		return l.Custom
	}
	return BuildAuto(inputChannels, outputChannels, onFallback)
}

// BuildAuto derives a mixing matrix for the given (inputChannels,
// outputChannels) pair from the fixed downmix/upmix rule table. Pairs absent
// from the table fall back to an identity mapping over
// min(inputChannels, outputChannels), with onFallback invoked when non-nil.
func BuildAuto(in, out int, onFallback func(in, out int)) Matrix {
	var m Matrix
	switch in {
	case Mono:
		// Mono -> all: broadcast the single channel unattenuated.
		for oc := 0; oc < out && oc < audiotype.MaxChannels; oc++ {
			m[0][oc] = 1.0
		}
	case Stereo:
		switch out {
		case Mono:
			m[0][0] = 0.5
			m[1][0] = 0.5
		case Stereo:
			m[0][0] = 1.0
			m[1][1] = 1.0
		case Quad:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[0][2] = 1.0
			m[1][3] = 1.0
		case Surround51:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[0][2] = 0.5
			m[1][2] = 0.5
			m[0][4] = 1.0
			m[1][5] = 1.0
		case Surround71:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[0][2] = 0.5
			m[1][2] = 0.5
			m[0][4] = 1.0
			m[1][5] = 1.0
			m[0][6] = 1.0
			m[1][7] = 1.0
		default:
			return fallback(in, out, onFallback)
		}
	case Quad:
		switch out {
		case Mono:
			m[0][0] = 0.25
			m[1][0] = 0.25
			m[2][0] = 0.25
			m[3][0] = 0.25
		case Stereo:
			m[0][0] = 0.5
			m[1][1] = 0.5
			m[2][0] = 0.5
			m[3][1] = 0.5
		case Quad:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[2][2] = 1.0
			m[3][3] = 1.0
		case Surround51:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[0][2] = 0.5
			m[1][2] = 0.5
			m[0][3] = 0.25
			m[1][3] = 0.25
			m[2][3] = 0.25
			m[3][3] = 0.25
			m[2][4] = 1.0
			m[3][5] = 1.0
		case Surround71:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[0][2] = 0.5
			m[1][2] = 0.5
			m[0][3] = 0.25
			m[1][3] = 0.25
			m[2][3] = 0.25
			m[3][3] = 0.25
			m[2][4] = 1.0
			m[3][5] = 1.0
			m[0][6] = 0.5
			m[1][7] = 0.5
			m[2][6] = 0.5
			m[3][7] = 0.5
		default:
			return fallback(in, out, onFallback)
		}
	case Surround51:
		switch out {
		case Mono:
			m[0][0] = 0.2
			m[1][0] = 0.2
			m[2][0] = 0.2
			m[4][0] = 0.2
			m[5][0] = 0.2
		case Stereo:
			m[0][0] = 0.33
			m[1][1] = 0.33
			m[2][0] = 0.33
			m[2][1] = 0.33
			m[4][0] = 0.33
			m[5][1] = 0.33
		case Quad:
			m[0][0] = 0.66
			m[1][1] = 0.66
			m[2][0] = 0.33
			m[2][1] = 0.33
			m[4][2] = 1.0
			m[5][3] = 1.0
		case Surround51:
			identity(&m, 6)
		case Surround71:
			m[0][0] = 1.0
			m[1][1] = 1.0
			m[2][2] = 1.0
			m[3][3] = 1.0
			m[4][4] = 1.0
			m[5][5] = 1.0
			m[0][6] = 0.5
			m[1][7] = 0.5
			m[4][6] = 0.5
			m[5][7] = 0.5
		default:
			return fallback(in, out, onFallback)
		}
	case Surround71:
		switch out {
		case Mono:
			const eighth = 1.0 / 7.0
			m[0][0] = eighth
			m[1][0] = eighth
			m[2][0] = eighth
			m[4][0] = eighth
			m[5][0] = eighth
			m[6][0] = eighth
			m[7][0] = eighth
		case Stereo:
			m[0][0] = 0.5
			m[1][1] = 0.5
			m[2][0] = 0.25
			m[2][1] = 0.25
			m[4][0] = 0.125
			m[5][1] = 0.125
			m[6][0] = 0.125
			m[7][1] = 0.125
		case Quad:
			m[0][0] = 0.5
			m[1][1] = 0.5
			m[2][0] = 0.25
			m[2][1] = 0.25
			m[4][2] = 0.66
			m[5][3] = 0.66
			m[6][0] = 0.25
			m[7][1] = 0.25
			m[6][2] = 0.33
			m[7][3] = 0.33
		case Surround51:
			m[0][0] = 0.66
			m[1][1] = 0.66
			m[2][2] = 1.0
			m[3][3] = 1.0
			m[4][4] = 0.66
			m[5][5] = 0.66
			m[6][0] = 0.33
			m[7][1] = 0.33
			m[6][4] = 0.33
			m[7][5] = 0.33
		case Surround71:
			identity(&m, 8)
		default:
			return fallback(in, out, onFallback)
		}
	default:
		return fallback(in, out, onFallback)
	}
	return m
}

func fallback(in, out int, onFallback func(in, out int)) Matrix {
	if onFallback != nil {
		onFallback(in, out)
	}
	var m Matrix
	n := in
	if out < n {
		n = out
	}
	identity(&m, n)
	return m
}

func identity(m *Matrix, n int) {
	for i := 0; i < n && i < audiotype.MaxChannels; i++ {
		m[i][i] = 1.0
	}
}

// Apply mixes an interleaved float64 frame of inputChannels down/up to
// outputChannels using matrix, writing into out (which must already be
// sized to len(in)/inputChannels*outputChannels).
func Apply(matrix Matrix, in []float64, inputChannels, outputChannels int, out []float64) {
	frames := len(in) / inputChannels
	for f := 0; f < frames; f++ {
		inBase := f * inputChannels
		outBase := f * outputChannels
		for oc := 0; oc < outputChannels; oc++ {
			var sum float64
			for ic := 0; ic < inputChannels; ic++ {
				sum += in[inBase+ic] * matrix[ic][oc]
			}
			out[outBase+oc] = sum
		}
	}
}
