// Package quant implements the scalar quantization scheme used between
// the wavelet transform (Tier-1 input) and the entropy coder.
//
// JPEG 2000 quantizes each subband independently with a step size
// derived from the subband's nominal dynamic range, and reconstructs
// a decoded magnitude to the center of its quantization bin rather
// than its lower edge (the Rb/Δb bias from Annex E).
package quant

import "math"

// Gain is the log2 energy gain of a subband relative to the LL band,
// per Annex E.1 Table E.1 of the wavelet transform.
const (
	GainLL = 0
	GainHL = 1
	GainLH = 1
	GainHH = 2
)

// GainFor returns the subband gain for a band type, using the same
// BandLL/BandHL/BandLH/BandHH ordering as package entropy.
func GainFor(bandType int) int {
	switch bandType {
	case 0:
		return GainLL
	case 1:
		return GainHL
	case 2:
		return GainLH
	default:
		return GainHH
	}
}

// NominalRange returns Rb, the nominal dynamic range in bits of a
// subband's samples, given the component's bit depth and the
// subband's gain.
func NominalRange(precision, gain int) int {
	return precision + gain
}

// MaxBitPlanes returns the maximum number of bit-planes a code-block
// in this subband can need, accounting for the guard bits signaled in
// the QCD/QCC marker. This is the value ZeroBitPlanes is measured
// against when a packet header signals how many of a block's leading
// bit-planes are entirely zero.
func MaxBitPlanes(precision, gain, guardBits int) int {
	return NominalRange(precision, gain) + guardBits - 1
}

// StepSizeFor derives a step size for a subband under the library's
// quality/lossless policy. The LL band of a lossless encode always
// uses a step of 1 (the reversible 5-3 transform already produces
// integer coefficients); lossy subbands scale by the subband's gain
// so that high-frequency bands, which carry less visual energy, are
// quantized more coarsely.
func StepSizeFor(lossless bool, quality int, gain int) float64 {
	if lossless {
		return 1
	}
	if quality <= 0 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	base := float64(101-quality) / 25.0
	return base * math.Pow(2, float64(gain))
}

// ExponentMantissa solves for the (exponent, mantissa) pair that the
// QCD/QCC marker's StepSize.Value formula will reconstruct back to
// approximately step. Mantissa is pinned to 0: the 31-bit reference
// exponent leaves more than enough precision for the codec's own
// round-trip needs, and a fixed mantissa keeps the encoder and
// decoder computing the identical floating point value.
func ExponentMantissa(step float64) (exponent uint8, mantissa uint16) {
	if step <= 0 {
		return 31, 0
	}
	e := int(math.Round(31 - math.Log2(step)))
	if e < 0 {
		e = 0
	}
	if e > 31 {
		e = 31
	}
	return uint8(e), 0
}

// StepValue reconstructs the floating point step size a QCD exponent
// and mantissa pair refers to. It mirrors
// codestream.StepSize.Value(): both sides of the codestream must use
// this same formula so that Forward/Inverse always agree.
func StepValue(exponent uint8, mantissa uint16) float64 {
	return (1 + float64(mantissa)/2048.0) * float64(uint64(1)<<(31-exponent))
}

// Quantizer performs forward quantization and inverse (reconstruction)
// dequantization for one subband's step size.
type Quantizer struct {
	Step float64
}

// New returns a Quantizer for the given step size. A non-positive step
// is replaced by 1, and a step of 1 is a no-op, which is always the
// case for the reversible 5-3 transform.
func New(step float64) Quantizer {
	if step <= 0 {
		step = 1
	}
	return Quantizer{Step: step}
}

// Forward quantizes a wavelet coefficient to an integer index.
func (q Quantizer) Forward(v int32) int32 {
	if q.Step == 1 {
		return v
	}
	f := float64(v) / q.Step
	if f >= 0 {
		return int32(f + 0.5)
	}
	return -int32(-f + 0.5)
}

// Inverse reconstructs a wavelet coefficient from a decoded magnitude
// index, applying the Annex E reconstruction bias that places the
// reconstructed value at the center of its quantization bin rather
// than at its edge.
func (q Quantizer) Inverse(v int32) int32 {
	if q.Step == 1 {
		return v
	}
	if v == 0 {
		return 0
	}
	sign := int32(1)
	mag := v
	if v < 0 {
		sign = -1
		mag = -v
	}
	r := (float64(mag) + 0.5) * q.Step
	return sign * int32(r+0.5)
}
