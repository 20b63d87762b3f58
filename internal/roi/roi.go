// Package roi implements the MAXSHIFT region-of-interest method from
// ISO/IEC 15444-1 Annex H: coefficients inside a region are scaled up
// before entropy coding so they occupy bit-planes above every
// background coefficient, letting a decoder reconstruct the region at
// full quality from a truncated codestream before the background
// catches up.
package roi

// Mask reports region-of-interest membership for tile-component
// coordinates. Implementations are chosen by estimated region density
// so a small region over a large tile doesn't cost one bool per pixel,
// and a region covering most of the tile doesn't cost one entry per
// point.
type Mask interface {
	Contains(x, y int) bool
	Width() int
	Height() int
}

// denseDensityThreshold is the region-density fraction below which a
// sparse point-set mask is cheaper than a bit-packed one; above it, the
// bit-packed mask wins. It is a judgment call, not a value derived from
// the specification.
const denseDensityThreshold = 0.20

// NewMask builds the Mask representation best suited to a region
// defined by the predicate `in`, evaluated once per tile-component
// coordinate to both measure density and populate the chosen backing.
func NewMask(width, height int, in func(x, y int) bool) Mask {
	total := width * height
	membership := make([]bool, total)
	count := 0
	for y := 0; y < height; y++ {
		row := y * width
		for x := 0; x < width; x++ {
			if in(x, y) {
				membership[row+x] = true
				count++
			}
		}
	}

	if total == 0 {
		return &DenseMask{width: width, height: height}
	}

	density := float64(count) / float64(total)
	if density < denseDensityThreshold {
		return newSparseMask(width, height, membership)
	}
	return newBitPackedMask(width, height, membership)
}

// NewRectMask builds a Mask for the common case of a single rectangular
// region, given in tile-component coordinates with x1/y1 exclusive.
func NewRectMask(width, height, x0, y0, x1, y1 int) Mask {
	return NewMask(width, height, func(x, y int) bool {
		return x >= x0 && x < x1 && y >= y0 && y < y1
	})
}

// DenseMask stores one bool per coordinate. Used only for degenerate
// (empty) masks; NewMask otherwise always picks BitPackedMask or
// SparseMask.
type DenseMask struct {
	width, height int
	bits          []bool
}

func (m *DenseMask) Contains(x, y int) bool {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return false
	}
	if len(m.bits) == 0 {
		return false
	}
	return m.bits[y*m.width+x]
}
func (m *DenseMask) Width() int  { return m.width }
func (m *DenseMask) Height() int { return m.height }

// BitPackedMask stores membership as one bit per coordinate, packed
// into 64-bit words. Appropriate when the region covers a large
// fraction of the tile-component.
type BitPackedMask struct {
	width, height int
	words         []uint64
}

func newBitPackedMask(width, height int, membership []bool) *BitPackedMask {
	m := &BitPackedMask{
		width:  width,
		height: height,
		words:  make([]uint64, (width*height+63)/64),
	}
	for i, in := range membership {
		if in {
			m.words[i/64] |= 1 << uint(i%64)
		}
	}
	return m
}

func (m *BitPackedMask) Contains(x, y int) bool {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return false
	}
	i := y*m.width + x
	return m.words[i/64]&(1<<uint(i%64)) != 0
}
func (m *BitPackedMask) Width() int  { return m.width }
func (m *BitPackedMask) Height() int { return m.height }

// SparseMask stores membership as a set of coordinate indices.
// Appropriate when the region covers a small fraction of the
// tile-component, since a map entry per point is cheaper than a bit
// per background pixel.
type SparseMask struct {
	width, height int
	points        map[int]struct{}
}

func newSparseMask(width, height int, membership []bool) *SparseMask {
	m := &SparseMask{width: width, height: height, points: make(map[int]struct{})}
	for i, in := range membership {
		if in {
			m.points[i] = struct{}{}
		}
	}
	return m
}

func (m *SparseMask) Contains(x, y int) bool {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return false
	}
	_, ok := m.points[y*m.width+x]
	return ok
}
func (m *SparseMask) Width() int  { return m.width }
func (m *SparseMask) Height() int { return m.height }

// Shift raises the magnitude of every coefficient inside mask by shift
// bits, preserving sign. Applied before entropy coding, this is what
// makes MAXSHIFT work: a background coefficient's highest possible bit
// after quantization is bounded by the subband's bit-depth, so shifting
// every ROI coefficient above that bound guarantees the decoder can
// always tell ROI bit-planes from background ones by comparing against
// shift, without transmitting the mask itself.
func Shift(coeffs []int32, width, height int, mask Mask, shift int) {
	if shift <= 0 {
		return
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !mask.Contains(x, y) {
				continue
			}
			idx := y*width + x
			coeffs[idx] = shiftMagnitude(coeffs[idx], shift)
		}
	}
}

// Unshift reverses Shift, restoring original ROI coefficient
// magnitudes after dequantization.
func Unshift(coeffs []int32, width, height int, mask Mask, shift int) {
	if shift <= 0 {
		return
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !mask.Contains(x, y) {
				continue
			}
			idx := y*width + x
			coeffs[idx] = unshiftMagnitude(coeffs[idx], shift)
		}
	}
}

// UnshiftByThreshold reverses Shift without access to the original
// mask, using the blind/threshold reconstruction method of Annex
// H.1.3: any coefficient whose magnitude occupies a bit-plane at or
// above shift must have been raised by Shift (a background
// coefficient's quantized magnitude can never reach that high), so it
// is unshifted; everything else is left alone. This is what lets a
// decoder apply MAXSHIFT without the encoder transmitting the region
// mask in the codestream.
func UnshiftByThreshold(coeffs []int32, shift int) {
	if shift <= 0 {
		return
	}
	threshold := int32(1) << uint(shift)
	for i, v := range coeffs {
		mag := v
		if mag < 0 {
			mag = -mag
		}
		if mag >= threshold {
			coeffs[i] = unshiftMagnitude(v, shift)
		}
	}
}

func shiftMagnitude(v int32, shift int) int32 {
	if v < 0 {
		return -((-v) << uint(shift))
	}
	return v << uint(shift)
}

func unshiftMagnitude(v int32, shift int) int32 {
	if v < 0 {
		return -((-v) >> uint(shift))
	}
	return v >> uint(shift)
}
