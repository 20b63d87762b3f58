package jpeg2000

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"runtime"
	"sync"

	"github.com/corej2k/jpeg2000/internal/box"
	"github.com/corej2k/jpeg2000/internal/codestream"
	"github.com/corej2k/jpeg2000/internal/entropy"
	"github.com/corej2k/jpeg2000/internal/mct"
	"github.com/corej2k/jpeg2000/internal/quant"
	"github.com/corej2k/jpeg2000/internal/roi"
	"github.com/corej2k/jpeg2000/internal/tcd"
)

// defaultROIShift is the MAXSHIFT bit-plane shift applied to a
// region-of-interest's coefficients when Options.ROIMask is set but
// Options.ROIShift is left at its zero value.
const defaultROIShift = 8

// defaultGuardBits is the number of extra magnitude bits this encoder
// reserves above a subband's nominal dynamic range (Annex E.1), guarding
// against bit-plane overflow introduced by the wavelet transform and the
// MCT. It is signaled in the QCD/QCC Sqcd/Sqcc byte and must be read back
// identically by the decoder.
const defaultGuardBits = 2

// encoder handles JPEG 2000 encoding.
type encoder struct {
	w       io.Writer
	img     image.Image
	options *Options

	// Image parameters
	width         int
	height        int
	numComponents int
	precision     int
	signed        bool

	// Component data
	componentData [][]int32

	// header mirrors exactly what generateSIZ/generateCOD/generateQCD
	// emit, so the tile encoder builds code-block geometry identical to
	// what a decoder parsing this encoder's own output would build.
	header *codestream.Header

	// roiMask is the region of interest in image-domain coordinates
	// (Options.ROIMask resampled to a roi.Mask), or nil when no region
	// was configured. roiShift is its MAXSHIFT shift value.
	roiMask  roi.Mask
	roiShift int

	// palette holds the source image's color table when the input is
	// indexed (*image.Paletted): the codestream then carries the
	// indices as its single component and the JP2 header carries the
	// table in palette and component mapping boxes.
	palette color.Palette
}

// newEncoder creates a new encoder.
func newEncoder(w io.Writer, img image.Image, options *Options) *encoder {
	bounds := img.Bounds()
	return &encoder{
		w:       w,
		img:     img,
		options: options,
		width:   bounds.Dx(),
		height:  bounds.Dy(),
	}
}

// encode encodes the image.
func (e *encoder) encode() error {
	// Extract image data
	if err := e.extractImageData(); err != nil {
		return fmt.Errorf("extracting image data: %w", err)
	}

	// Palette indices are labels, not magnitudes: quantizing them
	// scrambles the color table lookup, so indexed input always takes
	// the reversible path. The caller's Options are left untouched.
	if e.palette != nil && !e.options.Lossless {
		opts := *e.options
		opts.Lossless = true
		e.options = &opts
	}

	e.buildROIMask()

	e.header = e.buildHeader()
	if err := e.header.Validate(); err != nil {
		return fmt.Errorf("building header: %w", err)
	}

	if e.roiMask != nil {
		if safe := e.minSafeROIShift(); e.roiShift < safe {
			e.roiShift = safe
		}
	}

	// Apply preprocessing
	if err := e.preprocess(); err != nil {
		return fmt.Errorf("preprocessing: %w", err)
	}

	// Generate codestream
	codestream, err := e.generateCodestream()
	if err != nil {
		return fmt.Errorf("generating codestream: %w", err)
	}

	// Write output based on format
	switch e.options.Format {
	case FormatJP2:
		return e.writeJP2(codestream)
	case FormatJ2K:
		_, err := e.w.Write(codestream)
		return err
	default:
		return &ParameterError{Param: "Format", Reason: fmt.Sprintf("unsupported value %s", e.options.Format)}
	}
}

// extractImageData extracts pixel data from the source image.
func (e *encoder) extractImageData() error {
	bounds := e.img.Bounds()

	// Determine image properties based on type
	switch img := e.img.(type) {
	case *image.Gray:
		e.numComponents = 1
		e.precision = 8
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.GrayAt(x, y).Y)
			}
		}

	case *image.Gray16:
		e.numComponents = 1
		e.precision = 16
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.Gray16At(x, y).Y)
			}
		}

	case *image.RGBA:
		e.numComponents = 3 // We'll ignore alpha for now
		e.precision = 8
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.RGBAAt(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
			}
		}

	case *image.RGBA64:
		e.numComponents = 3
		e.precision = 16
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.RGBA64At(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
			}
		}

	case *image.NRGBA:
		e.numComponents = 4
		e.precision = 8
		e.componentData = make([][]int32, 4)
		for c := 0; c < 4; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.NRGBAAt(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
				e.componentData[3][idx] = int32(c.A)
			}
		}

	case *image.Paletted:
		// Indexed input: code the palette indices as a single
		// component and carry the color table in JP2 palette boxes.
		e.numComponents = 1
		e.precision = 8
		e.palette = img.Palette
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.ColorIndexAt(x, y))
			}
		}

	case *image.NRGBA64:
		e.numComponents = 4
		e.precision = 16
		e.componentData = make([][]int32, 4)
		for c := 0; c < 4; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.NRGBA64At(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
				e.componentData[3][idx] = int32(c.A)
			}
		}

	default:
		// Generic fallback - convert to RGBA
		e.numComponents = 3
		e.precision = 8
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				r, g, b, _ := e.img.At(x, y).RGBA()
				e.componentData[0][idx] = int32(r >> 8)
				e.componentData[1][idx] = int32(g >> 8)
				e.componentData[2][idx] = int32(b >> 8)
			}
		}
	}

	// Apply precision override if specified
	if e.options.Precision > 0 && e.options.Precision <= 16 && e.options.Precision != e.precision {
		targetPrecision := e.options.Precision
		srcMax := int32((1 << e.precision) - 1)
		dstMax := int32((1 << targetPrecision) - 1)

		for c := 0; c < e.numComponents; c++ {
			for i := range e.componentData[c] {
				// Scale from source precision to target precision
				e.componentData[c][i] = e.componentData[c][i] * dstMax / srcMax
			}
		}
		e.precision = targetPrecision
	}

	return nil
}

// buildROIMask resamples Options.ROIMask, if set, into a roi.Mask over
// this encoder's image-domain pixel grid: any sample whose luminance
// is non-zero counts as inside the region. Must run after
// extractImageData, since it needs e.width/e.height.
func (e *encoder) buildROIMask() {
	if e.options.ROIMask == nil {
		return
	}

	src := e.options.ROIMask
	bounds := src.Bounds()
	e.roiMask = roi.NewMask(e.width, e.height, func(x, y int) bool {
		gray := color.GrayModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
		return gray.Y > 0
	})

	e.roiShift = e.options.ROIShift
	if e.roiShift <= 0 {
		e.roiShift = defaultROIShift
	}
}

// minSafeROIShift returns the smallest MAXSHIFT shift that guarantees
// the blind threshold reconstruction in roi.UnshiftByThreshold can
// never mistake a background coefficient for a shifted one (Annex
// H.1.3): it must exceed every subband's maximum possible bit-plane
// count across every component, the same bound quant.MaxBitPlanes
// gives each code-block job during entropy coding.
func (e *encoder) minSafeROIShift() int {
	max := 0
	bands := bandSequence(e.header.CodingStyle.NumResolutions())
	for c := 0; c < e.numComponents; c++ {
		precision := e.header.ComponentInfo[c].Precision()
		for _, bandType := range bands {
			gain := quant.GainFor(bandType)
			bp := quant.MaxBitPlanes(precision, gain, defaultGuardBits)
			if bp > max {
				max = bp
			}
		}
	}
	return max
}

// buildHeader constructs the codestream.Header that the tile encoder
// builds its resolution/band/code-block geometry from. Every field set
// here must match what generateSIZ/generateCOD/generateQCD later emit
// into the actual codestream bytes.
func (e *encoder) buildHeader() *codestream.Header {
	numRes := e.options.NumResolutions
	if numRes <= 0 {
		numRes = 6
	}

	cbWidthExp, cbHeightExp := e.codeBlockExponents()

	cbStyle := uint8(0)
	if e.options.EnableBypass {
		cbStyle |= codestream.CodeBlockBypass
	}
	if e.options.EnableResetContexts {
		cbStyle |= codestream.CodeBlockReset
	}
	if e.options.EnableTermAll {
		cbStyle |= codestream.CodeBlockTermination
	}
	if e.options.EnableVertCausal {
		cbStyle |= codestream.CodeBlockVerticalCausal
	}
	if e.options.EnablePredictableTermination {
		cbStyle |= codestream.CodeBlockPredictableTermination
	}
	if e.options.EnableSegmentSymbols {
		cbStyle |= codestream.CodeBlockSegmentationSymbols
	}

	wavelet := uint8(0)
	if e.options.Lossless {
		wavelet = 1
	}

	tileWidth := e.width
	tileHeight := e.height
	if e.options.TileSize.X > 0 {
		tileWidth = e.options.TileSize.X
	}
	if e.options.TileSize.Y > 0 {
		tileHeight = e.options.TileSize.Y
	}

	numLayers := e.options.NumLayers
	if numLayers <= 0 {
		numLayers = 1
	}

	componentInfo := make([]codestream.ComponentInfo, e.numComponents)
	for c := range componentInfo {
		bitDepth := uint8(e.precision - 1)
		if e.signed {
			bitDepth |= 0x80
		}
		componentInfo[c] = codestream.ComponentInfo{
			BitDepth:     bitDepth,
			SubsamplingX: 1,
			SubsamplingY: 1,
		}
	}

	scod := uint8(0)
	if e.options.EnableSOP {
		scod |= codestream.CodingStyleSOP
	}
	if e.options.EnableEPH {
		scod |= codestream.CodingStyleEPH
	}

	mctFlag := uint8(0)
	if e.numComponents >= 3 && !e.options.DisableMCT {
		mctFlag = 1
	}

	h := &codestream.Header{
		ImageWidth:    uint32(e.width) + uint32(e.options.ImageOffset.X),
		ImageHeight:   uint32(e.height) + uint32(e.options.ImageOffset.Y),
		ImageXOffset:  uint32(e.options.ImageOffset.X),
		ImageYOffset:  uint32(e.options.ImageOffset.Y),
		TileWidth:     uint32(tileWidth),
		TileHeight:    uint32(tileHeight),
		TileXOffset:   uint32(e.options.TileOffset.X),
		TileYOffset:   uint32(e.options.TileOffset.Y),
		NumComponents: uint16(e.numComponents),
		ComponentInfo: componentInfo,
		CodingStyle: codestream.CodingStyleDefault{
			CodingStyle:         scod,
			ProgressionOrder:    uint8(e.options.ProgressionOrder),
			NumLayers:           uint16(numLayers),
			MultipleComponentXf: mctFlag,
			NumDecompositions:   uint8(numRes - 1),
			CodeBlockWidthExp:   cbWidthExp,
			CodeBlockHeightExp:  cbHeightExp,
			CodeBlockStyle:      cbStyle,
			WaveletTransform:    wavelet,
		},
		Quantization: codestream.QuantizationDefault{
			NumGuardBits: defaultGuardBits,
		},
		ComponentCodingStyles: map[uint16]codestream.CodingStyleComponent{},
		ComponentQuantization: map[uint16]codestream.QuantizationComponent{},
	}
	h.CalculateDerivedValues()
	return h
}

// codeBlockExponents returns the COD/COC code-block size exponents
// (CodeBlockWidthExp/HeightExp, i.e. log2(size)-2) for the current
// options.
func (e *encoder) codeBlockExponents() (uint8, uint8) {
	cbWidth := e.options.CodeBlockSize.X
	cbHeight := e.options.CodeBlockSize.Y

	if cbWidth <= 0 {
		cbWidth = 6
	}
	if cbHeight <= 0 {
		cbHeight = 6
	}
	return uint8(cbWidth - 2), uint8(cbHeight - 2)
}

// preprocess applies preprocessing transforms shared by every tile: DC
// level shift and the multiple component transform. The wavelet
// transform itself runs per tile (tcd.TileEncoder.ApplyForwardDWT),
// since its coefficient layout is tile-component-local.
func (e *encoder) preprocess() error {
	// Apply DC level shift
	for c := 0; c < e.numComponents; c++ {
		mct.DCLevelShiftForward(e.componentData[c], e.precision)
	}

	// Apply MCT if we have 3+ components and it wasn't disabled
	if e.numComponents >= 3 && !e.options.DisableMCT {
		if e.options.Lossless {
			mct.ForwardRCT(e.componentData[0], e.componentData[1], e.componentData[2])
		} else {
			// Convert to float for ICT
			compFloat := make([][]float64, 3)
			for c := 0; c < 3; c++ {
				compFloat[c] = make([]float64, len(e.componentData[c]))
				for i, v := range e.componentData[c] {
					compFloat[c][i] = float64(v)
				}
			}
			mct.ForwardICT(compFloat[0], compFloat[1], compFloat[2])
			for c := 0; c < 3; c++ {
				for i, v := range compFloat[c] {
					if v >= 0 {
						e.componentData[c][i] = int32(v + 0.5)
					} else {
						e.componentData[c][i] = int32(v - 0.5)
					}
				}
			}
		}
	}

	return nil
}

// generateCodestream generates the JPEG 2000 codestream.
func (e *encoder) generateCodestream() ([]byte, error) {
	var buf []byte

	// SOC marker
	buf = append(buf, 0xFF, 0x4F)

	// SIZ marker
	siz := e.generateSIZ()
	buf = append(buf, siz...)

	// COD marker
	cod := e.generateCOD()
	buf = append(buf, cod...)

	// QCD marker
	qcd := e.generateQCD()
	buf = append(buf, qcd...)

	// Comment marker (optional)
	if e.options.Comment != "" {
		com := e.generateCOM()
		buf = append(buf, com...)
	}

	// RGN marker(s) (optional): one per component, all sharing the same
	// region since Options carries a single mask/shift pair rather than
	// a per-component one.
	if e.roiMask != nil {
		for c := 0; c < e.numComponents; c++ {
			buf = append(buf, e.generateRGN(uint16(c), uint8(e.roiShift))...)
		}
	}

	// Generate tile data
	tileData, tileLengths, err := e.generateTiles()
	if err != nil {
		return nil, err
	}

	// TLM marker (optional): must precede the first tile-part.
	if e.options.EnableTLM {
		buf = append(buf, e.generateTLM(tileLengths)...)
	}

	buf = append(buf, tileData...)

	// EOC marker
	buf = append(buf, 0xFF, 0xD9)

	return buf, nil
}

// generateSIZ generates the SIZ marker segment.
func (e *encoder) generateSIZ() []byte {
	numComp := e.numComponents

	// Length = 38 + 3*numComponents
	length := 38 + 3*numComp

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.SIZ))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	h := e.header

	// Rsiz (profile)
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.options.Profile))

	// Image dimensions and offset
	binary.BigEndian.PutUint32(buf[6:10], h.ImageWidth)
	binary.BigEndian.PutUint32(buf[10:14], h.ImageHeight)
	binary.BigEndian.PutUint32(buf[14:18], h.ImageXOffset)
	binary.BigEndian.PutUint32(buf[18:22], h.ImageYOffset)

	// Tile size and offset
	binary.BigEndian.PutUint32(buf[22:26], h.TileWidth)
	binary.BigEndian.PutUint32(buf[26:30], h.TileHeight)
	binary.BigEndian.PutUint32(buf[30:34], h.TileXOffset)
	binary.BigEndian.PutUint32(buf[34:38], h.TileYOffset)

	// Number of components
	binary.BigEndian.PutUint16(buf[38:40], uint16(numComp))

	// Component info
	for c := 0; c < numComp; c++ {
		offset := 40 + c*3
		buf[offset] = h.ComponentInfo[c].BitDepth
		buf[offset+1] = h.ComponentInfo[c].SubsamplingX
		buf[offset+2] = h.ComponentInfo[c].SubsamplingY
	}

	return buf
}

// generateCOD generates the COD marker segment.
func (e *encoder) generateCOD() []byte {
	cs := e.header.CodingStyle

	// Base length = 12 (without precinct sizes)
	length := 12

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.COD))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	buf[4] = cs.CodingStyle

	// SGcod
	buf[5] = cs.ProgressionOrder
	binary.BigEndian.PutUint16(buf[6:8], cs.NumLayers)
	buf[8] = cs.MultipleComponentXf

	// SPcod
	buf[9] = cs.NumDecompositions
	buf[10] = cs.CodeBlockWidthExp
	buf[11] = cs.CodeBlockHeightExp
	buf[12] = cs.CodeBlockStyle
	buf[13] = cs.WaveletTransform

	return buf
}

// generateQCD generates the QCD marker segment. Lossless encodes signal
// QuantizationNone (no step size, just each subband's nominal dynamic
// range); lossy encodes signal QuantizationScalarExpounded, one
// independent (exponent, mantissa) pair per subband, matching how
// package quant derives and applies per-subband step sizes.
func (e *encoder) generateQCD() []byte {
	bands := bandSequence(e.header.CodingStyle.NumResolutions())

	var buf []byte
	if e.options.Lossless {
		length := 3 + len(bands)
		buf = make([]byte, 2+length)
		binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.QCD))
		binary.BigEndian.PutUint16(buf[2:4], uint16(length))

		buf[4] = codestream.QuantizationNone | (defaultGuardBits << 5)

		for i, bandType := range bands {
			rb := e.precision + quant.GainFor(bandType)
			buf[5+i] = uint8(rb&0x1F) << 3
		}
	} else {
		length := 3 + 2*len(bands)
		buf = make([]byte, 2+length)
		binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.QCD))
		binary.BigEndian.PutUint16(buf[2:4], uint16(length))

		buf[4] = codestream.QuantizationScalarExpounded | (defaultGuardBits << 5)

		for i, bandType := range bands {
			step := quant.StepSizeFor(false, e.options.Quality, quant.GainFor(bandType))
			exp, mantissa := quant.ExponentMantissa(step)
			val := uint16(exp)<<11 | mantissa
			binary.BigEndian.PutUint16(buf[5+2*i:7+2*i], val)
		}
	}

	return buf
}

// bandSequence returns the subband type of each subband in the order a
// QCD/QCC marker's SPqcd field lists them: the LL band of the lowest
// resolution, then HL/LH/HH for each increasing resolution. This is the
// same order buildResolution in package tcd builds Resolution.Bands, so
// index i here corresponds to the i-th band visited when walking a tile
// component's Resolutions in order.
func bandSequence(numRes int) []int {
	bands := []int{entropy.BandLL}
	for r := 1; r < numRes; r++ {
		bands = append(bands, entropy.BandHL, entropy.BandLH, entropy.BandHH)
	}
	return bands
}

// generateCOM generates the COM marker segment.
func (e *encoder) generateCOM() []byte {
	comment := []byte(e.options.Comment)
	length := 4 + len(comment)

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.COM))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], codestream.CommentLatin1)
	copy(buf[6:], comment)

	return buf
}

// generateRGN generates an RGN marker segment for one component,
// signaling the MAXSHIFT style (Srgn=0) and its shift value. Always
// uses a 2-byte component field (Crgn): Parser.readRGN's component
// width check ("length-2 > 2") is true for every valid RGN segment
// regardless of which width was actually used, so a 2-byte field is
// the only one this parser can read back correctly.
func (e *encoder) generateRGN(component uint16, shift uint8) []byte {
	length := 6
	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.RGN))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], component)
	buf[6] = 0 // Srgn: MAXSHIFT
	buf[7] = shift
	return buf
}

// generateTiles generates tile data for every tile in the tile grid,
// along with each tile-part's total length (header + body) in
// codestream order, for an optional TLM marker.
func (e *encoder) generateTiles() ([]byte, []uint32, error) {
	var buf []byte

	numTiles := int(e.header.NumTilesX) * int(e.header.NumTilesY)
	if numTiles == 0 {
		numTiles = 1
	}

	lengths := make([]uint32, numTiles)
	for t := 0; t < numTiles; t++ {
		tileData, err := e.encodeTile(t)
		if err != nil {
			return nil, nil, err
		}
		lengths[t] = uint32(len(tileData))
		buf = append(buf, tileData...)
	}

	return buf, lengths, nil
}

// generateTLM generates a TLM marker segment listing every tile-part's
// total length, using a 2-byte tile index (ST=2) and a 4-byte length
// field (SP=1) so it never overflows regardless of tile count or size.
func (e *encoder) generateTLM(tileLengths []uint32) []byte {
	const tileIndexSize = 2
	const lengthSize = 4
	entrySize := tileIndexSize + lengthSize

	length := 4 + entrySize*len(tileLengths)
	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.TLM))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	buf[4] = 0 // Ztlm: this is the only TLM segment

	st := uint8(2) // ST: 2-byte tile index
	sp := uint8(1) // SP: 4-byte tile-part length
	buf[5] = (st << 4) | (sp << 6)

	offset := 6
	for i, l := range tileLengths {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(i))
		binary.BigEndian.PutUint32(buf[offset+2:offset+6], l)
		offset += entrySize
	}

	return buf
}

// codeBlockJob represents a code-block ready for entropy coding: its
// already-quantized coefficients, plus the band/subband context needed
// to pick zero-bit-plane accounting and the Tier-1 context model.
type codeBlockJob struct {
	cb       *tcd.CodeBlock
	data     []int32
	bandType int
	maxBP    int
}

// encodeTile encodes a single tile: forward DWT per component, scalar
// quantization per subband, parallel Tier-1 entropy coding per
// code-block, PCRD layer allocation, and Tier-2 packet assembly.
func (e *encoder) encodeTile(tileIdx int) ([]byte, error) {
	h := e.header
	te := tcd.NewTileEncoder(h)

	tileX := tileIdx % int(h.NumTilesX)
	tileY := tileIdx / int(h.NumTilesX)
	tx0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	ty0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	tx1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	ty1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))
	tw := tx1 - tx0
	th := ty1 - ty0

	componentData := make([][]int32, e.numComponents)
	for c := 0; c < e.numComponents; c++ {
		buf := make([]int32, tw*th)
		for y := 0; y < th; y++ {
			srcRow := (ty0+y-int(h.ImageYOffset))*e.width + (tx0 - int(h.ImageXOffset))
			copy(buf[y*tw:(y+1)*tw], e.componentData[c][srcRow:srcRow+tw])
		}
		componentData[c] = buf
	}

	te.InitTile(tileIdx, componentData)
	tile := te.Tile()

	var jobs []codeBlockJob
	for _, tc := range tile.Components {
		te.ApplyForwardDWT(tc)

		precision := h.ComponentInfo[tc.Index].Precision()
		for _, res := range tc.Resolutions {
			for _, band := range res.Bands {
				gain := quant.GainFor(band.Type)
				step := 1.0
				if !e.options.Lossless {
					step = quant.StepSizeFor(false, e.options.Quality, gain)
				}
				band.StepSize = step
				q := quant.New(step)
				maxBP := quant.MaxBitPlanes(precision, gain, defaultGuardBits)

				for _, cb := range band.CodeBlocks {
					coeffs := tcd.ExtractBlock(tc, cb)
					quantized := make([]int32, len(coeffs))
					for i, v := range coeffs {
						quantized[i] = q.Forward(v)
					}
					if e.roiMask != nil {
						e.applyROIShift(cb, quantized, res.Level)
					}
					jobs = append(jobs, codeBlockJob{cb: cb, data: quantized, bandType: band.Type, maxBP: maxBP})
				}
			}
		}
	}

	rates := e.runCodeBlockJobs(te, jobs)
	e.allocateLayers(jobs, rates, tw, th)

	packetData, err := e.encodePackets(tile, h)
	if err != nil {
		return nil, err
	}

	return e.createTileHeader(tileIdx, packetData), nil
}

// applyROIShift raises the magnitude of a code-block's quantized
// coefficients that fall inside the configured region of interest,
// ahead of entropy coding. A coefficient at code-block-local (x, y) is
// mapped back to an image-domain pixel by adding the code-block's
// subband-local offset and multiplying by this resolution level's
// downsampling factor (2^(decompositions-level)) — the standard does
// not define an exact coefficient-to-pixel correspondence for detail
// subbands, so this is a nearest-sample approximation, fine for a
// region selector rather than a pixel-exact boundary.
func (e *encoder) applyROIShift(cb *tcd.CodeBlock, quantized []int32, resLevel int) {
	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0
	scale := 1 << (int(e.header.CodingStyle.NumDecompositions) - resLevel)
	xOff := int(e.header.ImageXOffset)
	yOff := int(e.header.ImageYOffset)

	mask := roi.NewMask(width, height, func(x, y int) bool {
		imgX := (cb.X0+x)*scale - xOff
		imgY := (cb.Y0+y)*scale - yOff
		return e.roiMask.Contains(imgX, imgY)
	})
	roi.Shift(quantized, width, height, mask, e.roiShift)
}

// runCodeBlockJobs encodes every code-block, in parallel when there is
// enough work to amortize goroutine overhead.
func (e *encoder) runCodeBlockJobs(te *tcd.TileEncoder, jobs []codeBlockJob) [][]entropy.BitPlaneRate {
	rates := make([][]entropy.BitPlaneRate, len(jobs))

	runJob := func(i int) {
		j := jobs[i]
		rates[i] = te.EncodeCodeBlock(j.cb, j.data, j.bandType, j.maxBP)
	}

	if len(jobs) <= 4 || runtime.GOMAXPROCS(0) == 1 {
		for i := range jobs {
			runJob(i)
		}
		return rates
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	jobChan := make(chan int, len(jobs))
	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobChan {
				runJob(i)
			}
		}()
	}
	wg.Wait()

	return rates
}

// allocateLayers runs PCRD (for lossy tiles) to pick each code-block's
// truncation point and the one layer it is included in. Lossless
// code-blocks that carry coded data keep every coded bit and are
// included in layer 0, since there is nothing to trade off; empty
// code-blocks get numLayers, meaning they are never included.
func (e *encoder) allocateLayers(jobs []codeBlockJob, rates [][]entropy.BitPlaneRate, tw, th int) {
	numLayers := int(e.header.CodingStyle.NumLayers)
	if numLayers <= 0 {
		numLayers = 1
	}

	if e.options.Lossless {
		for _, j := range jobs {
			if len(j.cb.Data) > 0 {
				j.cb.IncludedInLayers = 0
				if len(j.cb.Passes) == 0 {
					j.cb.Passes = make([]tcd.CodingPass, j.cb.TotalBitPlanes)
				}
			} else {
				j.cb.IncludedInLayers = numLayers
			}
		}
		return
	}

	rawBytes := tw * th * e.numComponents * e.precision / 8
	targetBytes := e.targetBytesForQuality(rawBytes)

	finalChosen := tcd.PCRDAllocate(rates, targetBytes)

	// includedAt[i] tracks the earliest layer at which code-block i
	// first receives a nonzero byte allocation. numLayers itself is
	// used as a "never included" sentinel, since cb.IncludedInLayers
	// otherwise defaults to 0 (a valid layer index) for a code-block
	// PCRD never selects.
	includedAt := make([]int, len(jobs))
	for i := range includedAt {
		includedAt[i] = numLayers
	}
	for layer := 0; layer < numLayers-1; layer++ {
		layerTarget := targetBytes * (layer + 1) / numLayers
		chosen := tcd.PCRDAllocate(rates, layerTarget)
		for i, c := range chosen {
			if c.Bytes > 0 && includedAt[i] == numLayers {
				includedAt[i] = layer
			}
		}
	}
	for i, c := range finalChosen {
		if c.Bytes > 0 && includedAt[i] == numLayers {
			includedAt[i] = numLayers - 1
		}
	}

	for i, j := range jobs {
		cb := j.cb

		// Styled code-blocks (explicitly terminated codeword segments)
		// have no truncation candidates and are kept whole.
		if rates[i] == nil && len(cb.Data) > 0 {
			cb.IncludedInLayers = 0
			continue
		}

		chosen := finalChosen[i]
		if chosen.Bytes <= 0 || len(cb.Data) == 0 {
			cb.Data = nil
			cb.IncludedInLayers = numLayers
			continue
		}
		if chosen.Bytes < len(cb.Data) {
			cb.Data = cb.Data[:chosen.Bytes]
		}
		cb.IncludedInLayers = includedAt[i]

		included := cb.TotalBitPlanes - chosen.BitPlane
		if included < 1 {
			included = 1
		}
		cb.Passes = make([]tcd.CodingPass, included)
	}
}

// targetBytesForQuality maps the library's Quality/CompressionRatio
// knobs onto a target byte budget for PCRD, since neither option
// names a byte count directly. Quality takes precedence; in its
// absence an explicit CompressionRatio scales the raw (uncompressed)
// size down. With neither set, there is no rate constraint to enforce
// and every candidate bit-plane is kept.
func (e *encoder) targetBytesForQuality(rawBytes int) int {
	const minTargetBytes = 64

	if e.options.Quality > 0 {
		quality := e.options.Quality
		if quality > 100 {
			quality = 100
		}
		bppFraction := 0.01 + float64(quality)/100.0*0.49
		target := int(float64(rawBytes) * bppFraction)
		if target < minTargetBytes {
			target = minTargetBytes
		}
		return target
	}

	if e.options.CompressionRatio > 1 {
		target := int(float64(rawBytes) / e.options.CompressionRatio)
		if target < minTargetBytes {
			target = minTargetBytes
		}
		return target
	}

	return rawBytes
}

// encodePackets walks every packet in the tile's progression order and
// writes it to a single buffer, which becomes the tile-part body.
func (e *encoder) encodePackets(tile *tcd.Tile, h *codestream.Header) ([]byte, error) {
	numLayers := int(h.CodingStyle.NumLayers)
	if numLayers <= 0 {
		numLayers = 1
	}
	numRes := h.CodingStyle.NumResolutions()

	// Every resolution of every component has exactly one precinct in
	// this codec's whole-resolution precinct layout (buildPrecinct).
	precinctCounts := make([][][]int, e.numComponents)
	for c := range precinctCounts {
		precinctCounts[c] = make([][]int, numRes)
		for r := range precinctCounts[c] {
			precinctCounts[c][r] = []int{1}
		}
	}

	pi := tcd.NewPacketIterator(e.numComponents, numRes, numLayers, precinctCounts, codestream.ProgressionOrder(e.options.ProgressionOrder))

	var packetBuf bytes.Buffer
	pe := tcd.NewPacketEncoder(&packetBuf)
	pe.CodeBlockStyle = h.CodingStyle.CodeBlockStyle

	for {
		pkt, ok := pi.Next()
		if !ok {
			break
		}
		comp := tile.Components[pkt.Component]
		res := comp.Resolutions[pkt.Resolution]
		precinct := res.Precincts[pkt.Precinct]
		if err := pe.EncodePacket(precinct, pkt.Layer, e.options.EnableSOP, e.options.EnableEPH); err != nil {
			return nil, err
		}
	}

	return packetBuf.Bytes(), nil
}

// createTileHeader creates the tile-part header.
func (e *encoder) createTileHeader(tileIdx int, tileData []byte) []byte {
	sotLength := 10
	tilePartLength := uint32(14 + len(tileData))

	header := make([]byte, 14)
	binary.BigEndian.PutUint16(header[0:2], uint16(codestream.SOT))
	binary.BigEndian.PutUint16(header[2:4], uint16(sotLength))
	binary.BigEndian.PutUint16(header[4:6], uint16(tileIdx))
	binary.BigEndian.PutUint32(header[6:10], tilePartLength)
	header[10] = 0 // Tile-part index
	header[11] = 1 // Number of tile-parts
	binary.BigEndian.PutUint16(header[12:14], uint16(codestream.SOD))

	return append(header, tileData...)
}

// writeJP2 writes a JP2 file.
func (e *encoder) writeJP2(codestream []byte) error {
	boxWriter := box.NewWriter(e.w)

	// Write signature
	if err := boxWriter.WriteSignature(); err != nil {
		return err
	}

	// Write file type box
	ftypBox := box.CreateFileTypeBox()
	if err := boxWriter.WriteBox(ftypBox); err != nil {
		return err
	}

	// Determine colorspace from options or default based on components
	var colorspace uint32
	switch e.options.ColorSpace {
	case ColorSpaceBilevel:
		colorspace = box.CSBilevel1
	case ColorSpaceGray:
		colorspace = box.CSGray
	case ColorSpaceSRGB:
		colorspace = box.CSSRGB
	case ColorSpaceSYCC:
		colorspace = box.CSYCbCr1
	case ColorSpaceYCbCr2:
		colorspace = box.CSYCbCr2
	case ColorSpaceYCbCr3:
		colorspace = box.CSYCbCr3
	case ColorSpacePhotoYCC:
		colorspace = box.CSPhotoYCC
	case ColorSpaceCMY:
		colorspace = box.CSCMY
	case ColorSpaceCMYK:
		colorspace = box.CSCMYK
	case ColorSpaceYCCK:
		colorspace = box.CSYCCK
	case ColorSpaceCIELab:
		colorspace = box.CSCIELab
	case ColorSpaceCIEJab:
		colorspace = box.CSCIEJab
	case ColorSpaceESRGB:
		colorspace = box.CSeSRGB
	case ColorSpaceROMMRGB:
		colorspace = box.CSROMMRGB
	case ColorSpaceYPbPr60:
		colorspace = box.CSYPbPr1125
	case ColorSpaceYPbPr50:
		colorspace = box.CSYPbPr1250
	case ColorSpaceEYCC:
		colorspace = box.CSeSYCC
	default:
		// Default based on number of components
		if e.palette != nil {
			// The mapped output channels are RGB regardless of the
			// single index component in the codestream.
			colorspace = box.CSSRGB
		} else if e.numComponents == 1 {
			colorspace = box.CSGray
		} else {
			// 3 or 4 components default to sRGB (4th component is alpha)
			colorspace = box.CSSRGB
		}
	}

	// A 4th component produced from image.NRGBA/NRGBA64 input is always
	// alpha; 1- and 3-component images have no opacity channel.
	alphaComponent := -1
	if e.numComponents == 4 {
		alphaComponent = 3
	}

	// Write JP2 header
	var jp2hBox *box.Box
	if e.palette != nil {
		pal, cmap, alphaChannel := e.paletteBoxes()
		jp2hBox = box.CreateJP2HeaderPalette(
			uint32(e.width),
			uint32(e.height),
			uint16(e.numComponents),
			uint8(e.precision-1),
			colorspace,
			pal,
			cmap,
			alphaChannel,
		)
	} else {
		jp2hBox = box.CreateJP2Header(
			uint32(e.width),
			uint32(e.height),
			uint16(e.numComponents),
			uint8(e.precision-1),
			colorspace,
			alphaComponent,
		)
	}
	if err := boxWriter.WriteBox(jp2hBox); err != nil {
		return err
	}

	// Write vendor metadata boxes between the header and the codestream.
	for _, m := range e.options.UUIDMetadata {
		if err := boxWriter.WriteBox(box.CreateUUIDBox(m.ID, m.Payload)); err != nil {
			return err
		}
	}

	// Write codestream
	jp2cBox := box.CreateCodestreamBox(codestream)
	if err := boxWriter.WriteBox(jp2cBox); err != nil {
		return err
	}

	return nil
}

// paletteBoxes builds the palette and component mapping boxes for an
// indexed encode: one 8-bit column per color channel (RGB, plus an
// opacity column when any table entry is not fully opaque), every
// output channel mapped through the palette from the single index
// component. The returned alpha channel index is -1 for an opaque
// table.
func (e *encoder) paletteBoxes() (*box.PaletteBox, *box.ComponentMapBox, int) {
	hasAlpha := false
	for _, c := range e.palette {
		if color.NRGBAModel.Convert(c).(color.NRGBA).A != 0xFF {
			hasAlpha = true
			break
		}
	}

	cols := 3
	alphaChannel := -1
	if hasAlpha {
		cols = 4
		alphaChannel = 3
	}

	pal := &box.PaletteBox{
		NumEntries:   uint16(len(e.palette)),
		NumColumns:   uint8(cols),
		BitsPerEntry: make([]uint8, cols),
		Entries:      make([][]uint32, len(e.palette)),
	}
	for c := range pal.BitsPerEntry {
		pal.BitsPerEntry[c] = 7 // 8-bit unsigned
	}
	for i, c := range e.palette {
		nrgba := color.NRGBAModel.Convert(c).(color.NRGBA)
		row := []uint32{uint32(nrgba.R), uint32(nrgba.G), uint32(nrgba.B)}
		if hasAlpha {
			row = append(row, uint32(nrgba.A))
		}
		pal.Entries[i] = row
	}

	cmap := &box.ComponentMapBox{Mappings: make([]box.ComponentMapping, cols)}
	for c := 0; c < cols; c++ {
		cmap.Mappings[c] = box.ComponentMapping{
			Component:     0,
			MappingType:   1,
			PaletteColumn: uint8(c),
		}
	}

	return pal, cmap, alphaChannel
}

// Ensure encoder implements required interfaces
var _ color.Model = (*encoder)(nil).colorModel()

func (e *encoder) colorModel() color.Model {
	return nil
}
