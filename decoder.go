package jpeg2000

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/corej2k/jpeg2000/internal/box"
	"github.com/corej2k/jpeg2000/internal/codestream"
	"github.com/corej2k/jpeg2000/internal/mct"
	"github.com/corej2k/jpeg2000/internal/quant"
	"github.com/corej2k/jpeg2000/internal/roi"
	"github.com/corej2k/jpeg2000/internal/tcd"
)

// decoder handles JPEG 2000 decoding.
type decoder struct {
	r          *bufio.Reader
	format     Format
	header     *codestream.Header
	jp2Header  *box.JP2Header
	codestream []byte
	parser     *codestream.Parser

	// uuidMetadata collects the payloads of 'uuid' boxes encountered
	// before the codestream, in file order.
	uuidMetadata []UUIDMetadata
}

// newDecoder creates a new decoder.
func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r: bufio.NewReader(r),
	}
}

// decode decodes the image.
func (d *decoder) decode(cfg *Config) (image.Image, error) {
	// Detect format and read headers
	if err := d.readFormat(); err != nil {
		return nil, fmt.Errorf("reading format: %w", err)
	}

	// Parse codestream header
	if err := d.parseCodestream(); err != nil {
		return nil, fmt.Errorf("parsing codestream: %w", err)
	}

	// Decode tiles
	img, err := d.decodeTiles(cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding tiles: %w", err)
	}

	return img, nil
}

// readMetadata reads only the metadata without decoding.
func (d *decoder) readMetadata() (*Metadata, error) {
	if err := d.readFormat(); err != nil {
		return nil, err
	}

	if err := d.parseCodestream(); err != nil {
		return nil, err
	}

	h := d.header
	m := &Metadata{
		Format:           d.format,
		Width:            int(h.ImageWidth - h.ImageXOffset),
		Height:           int(h.ImageHeight - h.ImageYOffset),
		NumComponents:    int(h.NumComponents),
		BitsPerComponent: make([]int, h.NumComponents),
		Signed:           make([]bool, h.NumComponents),
		Profile:          Profile(h.Profile),
		NumResolutions:   int(h.CodingStyle.NumDecompositions) + 1,
		NumQualityLayers: int(h.CodingStyle.NumLayers),
		TileWidth:        int(h.TileWidth),
		TileHeight:       int(h.TileHeight),
		NumTilesX:        int(h.NumTilesX),
		NumTilesY:        int(h.NumTilesY),
		Comment:          h.Comment,
		ColorSpace:       ColorSpaceUnspecified, // Default for J2K without JP2 container
		AlphaComponent:   -1,
		UUIDMetadata:     d.uuidMetadata,
	}

	if d.jp2Header != nil {
		m.HasPalette = d.jp2Header.Palette != nil && d.jp2Header.ComponentMap != nil
		if d.jp2Header.ChannelDef != nil {
			for _, def := range d.jp2Header.ChannelDef.Definitions {
				if def.Type == box.ChannelTypeOpacity || def.Type == box.ChannelTypePremultipliedOpacity {
					m.AlphaComponent = int(def.Channel)
					break
				}
			}
		}
	}

	for i, c := range h.ComponentInfo {
		m.BitsPerComponent[i] = c.Precision()
		m.Signed[i] = c.IsSigned()
	}

	// Get color space from JP2 header if available
	if d.jp2Header != nil && d.jp2Header.ColorSpec != nil {
		switch d.jp2Header.ColorSpec.EnumeratedColorspace {
		case box.CSBilevel1, box.CSBilevel2:
			m.ColorSpace = ColorSpaceBilevel
		case box.CSGray:
			m.ColorSpace = ColorSpaceGray
		case box.CSSRGB:
			m.ColorSpace = ColorSpaceSRGB
		case box.CSYCbCr1, box.CSsYCC:
			m.ColorSpace = ColorSpaceSYCC
		case box.CSYCbCr2:
			m.ColorSpace = ColorSpaceYCbCr2
		case box.CSYCbCr3:
			m.ColorSpace = ColorSpaceYCbCr3
		case box.CSPhotoYCC:
			m.ColorSpace = ColorSpacePhotoYCC
		case box.CSCMY:
			m.ColorSpace = ColorSpaceCMY
		case box.CSCMYK:
			m.ColorSpace = ColorSpaceCMYK
		case box.CSYCCK:
			m.ColorSpace = ColorSpaceYCCK
		case box.CSCIELab:
			m.ColorSpace = ColorSpaceCIELab
		case box.CSCIEJab:
			m.ColorSpace = ColorSpaceCIEJab
		case box.CSeSRGB:
			m.ColorSpace = ColorSpaceESRGB
		case box.CSROMMRGB:
			m.ColorSpace = ColorSpaceROMMRGB
		case box.CSYPbPr1125:
			m.ColorSpace = ColorSpaceYPbPr60
		case box.CSYPbPr1250:
			m.ColorSpace = ColorSpaceYPbPr50
		case box.CSeSYCC:
			m.ColorSpace = ColorSpaceEYCC
		default:
			// Unknown enumcs value - not supported
			m.ColorSpace = ColorSpaceUnknown
		}
		m.ICCProfile = d.jp2Header.ColorSpec.ICCProfile
	}

	return m, nil
}

// getColorSpace returns the ColorSpace from the JP2 header.
func (d *decoder) getColorSpace() ColorSpace {
	if d.jp2Header == nil || d.jp2Header.ColorSpec == nil {
		return ColorSpaceUnspecified
	}

	switch d.jp2Header.ColorSpec.EnumeratedColorspace {
	case box.CSBilevel1, box.CSBilevel2:
		return ColorSpaceBilevel
	case box.CSGray:
		return ColorSpaceGray
	case box.CSSRGB:
		return ColorSpaceSRGB
	case box.CSYCbCr1, box.CSsYCC:
		return ColorSpaceSYCC
	case box.CSYCbCr2:
		return ColorSpaceYCbCr2
	case box.CSYCbCr3:
		return ColorSpaceYCbCr3
	case box.CSPhotoYCC:
		return ColorSpacePhotoYCC
	case box.CSCMY:
		return ColorSpaceCMY
	case box.CSCMYK:
		return ColorSpaceCMYK
	case box.CSYCCK:
		return ColorSpaceYCCK
	case box.CSCIELab:
		return ColorSpaceCIELab
	case box.CSCIEJab:
		return ColorSpaceCIEJab
	case box.CSeSRGB:
		return ColorSpaceESRGB
	case box.CSROMMRGB:
		return ColorSpaceROMMRGB
	case box.CSYPbPr1125:
		return ColorSpaceYPbPr60
	case box.CSYPbPr1250:
		return ColorSpaceYPbPr50
	case box.CSeSYCC:
		return ColorSpaceEYCC
	default:
		return ColorSpaceUnknown
	}
}

// readFormat detects the file format and reads file-level structures.
func (d *decoder) readFormat() error {
	// Peek at first bytes to detect format
	magic, err := d.r.Peek(12)
	if err != nil {
		return err
	}

	// Check for JP2 signature
	if len(magic) >= 12 &&
		magic[0] == 0x00 && magic[1] == 0x00 && magic[2] == 0x00 && magic[3] == 0x0C &&
		magic[4] == 'j' && magic[5] == 'P' && magic[6] == ' ' && magic[7] == ' ' {
		d.format = FormatJP2
		return d.readJP2()
	}

	// Check for J2K codestream (SOC marker)
	if len(magic) >= 2 && magic[0] == 0xFF && magic[1] == 0x4F {
		d.format = FormatJ2K
		return d.readJ2K()
	}

	return &FormatError{Reason: "unrecognized file format"}
}

// readJP2 reads a JP2 file.
func (d *decoder) readJP2() error {
	boxReader := box.NewReader(d.r)

	for {
		b, err := boxReader.ReadBox()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch b.Type {
		case box.TypeJP2Signature:
			// Verify signature
			if len(b.Contents) < 4 ||
				b.Contents[0] != 0x0D || b.Contents[1] != 0x0A ||
				b.Contents[2] != 0x87 || b.Contents[3] != 0x0A {
				return &FormatError{Reason: "invalid JP2 signature"}
			}

		case box.TypeFileType:
			// Parse file type box
			ftyp := &box.FileTypeBox{}
			if err := ftyp.Parse(b.Contents); err != nil {
				return err
			}

		case box.TypeJP2Header:
			// Parse JP2 header
			var err error
			d.jp2Header, err = box.ParseJP2Header(b.Contents)
			if err != nil {
				return err
			}

		case box.TypeUUID:
			ub := &box.UUIDBox{}
			if err := ub.Parse(b.Contents); err != nil {
				return err
			}
			d.uuidMetadata = append(d.uuidMetadata, UUIDMetadata{
				ID:      [16]byte(ub.ID),
				Payload: ub.Payload,
			})

		case box.TypeContCodestream:
			// Store codestream for later parsing
			d.codestream = b.Contents
			return nil
		}
	}

	if d.codestream == nil {
		return &FormatError{Reason: "no codestream found in JP2 file"}
	}
	return nil
}

// readJ2K reads a raw J2K codestream.
func (d *decoder) readJ2K() error {
	// Read entire codestream
	data, err := io.ReadAll(d.r)
	if err != nil {
		return err
	}
	d.codestream = data
	return nil
}

// parseCodestream parses the codestream header.
func (d *decoder) parseCodestream() error {
	if d.codestream == nil {
		return fmt.Errorf("no codestream available")
	}

	d.parser = codestream.NewParser(&byteReader{data: d.codestream})
	header, err := d.parser.ReadHeader()
	if err != nil {
		return err
	}
	d.header = header
	return nil
}

// decodeTiles decodes all tiles and assembles the output image.
func (d *decoder) decodeTiles(cfg *Config) (image.Image, error) {
	h := d.header

	// Calculate output dimensions
	width := int(h.ImageWidth - h.ImageXOffset)
	height := int(h.ImageHeight - h.ImageYOffset)

	if cfg != nil && cfg.ReduceResolution > 0 {
		// Reduce resolution, never below the coarsest level actually
		// present in the codestream.
		reduce := cfg.ReduceResolution
		if numRes := h.CodingStyle.NumResolutions(); reduce > numRes-1 {
			reduce = numRes - 1
		}
		for i := 0; i < reduce; i++ {
			width = (width + 1) / 2
			height = (height + 1) / 2
		}
	}

	// Create output image based on number of components
	numComp := int(h.NumComponents)
	if numComp == 0 || len(h.ComponentInfo) == 0 {
		return nil, fmt.Errorf("invalid image: no components")
	}
	precision := h.ComponentInfo[0].Precision()
	signed := h.ComponentInfo[0].IsSigned()

	// Allocate component data
	componentData := make([][]int32, numComp)
	for c := 0; c < numComp; c++ {
		componentData[c] = make([]int32, width*height)
	}

	// Decode each tile-part in turn. The main header leaves the parser
	// positioned right before the first SOT (or EOC, for an empty
	// codestream); AtEOC reports which.
	tileDecoder := tcd.NewTileDecoder(h)

	budget := -1
	if cfg != nil && cfg.MaxBytes > 0 {
		budget = cfg.MaxBytes
	}
	consumed := 0

	for {
		atEOC, err := d.parser.AtEOC()
		if err != nil {
			return nil, fmt.Errorf("scanning for tile part: %w", err)
		}
		if atEOC {
			break
		}

		if budget >= 0 && consumed >= budget {
			if cfg.Report != nil {
				cfg.Report.TruncatedByBudget = true
			}
			break
		}

		tph, err := d.parser.ReadTilePartHeader()
		if err != nil {
			return nil, fmt.Errorf("reading tile-part header: %w", err)
		}

		// This decoder's own encoder never emits additional marker
		// segments inside a tile-part (no COD/QCD/POC/PPT overrides),
		// so the tile-part header is always exactly 14 bytes (2+10
		// SOT bytes + 2 SOD bytes) and the remaining TilePartLength
		// bytes are the packet data.
		dataLen := int(tph.TilePartLength) - 14
		if dataLen < 0 {
			dataLen = 0
		}
		tileData, err := d.parser.ReadTileData(dataLen)
		if err != nil {
			return nil, fmt.Errorf("reading tile-part %d data: %w", tph.TileIndex, err)
		}

		tileBudget := -1
		if budget >= 0 {
			tileBudget = budget - consumed
		}
		consumed += len(tileData)

		if err := d.decodeTile(tileDecoder, int(tph.TileIndex), tileData, componentData, width, height, cfg, tileBudget); err != nil {
			return nil, fmt.Errorf("decoding tile %d: %w", tph.TileIndex, err)
		}
	}

	d.applyPostTransforms(componentData, precision)

	if expanded, n, p, ok := d.expandPalette(componentData); ok {
		componentData, numComp, precision = expanded, n, p
	}

	// Create output image
	return d.createImage(componentData, width, height, numComp, precision, signed)
}

// expandPalette applies the JP2 palette and component mapping boxes:
// each mapped output channel is either a codestream component passed
// through directly or a palette column looked up by the component's
// sample values (ISO/IEC 15444-1 §I.5.3.4-5). Returns the expanded
// channels, their count, and the output precision; ok is false when
// the file has no palette to apply.
func (d *decoder) expandPalette(componentData [][]int32) ([][]int32, int, int, bool) {
	if d.jp2Header == nil || d.jp2Header.Palette == nil || d.jp2Header.ComponentMap == nil {
		return nil, 0, 0, false
	}
	pal := d.jp2Header.Palette
	mappings := d.jp2Header.ComponentMap.Mappings
	if len(mappings) == 0 || len(pal.Entries) == 0 {
		return nil, 0, 0, false
	}

	out := make([][]int32, len(mappings))
	maxBits := 0
	for ch, m := range mappings {
		if int(m.Component) >= len(componentData) {
			return nil, 0, 0, false
		}
		src := componentData[m.Component]
		dst := make([]int32, len(src))

		if m.MappingType == 1 {
			col := int(m.PaletteColumn)
			if col >= int(pal.NumColumns) {
				return nil, 0, 0, false
			}
			bits := int(pal.BitsPerEntry[col]&0x7F) + 1
			if bits > maxBits {
				maxBits = bits
			}
			last := int(pal.NumEntries) - 1
			for i, v := range src {
				idx := int(v)
				if idx < 0 {
					idx = 0
				}
				if idx > last {
					idx = last
				}
				dst[i] = int32(pal.Entries[idx][col])
			}
		} else {
			copy(dst, src)
			if int(m.Component) < len(d.header.ComponentInfo) {
				if bits := d.header.ComponentInfo[m.Component].Precision(); bits > maxBits {
					maxBits = bits
				}
			}
		}
		out[ch] = dst
	}

	if maxBits == 0 {
		maxBits = 8
	}
	return out, len(out), maxBits, true
}

// applyPostTransforms undoes the component-level transforms applied at
// encode time, in reverse order: the multiple component transform, the
// DC level shift, and any JP2-signaled color space conversion.
func (d *decoder) applyPostTransforms(componentData [][]int32, precision int) {
	h := d.header
	numComp := int(h.NumComponents)

	// Apply inverse MCT if needed
	if h.CodingStyle.MultipleComponentXf != 0 && numComp >= 3 {
		if h.CodingStyle.IsReversible() {
			mct.InverseRCT(componentData[0], componentData[1], componentData[2])
		} else {
			// Convert to float for ICT
			compFloat := make([][]float64, 3)
			for c := 0; c < 3; c++ {
				compFloat[c] = make([]float64, len(componentData[c]))
				for i, v := range componentData[c] {
					compFloat[c][i] = float64(v)
				}
			}
			mct.InverseICT(compFloat[0], compFloat[1], compFloat[2])
			for c := 0; c < 3; c++ {
				for i, v := range compFloat[c] {
					componentData[c][i] = int32(v + 0.5)
				}
			}
		}
	}

	// Apply DC level shift
	for c := 0; c < numComp; c++ {
		if !h.ComponentInfo[c].IsSigned() {
			mct.DCLevelShiftInverse(componentData[c], h.ComponentInfo[c].Precision())
		}
	}

	// Apply color space conversion if needed
	if d.jp2Header != nil && d.jp2Header.ColorSpec != nil {
		cs := d.getColorSpace()
		if conv := getColorConversion(cs); conv != nil {
			conv(componentData, precision)
		}
	}
}

// decodeTile decodes a single tile-part's packet data: Tier-2 packet
// parsing per precinct/layer, Tier-1 code-block decoding, dequantization,
// and the inverse wavelet transform, then copies the reconstructed
// samples into the image-wide component buffers.
func (d *decoder) decodeTile(
	tileDecoder *tcd.TileDecoder,
	tileIdx int,
	tileData []byte,
	componentData [][]int32,
	imgWidth, imgHeight int,
	cfg *Config,
	byteBudget int,
) error {
	h := d.header

	tileDecoder.InitTile(tileIdx)
	tile := tileDecoder.Tile()
	if tile == nil {
		return fmt.Errorf("tile %d not initialized", tileIdx)
	}

	numComp := int(h.NumComponents)
	numRes := h.CodingStyle.NumResolutions()

	reduce := 0
	if cfg != nil && cfg.ReduceResolution > 0 {
		reduce = cfg.ReduceResolution
		if reduce > numRes-1 {
			reduce = numRes - 1
		}
	}
	maxResLevel := numRes - 1 - reduce

	numLayers := int(h.CodingStyle.NumLayers)
	if numLayers <= 0 {
		numLayers = 1
	}
	if cfg != nil && cfg.QualityLayers > 0 && cfg.QualityLayers < numLayers {
		numLayers = cfg.QualityLayers
	}

	// Every resolution of every component has exactly one precinct,
	// matching the encoder's whole-resolution precinct layout.
	precinctCounts := make([][][]int, numComp)
	for c := range precinctCounts {
		precinctCounts[c] = make([][]int, numRes)
		for r := range precinctCounts[c] {
			precinctCounts[c][r] = []int{1}
		}
	}

	sop := h.CodingStyle.CodingStyle&codestream.CodingStyleSOP != 0
	eph := h.CodingStyle.CodingStyle&codestream.CodingStyleEPH != 0

	pi := tcd.NewPacketIterator(numComp, numRes, numLayers, precinctCounts, codestream.ProgressionOrder(h.CodingStyle.ProgressionOrder))
	pd := tcd.NewPacketDecoder(tileData)
	pd.CodeBlockStyle = h.CodingStyle.CodeBlockStyle

	for {
		pkt, ok := pi.Next()
		if !ok {
			break
		}
		if byteBudget >= 0 && pd.Position() >= byteBudget {
			if cfg != nil && cfg.Report != nil {
				cfg.Report.TruncatedByBudget = true
			}
			break
		}
		comp := tile.Components[pkt.Component]
		res := comp.Resolutions[pkt.Resolution]
		precinct := res.Precincts[pkt.Precinct]
		if err := pd.DecodePacket(precinct, pkt.Layer, sop, eph); err != nil {
			return fmt.Errorf("decoding packet (component=%d resolution=%d layer=%d): %w",
				pkt.Component, pkt.Resolution, pkt.Layer, err)
		}
	}

	for c, tc := range tile.Components {
		if tc == nil || c >= len(componentData) {
			continue
		}

		precision := h.ComponentInfo[tc.Index].Precision()
		style, guardBits, steps := componentQuantization(h, tc.Index)

		qIdx := 0
		for ri, res := range tc.Resolutions {
			for bi, band := range res.Bands {
				// Resolutions above the requested reduction are parsed
				// (their packets were already consumed above) but never
				// entropy-decoded.
				if res.Level > maxResLevel {
					qIdx++
					continue
				}

				gain := quant.GainFor(band.Type)
				maxBP := quant.MaxBitPlanes(precision, gain, guardBits)

				step := 1.0
				if style != codestream.QuantizationNone && qIdx < len(steps) {
					step = steps[qIdx].Value()
				}
				qIdx++
				q := quant.New(step)

				for ci, cb := range band.CodeBlocks {
					if err := tileDecoder.DecodeCodeBlock(cb, band.Type, maxBP); err != nil {
						return fmt.Errorf("decoding code-block: %w", err)
					}
					if cb.Concealed && cfg != nil && cfg.Report != nil {
						cfg.Report.Concealments = append(cfg.Report.Concealments, Concealment{
							Tile:       tileIdx,
							Component:  tc.Index,
							Resolution: ri,
							Band:       bi,
							Block:      ci,
							BitPlane:   cb.ConcealedPlane,
						})
					}
					if shift, ok := h.ROI[uint16(tc.Index)]; ok {
						roi.UnshiftByThreshold(cb.Coefficients, int(shift))
					}
					dequantized := make([]int32, len(cb.Coefficients))
					for i, v := range cb.Coefficients {
						dequantized[i] = q.Inverse(v)
					}
					tcd.ScatterBlock(tc, cb, dequantized)
				}
			}
		}

		tileDecoder.Reduce = reduce
		tileDecoder.ApplyInverseDWT(tc)

		// With a resolution reduction, the reconstructed samples occupy
		// the top-left corner of the tile buffer at the tile's full
		// stride, and both tile and image coordinates shrink by the
		// same power of two.
		scale := 1 << uint(reduce)
		rx0 := ceilDivInt(tc.X0, scale)
		ry0 := ceilDivInt(tc.Y0, scale)
		rx1 := ceilDivInt(tc.X1, scale)
		ry1 := ceilDivInt(tc.Y1, scale)
		offX := ceilDivInt(int(h.ImageXOffset), scale)
		offY := ceilDivInt(int(h.ImageYOffset), scale)
		stride := tc.X1 - tc.X0

		for y := ry0; y < ry1; y++ {
			for x := rx0; x < rx1; x++ {
				srcIdx := (y-ry0)*stride + (x - rx0)
				dstX := x - offX
				dstY := y - offY
				if dstX >= 0 && dstY >= 0 && dstX < imgWidth && dstY < imgHeight && srcIdx < len(tc.Data) {
					componentData[c][dstY*imgWidth+dstX] = tc.Data[srcIdx]
				}
			}
		}
	}

	return nil
}

// ceilDivInt returns ceil(a/b) for positive b.
func ceilDivInt(a, b int) int {
	return (a + b - 1) / b
}

// componentQuantization returns the quantization style, guard bits, and
// per-subband step sizes that apply to a component: a QCC override for
// that component index if one was signaled, otherwise the QCD default.
func componentQuantization(h *codestream.Header, compIndex int) (style uint8, guardBits int, steps []codestream.StepSize) {
	if qcc, ok := h.ComponentQuantization[uint16(compIndex)]; ok {
		return qcc.QuantizationStyle & 0x1F, int(qcc.NumGuardBits), qcc.StepSizes
	}
	return h.Quantization.Style(), h.Quantization.GuardBits(), h.Quantization.StepSizes
}

// createImage creates the output image from component data.
func (d *decoder) createImage(
	componentData [][]int32,
	width, height int,
	numComp int,
	precision int,
	signed bool,
) (image.Image, error) {
	// Determine scaling factor
	maxVal := int32((1 << precision) - 1)

	switch numComp {
	case 1:
		// Grayscale
		if precision <= 8 {
			img := image.NewGray(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := y*width + x
					v := componentData[0][idx]
					if v < 0 {
						v = 0
					}
					if v > maxVal {
						v = maxVal
					}
					// Scale to 8-bit
					if precision != 8 {
						v = v * 255 / maxVal
					}
					img.SetGray(x, y, color.Gray{Y: uint8(v)})
				}
			}
			return img, nil
		}
		// 16-bit grayscale
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				v := componentData[0][idx]
				if v < 0 {
					v = 0
				}
				if v > maxVal {
					v = maxVal
				}
				// Scale to 16-bit
				v = v * 65535 / maxVal
				img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
			}
		}
		return img, nil

	case 3:
		// RGB
		if precision <= 8 {
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := y*width + x
					r := componentData[0][idx]
					g := componentData[1][idx]
					b := componentData[2][idx]

					// Clamp values
					r = clampInt32(r, 0, maxVal)
					g = clampInt32(g, 0, maxVal)
					b = clampInt32(b, 0, maxVal)

					// Scale to 8-bit
					if precision != 8 {
						r = r * 255 / maxVal
						g = g * 255 / maxVal
						b = b * 255 / maxVal
					}

					img.SetRGBA(x, y, color.RGBA{
						R: uint8(r),
						G: uint8(g),
						B: uint8(b),
						A: 255,
					})
				}
			}
			return img, nil
		}
		// 16-bit RGB
		img := image.NewRGBA64(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				r := componentData[0][idx]
				g := componentData[1][idx]
				b := componentData[2][idx]

				r = clampInt32(r, 0, maxVal)
				g = clampInt32(g, 0, maxVal)
				b = clampInt32(b, 0, maxVal)

				// Scale to 16-bit
				r = r * 65535 / maxVal
				g = g * 65535 / maxVal
				b = b * 65535 / maxVal

				img.SetRGBA64(x, y, color.RGBA64{
					R: uint16(r),
					G: uint16(g),
					B: uint16(b),
					A: 65535,
				})
			}
		}
		return img, nil

	case 4:
		// RGBA
		if precision <= 8 {
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := y*width + x
					r := clampInt32(componentData[0][idx], 0, maxVal)
					g := clampInt32(componentData[1][idx], 0, maxVal)
					b := clampInt32(componentData[2][idx], 0, maxVal)
					a := clampInt32(componentData[3][idx], 0, maxVal)

					if precision != 8 {
						r = r * 255 / maxVal
						g = g * 255 / maxVal
						b = b * 255 / maxVal
						a = a * 255 / maxVal
					}

					img.SetRGBA(x, y, color.RGBA{
						R: uint8(r),
						G: uint8(g),
						B: uint8(b),
						A: uint8(a),
					})
				}
			}
			return img, nil
		}
		// 16-bit RGBA
		img := image.NewRGBA64(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				r := clampInt32(componentData[0][idx], 0, maxVal)
				g := clampInt32(componentData[1][idx], 0, maxVal)
				b := clampInt32(componentData[2][idx], 0, maxVal)
				a := clampInt32(componentData[3][idx], 0, maxVal)

				r = r * 65535 / maxVal
				g = g * 65535 / maxVal
				b = b * 65535 / maxVal
				a = a * 65535 / maxVal

				img.SetRGBA64(x, y, color.RGBA64{
					R: uint16(r),
					G: uint16(g),
					B: uint16(b),
					A: uint16(a),
				})
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("unsupported number of components: %d", numComp)
	}
}

// Helper function
func clampInt32(v, min, max int32) int32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// decodeSingleTile decodes exactly one tile identified by its index in
// the tile grid, seeking straight to its tile-part instead of walking
// every preceding tile.
func (d *decoder) decodeSingleTile(tileIndex int, cfg *Config) (image.Image, error) {
	if err := d.readFormat(); err != nil {
		return nil, fmt.Errorf("reading format: %w", err)
	}
	if err := d.parseCodestream(); err != nil {
		return nil, fmt.Errorf("parsing codestream: %w", err)
	}

	h := d.header
	numTiles := int(h.NumTilesX) * int(h.NumTilesY)
	if tileIndex < 0 || tileIndex >= numTiles {
		return nil, &ParameterError{Param: "tileIndex", Reason: fmt.Sprintf("index %d outside tile grid of %d tiles", tileIndex, numTiles)}
	}

	offset, err := d.tilePartOffset(tileIndex)
	if err != nil {
		return nil, err
	}
	if offset+2 > len(d.codestream) ||
		d.codestream[offset] != 0xFF || d.codestream[offset+1] != byte(codestream.SOT & 0xFF) {
		return nil, &FormatError{Reason: fmt.Sprintf("no SOT marker at tile-part offset %d", offset)}
	}

	// Parse the tile-part in isolation; ReadTilePartHeader expects the
	// SOT marker itself to be consumed already.
	tp := codestream.NewParser(&byteReader{data: d.codestream[offset+2:]})
	tph, err := tp.ReadTilePartHeader()
	if err != nil {
		return nil, fmt.Errorf("reading tile-part header: %w", err)
	}
	if int(tph.TileIndex) != tileIndex {
		return nil, &FormatError{Reason: fmt.Sprintf("tile-part at offset %d is for tile %d, want %d", offset, tph.TileIndex, tileIndex)}
	}
	dataLen := int(tph.TilePartLength) - 14
	if dataLen < 0 {
		dataLen = 0
	}
	tileData, err := tp.ReadTileData(dataLen)
	if err != nil {
		return nil, fmt.Errorf("reading tile-part %d data: %w", tileIndex, err)
	}

	width := int(h.ImageWidth - h.ImageXOffset)
	height := int(h.ImageHeight - h.ImageYOffset)
	numComp := int(h.NumComponents)
	if numComp == 0 || len(h.ComponentInfo) == 0 {
		return nil, &FormatError{Reason: "invalid image: no components"}
	}
	precision := h.ComponentInfo[0].Precision()
	signed := h.ComponentInfo[0].IsSigned()

	reduce := 0
	if cfg != nil && cfg.ReduceResolution > 0 {
		reduce = cfg.ReduceResolution
		if numRes := h.CodingStyle.NumResolutions(); reduce > numRes-1 {
			reduce = numRes - 1
		}
		for i := 0; i < reduce; i++ {
			width = (width + 1) / 2
			height = (height + 1) / 2
		}
	}

	componentData := make([][]int32, numComp)
	for c := 0; c < numComp; c++ {
		componentData[c] = make([]int32, width*height)
	}

	tileDecoder := tcd.NewTileDecoder(h)
	if err := d.decodeTile(tileDecoder, tileIndex, tileData, componentData, width, height, cfg, -1); err != nil {
		return nil, fmt.Errorf("decoding tile %d: %w", tileIndex, err)
	}

	d.applyPostTransforms(componentData, precision)

	if expanded, n, p, ok := d.expandPalette(componentData); ok {
		componentData, numComp, precision = expanded, n, p
	}

	// Crop the image-wide buffers down to this tile's canvas rectangle,
	// in reduced coordinates when a resolution reduction is active.
	tile := tileDecoder.Tile()
	scale := 1 << uint(reduce)
	tx0 := ceilDivInt(tile.X0, scale) - ceilDivInt(int(h.ImageXOffset), scale)
	ty0 := ceilDivInt(tile.Y0, scale) - ceilDivInt(int(h.ImageYOffset), scale)
	tw := ceilDivInt(tile.X1, scale) - ceilDivInt(tile.X0, scale)
	th := ceilDivInt(tile.Y1, scale) - ceilDivInt(tile.Y0, scale)

	cropped := make([][]int32, numComp)
	for c := 0; c < numComp; c++ {
		cropped[c] = make([]int32, tw*th)
		for y := 0; y < th; y++ {
			srcRow := (ty0+y)*width + tx0
			copy(cropped[c][y*tw:(y+1)*tw], componentData[c][srcRow:srcRow+tw])
		}
	}

	return d.createImage(cropped, tw, th, numComp, precision, signed)
}

// tilePartOffset returns the codestream offset of the SOT marker of the
// first tile-part belonging to tileIndex. With a complete TLM marker the
// offset comes straight from the recorded lengths; otherwise the SOT
// headers are scanned sequentially, skipping each tile-part by its Psot
// length.
func (d *decoder) tilePartOffset(tileIndex int) (int, error) {
	first := d.parser.FirstTileOffset()
	if first < 0 {
		return 0, &FormatError{Reason: "codestream has no tile-parts"}
	}

	// TLM fast path.
	if len(d.header.TileLengths) > 0 {
		off := first
		for _, tl := range d.header.TileLengths {
			if int(tl.TileIndex) == tileIndex {
				return off, nil
			}
			if tl.Length == 0 {
				// A zero-length entry carries no skip distance; fall
				// back to scanning.
				break
			}
			off += int(tl.Length)
		}
	}

	// Sequential SOT scan.
	off := first
	for off+12 <= len(d.codestream) {
		if d.codestream[off] != 0xFF || d.codestream[off+1] != byte(codestream.SOT & 0xFF) {
			return 0, &FormatError{Reason: fmt.Sprintf("expected SOT marker at offset %d", off), Offset: int64(off)}
		}
		idx := int(uint16(d.codestream[off+4])<<8 | uint16(d.codestream[off+5]))
		psot := int(uint32(d.codestream[off+6])<<24 | uint32(d.codestream[off+7])<<16 |
			uint32(d.codestream[off+8])<<8 | uint32(d.codestream[off+9]))
		if idx == tileIndex {
			return off, nil
		}
		if psot <= 0 {
			return 0, &FormatError{Reason: fmt.Sprintf("tile-part at offset %d has unskippable Psot %d", off, psot), Offset: int64(off)}
		}
		off += psot
	}
	return 0, &FormatError{Reason: fmt.Sprintf("no tile-part found for tile %d", tileIndex)}
}

// byteReader wraps a byte slice as an io.Reader.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
