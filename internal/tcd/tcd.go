// Package tcd implements the Tile Coder/Decoder for JPEG 2000.
//
// The TCD orchestrates the encoding and decoding of individual tiles,
// including:
// - Wavelet transform (DWT)
// - Quantization
// - Code-block entropy coding (T1)
// - Packet assembly (T2)
package tcd

import (
	"github.com/corej2k/jpeg2000/internal/codestream"
	"github.com/corej2k/jpeg2000/internal/dwt"
	"github.com/corej2k/jpeg2000/internal/entropy"
)

// Tile represents a single tile in the image.
type Tile struct {
	// Tile index
	Index int

	// Tile bounds in image coordinates
	X0, Y0, X1, Y1 int

	// Components
	Components []*TileComponent
}

// TileComponent represents a single component within a tile.
type TileComponent struct {
	// Component index
	Index int

	// Component bounds (may differ due to subsampling)
	X0, Y0, X1, Y1 int

	// Resolution levels
	Resolutions []*Resolution

	// Coefficient data
	Data []int32

	// Floating point data for 9-7 transform
	DataFloat []float64
}

// Resolution represents a resolution level within a tile-component.
type Resolution struct {
	// Resolution level (0 = finest)
	Level int

	// Bounds at this resolution
	X0, Y0, X1, Y1 int

	// Number of bands (1 for LL, 3 for others)
	NumBands int

	// Bands at this resolution
	Bands []*Band

	// Precincts
	Precincts []*Precinct

	// Precinct grid dimensions
	PrecinctsX, PrecinctsY int
}

// Band represents a subband within a resolution level.
type Band struct {
	// Band type (LL, HL, LH, HH)
	Type int

	// Band bounds
	X0, Y0, X1, Y1 int

	// Quantization step size
	StepSize float64

	// Code-blocks
	CodeBlocks []*CodeBlock

	// Code-block grid dimensions
	CodeBlocksX, CodeBlocksY int
}

// Precinct represents a precinct for packet organization.
type Precinct struct {
	// Precinct index
	Index int

	// Bounds
	X0, Y0, X1, Y1 int

	// Code-blocks in this precinct, per band
	CodeBlocks [][]*CodeBlock

	// Tag trees for inclusion and IMSB
	InclusionTree *TagTree
	IMSBTree      *TagTree
}

// CodeBlock represents a code-block for entropy coding.
type CodeBlock struct {
	// Code-block index
	Index int

	// Bounds
	X0, Y0, X1, Y1 int

	// Encoded data
	Data []byte

	// Coding passes
	Passes []CodingPass

	// Number of zero bit-planes
	ZeroBitPlanes int

	// Total number of bit-planes
	TotalBitPlanes int

	// Included in previous layers
	IncludedInLayers int

	// Decoded coefficient data
	Coefficients []int32

	// SegmentLengths holds the byte length of each codeword segment
	// when the code-block style (bypass or per-pass termination) splits
	// the block into several; nil for the common single-segment case.
	// Data is always the concatenation of the segments.
	SegmentLengths []int

	// Concealed is set when this code-block's segmentation-symbol or
	// predictable-termination check failed on decode; its coefficients
	// below ConcealedPlane were reconstructed at mid-points rather than
	// decoded.
	Concealed bool

	// ConcealedPlane is the bit-plane at which concealment began, or -1.
	ConcealedPlane int

	// Lblock is the per-code-block state from Annex B.10.7: the packet
	// header's length field for this code-block uses Lblock +
	// floor(log2(passes added this packet)) bits. It starts at 3 and
	// only ever grows, signaled by a comma-code prefix (k one-bits then
	// a zero) before the length field itself. Zero means "not yet
	// touched"; both PacketEncoder and PacketDecoder initialize it to 3
	// on first use.
	Lblock int
}

// CodingPass represents a single coding pass.
type CodingPass struct {
	// Pass type (significance, refinement, cleanup)
	Type int

	// Length in bytes
	Length int

	// Cumulative length
	CumulativeLength int

	// Rate-distortion slope
	Slope float64

	// Terminated flag
	Terminated bool
}

// Pass type constants.
const (
	PassSignificance = iota
	PassRefinement
	PassCleanup
)

// TagTree implements a tag tree for incremental coding.
type TagTree struct {
	width  int
	height int
	levels int
	nodes  [][]tagNode
}

type tagNode struct {
	value    int
	low      int
	known    bool
}

// NewTagTree creates a new tag tree.
func NewTagTree(width, height int) *TagTree {
	t := &TagTree{
		width:  width,
		height: height,
	}

	// Calculate number of levels
	w, h := width, height
	for w > 1 || h > 1 {
		t.levels++
		w = (w + 1) / 2
		h = (h + 1) / 2
	}
	t.levels++

	// Allocate nodes
	t.nodes = make([][]tagNode, t.levels)
	w, h = width, height
	for level := 0; level < t.levels; level++ {
		t.nodes[level] = make([]tagNode, w*h)
		for i := range t.nodes[level] {
			t.nodes[level][i].value = int(^uint(0) >> 1) // MaxInt
		}
		w = (w + 1) / 2
		h = (h + 1) / 2
	}

	return t
}

// SetValue sets the value at a leaf node.
func (t *TagTree) SetValue(x, y, value int) {
	t.nodes[0][y*t.width+x].value = value
}

// Reset resets the tree for a new encoding/decoding session.
func (t *TagTree) Reset() {
	for level := range t.nodes {
		for i := range t.nodes[level] {
			t.nodes[level][i].low = 0
			t.nodes[level][i].known = false
		}
	}
}

// Build propagates leaf values up through the tree, setting each
// internal node's value to the minimum of its (up to four) children.
// This is the quadtree construction described in ISO/IEC 15444-1
// Annex B.10.2: the tag tree lets a decoder learn that a group of
// code-blocks all exceed a threshold from a single shared bit instead
// of one bit per code-block, because an ancestor's value is a lower
// bound on every descendant's value.
func (t *TagTree) Build() {
	w, h := t.width, t.height
	for level := 0; level < t.levels-1; level++ {
		nw := (w + 1) / 2
		nh := (h + 1) / 2
		for y := 0; y < nh; y++ {
			for x := 0; x < nw; x++ {
				min := t.nodes[level+1][y*nw+x].value
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						cx, cy := x*2+dx, y*2+dy
						if cx >= w || cy >= h {
							continue
						}
						if v := t.nodes[level][cy*w+cx].value; v < min {
							min = v
						}
					}
				}
				t.nodes[level+1][y*nw+x].value = min
			}
		}
		w, h = nw, nh
	}
}

// tagTreePath returns the (level, index) pairs from the root down to
// the leaf at (x, y), root first.
func (t *TagTree) tagTreePath(x, y int) []struct{ level, idx int } {
	path := make([]struct{ level, idx int }, t.levels)
	w := t.width
	px, py := x, y
	path[0] = struct{ level, idx int }{0, py*w + px}
	for level := 1; level < t.levels; level++ {
		w = (w + 1) / 2
		px, py = px/2, py/2
		path[level] = struct{ level, idx int }{level, py*w + px}
	}
	// Reverse so the root (highest level) comes first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

const tagTreeMaxThreshold = int(^uint(0) >> 1)

// Encode advances the tag tree state for leaf (x, y) up to threshold,
// writing bits via writeBit. A node only needs new bits the first time
// any query reaches it; once a node is known, sibling leaves that share
// it skip straight past, which is the tag tree's compression benefit.
func (t *TagTree) Encode(x, y, threshold int, writeBit func(int) error) error {
	for _, step := range t.tagTreePath(x, y) {
		node := &t.nodes[step.level][step.idx]
		if node.known {
			continue
		}
		bound := node.value
		if threshold < bound {
			bound = threshold
		}
		for node.low < bound {
			if err := writeBit(0); err != nil {
				return err
			}
			node.low++
		}
		if node.low >= node.value && node.value < tagTreeMaxThreshold {
			if err := writeBit(1); err != nil {
				return err
			}
			node.known = true
			continue
		}
		// Threshold reached without resolving the node; nothing more
		// can be said about this leaf (or its siblings) at this query.
		return nil
	}
	return nil
}

// Decode mirrors Encode: it reads bits via readBit to advance the tag
// tree state for leaf (x, y) up to threshold, returning the resolved
// value and true if the leaf's exact value is now known, or the current
// lower bound and false if threshold was reached first.
func (t *TagTree) Decode(x, y, threshold int, readBit func() (int, error)) (int, bool, error) {
	var last *tagNode
	for _, step := range t.tagTreePath(x, y) {
		node := &t.nodes[step.level][step.idx]
		last = node
		if node.known {
			continue
		}
		for node.low < threshold {
			bit, err := readBit()
			if err != nil {
				return 0, false, err
			}
			if bit == 1 {
				node.value = node.low
				node.known = true
				break
			}
			node.low++
		}
		if !node.known {
			return node.low, false, nil
		}
		if node.value >= threshold {
			return node.value, true, nil
		}
	}
	return last.value, true, nil
}

// TileDecoder decodes a single tile.
type TileDecoder struct {
	header     *codestream.Header
	tileHeader *codestream.TilePartHeader
	tile       *Tile

	// Reduce is the number of finest resolution levels to discard: the
	// inverse DWT stops early and leaves the image at 1/2^Reduce scale
	// in the top-left corner of each tile-component buffer.
	Reduce int
}

// NewTileDecoder creates a new tile decoder.
func NewTileDecoder(header *codestream.Header) *TileDecoder {
	return &TileDecoder{
		header: header,
	}
}

// Tile returns the current tile being decoded.
func (d *TileDecoder) Tile() *Tile {
	return d.tile
}

// InitTile initializes a tile for decoding.
func (d *TileDecoder) InitTile(tileIndex int) {
	h := d.header

	// Calculate tile bounds
	tileX := tileIndex % int(h.NumTilesX)
	tileY := tileIndex / int(h.NumTilesX)

	x0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	y0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	x1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	y1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))

	d.tile = &Tile{
		Index:      tileIndex,
		X0:         x0,
		Y0:         y0,
		X1:         x1,
		Y1:         y1,
		Components: make([]*TileComponent, h.NumComponents),
	}

	// Initialize components
	for c := 0; c < int(h.NumComponents); c++ {
		comp := h.ComponentInfo[c]

		// Apply subsampling
		cx0 := ceilDiv(x0, int(comp.SubsamplingX))
		cy0 := ceilDiv(y0, int(comp.SubsamplingY))
		cx1 := ceilDiv(x1, int(comp.SubsamplingX))
		cy1 := ceilDiv(y1, int(comp.SubsamplingY))

		tc := &TileComponent{
			Index: c,
			X0:    cx0,
			Y0:    cy0,
			X1:    cx1,
			Y1:    cy1,
		}

		// Allocate data
		width := cx1 - cx0
		height := cy1 - cy0
		tc.Data = make([]int32, width*height)

		// Initialize resolutions
		numRes := int(h.CodingStyle.NumDecompositions) + 1
		tc.Resolutions = make([]*Resolution, numRes)

		for r := 0; r < numRes; r++ {
			tc.Resolutions[r] = buildResolution(h, tc, r)
		}

		d.tile.Components[c] = tc
	}
}

// buildResolution constructs a resolution level's bands, code-blocks,
// and precinct. It is shared between TileEncoder and TileDecoder so
// both sides of a round trip compute byte-identical geometry.
func buildResolution(h *codestream.Header, tc *TileComponent, resLevel int) *Resolution {
	cs := h.CodingStyle

	// Calculate resolution bounds
	scale := 1 << (int(cs.NumDecompositions) - resLevel)
	rx0 := ceilDiv(tc.X0, scale)
	ry0 := ceilDiv(tc.Y0, scale)
	rx1 := ceilDiv(tc.X1, scale)
	ry1 := ceilDiv(tc.Y1, scale)

	res := &Resolution{
		Level: resLevel,
		X0:    rx0,
		Y0:    ry0,
		X1:    rx1,
		Y1:    ry1,
	}

	// Initialize bands
	if resLevel == 0 {
		res.NumBands = 1
		res.Bands = []*Band{buildBand(cs, res, entropy.BandLL)}
	} else {
		res.NumBands = 3
		res.Bands = []*Band{
			buildBand(cs, res, entropy.BandHL),
			buildBand(cs, res, entropy.BandLH),
			buildBand(cs, res, entropy.BandHH),
		}
	}

	buildPrecinct(res)

	return res
}

// buildBand constructs a band's code-block grid.
func buildBand(cs codestream.CodingStyleDefault, res *Resolution, bandType int) *Band {
	band := &Band{
		Type: bandType,
	}

	// Calculate band bounds based on type. res spans this resolution's
	// extent at analysis time, before it is split into the next lower
	// resolution's LL quadrant and this resolution's HL/LH/HH detail
	// quadrants. midX/midY match dwt.CalculateSubbands's halfW/halfH:
	// the low-pass half gets the extra sample on an odd split.
	midX := res.X0 + ceilDiv(res.X1-res.X0, 2)
	midY := res.Y0 + ceilDiv(res.Y1-res.Y0, 2)
	switch bandType {
	case entropy.BandLL:
		band.X0 = res.X0
		band.Y0 = res.Y0
		band.X1 = res.X1
		band.Y1 = res.Y1
	case entropy.BandHL:
		band.X0 = midX
		band.Y0 = res.Y0
		band.X1 = res.X1
		band.Y1 = midY
	case entropy.BandLH:
		band.X0 = res.X0
		band.Y0 = midY
		band.X1 = midX
		band.Y1 = res.Y1
	case entropy.BandHH:
		band.X0 = midX
		band.Y0 = midY
		band.X1 = res.X1
		band.Y1 = res.Y1
	}

	// Calculate code-block grid
	cbWidth := 1 << (cs.CodeBlockWidthExp + 2)
	cbHeight := 1 << (cs.CodeBlockHeightExp + 2)

	band.CodeBlocksX = ceilDiv(band.X1-band.X0, cbWidth)
	band.CodeBlocksY = ceilDiv(band.Y1-band.Y0, cbHeight)

	// Initialize code-blocks
	numCB := band.CodeBlocksX * band.CodeBlocksY
	band.CodeBlocks = make([]*CodeBlock, numCB)

	for i := 0; i < numCB; i++ {
		cbX := i % band.CodeBlocksX
		cbY := i / band.CodeBlocksX

		cb := &CodeBlock{
			Index: i,
			X0:    band.X0 + cbX*cbWidth,
			Y0:    band.Y0 + cbY*cbHeight,
			X1:    min(band.X0+(cbX+1)*cbWidth, band.X1),
			Y1:    min(band.Y0+(cbY+1)*cbHeight, band.Y1),
		}
		band.CodeBlocks[i] = cb
	}

	return band
}

// buildPrecinct groups every band's code-blocks of a resolution into a
// single whole-resolution precinct, the default layout when no custom
// precinct sizes are signaled in the COD marker. The shared inclusion
// and IMSB tag trees are sized to the largest band's code-block grid
// so every band's code-block indices fit.
func buildPrecinct(res *Resolution) {
	treeW, treeH := 1, 1
	for _, b := range res.Bands {
		if b.CodeBlocksX > treeW {
			treeW = b.CodeBlocksX
		}
		if b.CodeBlocksY > treeH {
			treeH = b.CodeBlocksY
		}
	}

	p := &Precinct{
		Index:         0,
		X0:            res.X0,
		Y0:            res.Y0,
		X1:            res.X1,
		Y1:            res.Y1,
		CodeBlocks:    make([][]*CodeBlock, len(res.Bands)),
		InclusionTree: NewTagTree(treeW, treeH),
		IMSBTree:      NewTagTree(treeW, treeH),
	}
	for i, b := range res.Bands {
		p.CodeBlocks[i] = b.CodeBlocks
	}

	res.Precincts = []*Precinct{p}
	res.PrecinctsX = 1
	res.PrecinctsY = 1
}

// ExtractRegion gathers the coefficients of a rectangular region (in
// tile-component-local coordinates, e.g. a code-block's or a band's
// bounds) out of the tile-component's packed subband data into a
// compact row-major slice.
func ExtractRegion(tc *TileComponent, x0, y0, x1, y1 int) []int32 {
	stride := tc.X1 - tc.X0
	w := x1 - x0
	h := y1 - y0
	out := make([]int32, w*h)
	for y := 0; y < h; y++ {
		srcRow := (y0 - tc.Y0 + y) * stride
		srcCol := x0 - tc.X0
		copy(out[y*w:(y+1)*w], tc.Data[srcRow+srcCol:srcRow+srcCol+w])
	}
	return out
}

// ScatterRegion writes coefficients back into a rectangular region of
// the tile-component's packed subband data.
func ScatterRegion(tc *TileComponent, x0, y0, x1, y1 int, coeffs []int32) {
	stride := tc.X1 - tc.X0
	w := x1 - x0
	h := y1 - y0
	for y := 0; y < h; y++ {
		dstRow := (y0 - tc.Y0 + y) * stride
		dstCol := x0 - tc.X0
		copy(tc.Data[dstRow+dstCol:dstRow+dstCol+w], coeffs[y*w:(y+1)*w])
	}
}

// ExtractBlock gathers a code-block's coefficients out of its
// tile-component's packed subband data into a compact row-major slice.
func ExtractBlock(tc *TileComponent, cb *CodeBlock) []int32 {
	return ExtractRegion(tc, cb.X0, cb.Y0, cb.X1, cb.Y1)
}

// ScatterBlock writes a code-block's decoded coefficients back into its
// tile-component's packed subband data.
func ScatterBlock(tc *TileComponent, cb *CodeBlock, coeffs []int32) {
	ScatterRegion(tc, cb.X0, cb.Y0, cb.X1, cb.Y1, coeffs)
}

// DecodeCodeBlock decodes a single code-block. maxBitPlanes is the
// subband's maximum possible bit-plane count (quant.MaxBitPlanes),
// used together with the packet header's IMSB value (cb.ZeroBitPlanes)
// to recover how many planes this code-block actually coded.
func (d *TileDecoder) DecodeCodeBlock(cb *CodeBlock, bandType, maxBitPlanes int) error {
	if len(cb.Data) == 0 {
		return nil
	}

	cb.TotalBitPlanes = maxBitPlanes - cb.ZeroBitPlanes
	if cb.TotalBitPlanes < 0 {
		cb.TotalBitPlanes = 0
	}

	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0

	style := d.header.CodingStyle.CodeBlockStyle
	t1 := entropy.NewT1(width, height)
	applyCodeBlockStyle(t1, style)

	if styledSegments(style) {
		cb.Coefficients = t1.DecodeStyled(cb.Data, cb.SegmentLengths, cb.TotalBitPlanes, bandType)
	} else {
		// A layer-truncated stream carries only the passes the packet
		// header signaled; decode no deeper than that.
		planes := cb.TotalBitPlanes
		if len(cb.Passes) > 0 && len(cb.Passes) < planes {
			planes = len(cb.Passes)
		}
		cb.Coefficients = t1.DecodePlanes(cb.Data, cb.TotalBitPlanes, planes, bandType)
	}

	cb.ConcealedPlane = -1
	if t1.Corrupt {
		cb.Concealed = true
		cb.ConcealedPlane = t1.ConcealedPlane
	}

	return nil
}

// applyCodeBlockStyle copies the COD/COC code-block style bits onto a
// T1 coder.
func applyCodeBlockStyle(t1 *entropy.T1, style uint8) {
	t1.Bypass = style&codestream.CodeBlockBypass != 0
	t1.ResetCtx = style&codestream.CodeBlockReset != 0
	t1.TermAll = style&codestream.CodeBlockTermination != 0
	t1.VertCausal = style&codestream.CodeBlockVerticalCausal != 0
	t1.PredTerm = style&codestream.CodeBlockPredictableTermination != 0
	t1.SegSymbols = style&codestream.CodeBlockSegmentationSymbols != 0
}

// styledSegments reports whether the style byte selects any option
// that changes the codeword segment structure or context formation,
// requiring the explicit pass-schedule coding path.
func styledSegments(style uint8) bool {
	return style&(codestream.CodeBlockBypass|
		codestream.CodeBlockReset|
		codestream.CodeBlockTermination|
		codestream.CodeBlockVerticalCausal|
		codestream.CodeBlockPredictableTermination) != 0
}

// ApplyInverseDWT applies the inverse wavelet transform.
func (d *TileDecoder) ApplyInverseDWT(tc *TileComponent) {
	h := d.header.CodingStyle
	numLevels := int(h.NumDecompositions)

	width := tc.X1 - tc.X0
	height := tc.Y1 - tc.Y0

	skip := d.Reduce
	if skip < 0 {
		skip = 0
	}
	if skip > numLevels {
		skip = numLevels
	}

	if h.WaveletTransform == 1 {
		// 5-3 reversible
		dwt.ReconstructMultiLevel53Partial(tc.Data, width, height, numLevels, skip)
	} else {
		// 9-7 irreversible
		tc.DataFloat = make([]float64, len(tc.Data))
		for i, v := range tc.Data {
			tc.DataFloat[i] = float64(v)
		}
		dwt.ReconstructMultiLevel97Partial(tc.DataFloat, width, height, numLevels, skip)
		for i, v := range tc.DataFloat {
			tc.Data[i] = int32(v + 0.5)
		}
	}
}

// TileEncoder encodes a single tile.
type TileEncoder struct {
	header *codestream.Header
	tile   *Tile
}

// NewTileEncoder creates a new tile encoder.
func NewTileEncoder(header *codestream.Header) *TileEncoder {
	return &TileEncoder{
		header: header,
	}
}

// Tile returns the tile most recently initialized by InitTile.
func (e *TileEncoder) Tile() *Tile {
	return e.tile
}

// InitTile initializes a tile for encoding.
func (e *TileEncoder) InitTile(tileIndex int, componentData [][]int32) {
	h := e.header

	// Calculate tile bounds (same as decoder)
	tileX := tileIndex % int(h.NumTilesX)
	tileY := tileIndex / int(h.NumTilesX)

	x0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	y0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	x1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	y1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))

	e.tile = &Tile{
		Index:      tileIndex,
		X0:         x0,
		Y0:         y0,
		X1:         x1,
		Y1:         y1,
		Components: make([]*TileComponent, h.NumComponents),
	}

	// Initialize components with provided data
	for c := 0; c < int(h.NumComponents); c++ {
		comp := h.ComponentInfo[c]

		cx0 := ceilDiv(x0, int(comp.SubsamplingX))
		cy0 := ceilDiv(y0, int(comp.SubsamplingY))
		cx1 := ceilDiv(x1, int(comp.SubsamplingX))
		cy1 := ceilDiv(y1, int(comp.SubsamplingY))

		tc := &TileComponent{
			Index: c,
			X0:    cx0,
			Y0:    cy0,
			X1:    cx1,
			Y1:    cy1,
			Data:  componentData[c],
		}

		// Initialize resolutions (same geometry as the decoder)
		numRes := int(h.CodingStyle.NumDecompositions) + 1
		tc.Resolutions = make([]*Resolution, numRes)
		for r := 0; r < numRes; r++ {
			tc.Resolutions[r] = buildResolution(h, tc, r)
		}

		e.tile.Components[c] = tc
	}
}

// ApplyForwardDWT applies the forward wavelet transform.
func (e *TileEncoder) ApplyForwardDWT(tc *TileComponent) {
	h := e.header.CodingStyle
	numLevels := int(h.NumDecompositions)

	width := tc.X1 - tc.X0
	height := tc.Y1 - tc.Y0

	if h.WaveletTransform == 1 {
		// 5-3 reversible
		dwt.DecomposeMultiLevel53(tc.Data, width, height, numLevels)
	} else {
		// 9-7 irreversible
		tc.DataFloat = make([]float64, len(tc.Data))
		for i, v := range tc.Data {
			tc.DataFloat[i] = float64(v)
		}
		dwt.DecomposeMultiLevel97(tc.DataFloat, width, height, numLevels)
		// Quantize back to integers
		for i, v := range tc.DataFloat {
			if v >= 0 {
				tc.Data[i] = int32(v + 0.5)
			} else {
				tc.Data[i] = int32(v - 0.5)
			}
		}
	}
}

// EncodeCodeBlock encodes a single code-block and returns PCRD
// candidate truncation points alongside the full encoded stream.
// maxBitPlanes is the subband's maximum possible bit-plane count
// (quant.MaxBitPlanes); cb.ZeroBitPlanes is derived from it so the
// Tier-2 IMSB tag tree and the decoder's reconstruction agree on how
// many leading planes were entirely zero.
func (e *TileEncoder) EncodeCodeBlock(cb *CodeBlock, data []int32, bandType, maxBitPlanes int) []entropy.BitPlaneRate {
	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0

	style := e.header.CodingStyle.CodeBlockStyle
	t1 := entropy.NewT1(width, height)
	t1.SetData(data)
	applyCodeBlockStyle(t1, style)

	var rates []entropy.BitPlaneRate
	if styledSegments(style) {
		// The styled path produces explicitly terminated codeword
		// segments; truncating those mid-segment is not well defined,
		// so no rate candidates are returned and the block is kept
		// whole by the layer allocator.
		stream, segLens := t1.EncodeStyled(bandType)
		cb.Data = stream
		cb.SegmentLengths = segLens
		cb.Passes = make([]CodingPass, entropy.StylePassCount(t1.NumBPS()))
	} else {
		var stream []byte
		stream, rates = t1.EncodeWithPassRates(bandType)
		cb.Data = stream
	}

	numBPS := t1.NumBPS()
	cb.ZeroBitPlanes = maxBitPlanes - numBPS
	if cb.ZeroBitPlanes < 0 {
		cb.ZeroBitPlanes = 0
	}
	cb.TotalBitPlanes = numBPS
	return rates
}

// Helper functions

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
