// Package tcd - t2.go implements Tier-2 packet coding.
//
// Tier-2 handles the organization of code-block data into packets
// according to the progression order. Each packet contains data for
// a specific layer, resolution, component, and precinct.
package tcd

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/corej2k/jpeg2000/internal/bio"
	"github.com/corej2k/jpeg2000/internal/codestream"
	"github.com/corej2k/jpeg2000/internal/entropy"
)

// PacketIterator iterates over packets in progression order.
type PacketIterator struct {
	// Image parameters
	numComponents  int
	numResolutions int
	numLayers      int
	precincts      [][][]int // [component][resolution]numPrecincts

	// Current position
	layer      int
	resolution int
	component  int
	precinct   int

	// Progression order
	order codestream.ProgressionOrder

	// Bounds
	resStart, resEnd int
	compStart, compEnd int
	layStart, layEnd int
}

// NewPacketIterator creates a packet iterator.
func NewPacketIterator(
	numComponents, numResolutions, numLayers int,
	precincts [][][]int,
	order codestream.ProgressionOrder,
) *PacketIterator {
	return &PacketIterator{
		numComponents:  numComponents,
		numResolutions: numResolutions,
		numLayers:      numLayers,
		precincts:      precincts,
		order:          order,
		resEnd:         numResolutions,
		compEnd:        numComponents,
		layEnd:         numLayers,
	}
}

// Packet represents the current packet position.
type Packet struct {
	Layer      int
	Resolution int
	Component  int
	Precinct   int
}

// Next advances to the next packet position.
// Returns false when all packets have been visited.
func (pi *PacketIterator) Next() (Packet, bool) {
	for {
		if !pi.hasMore() {
			return Packet{}, false
		}

		p := Packet{
			Layer:      pi.layer,
			Resolution: pi.resolution,
			Component:  pi.component,
			Precinct:   pi.precinct,
		}

		pi.advance()
		return p, true
	}
}

func (pi *PacketIterator) hasMore() bool {
	switch pi.order {
	case codestream.LRCP:
		return pi.layer < pi.layEnd
	case codestream.RLCP:
		return pi.resolution < pi.resEnd
	case codestream.RPCL:
		return pi.resolution < pi.resEnd
	case codestream.PCRL:
		return pi.precinct < pi.maxPrecincts()
	case codestream.CPRL:
		return pi.component < pi.compEnd
	}
	return false
}

func (pi *PacketIterator) maxPrecincts() int {
	max := 0
	for c := 0; c < pi.numComponents; c++ {
		for r := 0; r < pi.numResolutions; r++ {
			if len(pi.precincts) > c && len(pi.precincts[c]) > r {
				if pi.precincts[c][r][0] > max {
					max = pi.precincts[c][r][0]
				}
			}
		}
	}
	return max
}

func (pi *PacketIterator) advance() {
	switch pi.order {
	case codestream.LRCP:
		pi.advanceLRCP()
	case codestream.RLCP:
		pi.advanceRLCP()
	case codestream.RPCL:
		pi.advanceRPCL()
	case codestream.PCRL:
		pi.advancePCRL()
	case codestream.CPRL:
		pi.advanceCPRL()
	}
}

func (pi *PacketIterator) advanceLRCP() {
	pi.precinct++
	numPrec := 1
	if len(pi.precincts) > pi.component && len(pi.precincts[pi.component]) > pi.resolution {
		numPrec = pi.precincts[pi.component][pi.resolution][0]
	}
	if pi.precinct >= numPrec {
		pi.precinct = 0
		pi.component++
		if pi.component >= pi.compEnd {
			pi.component = pi.compStart
			pi.resolution++
			if pi.resolution >= pi.resEnd {
				pi.resolution = pi.resStart
				pi.layer++
			}
		}
	}
}

func (pi *PacketIterator) advanceRLCP() {
	pi.precinct++
	numPrec := 1
	if len(pi.precincts) > pi.component && len(pi.precincts[pi.component]) > pi.resolution {
		numPrec = pi.precincts[pi.component][pi.resolution][0]
	}
	if pi.precinct >= numPrec {
		pi.precinct = 0
		pi.component++
		if pi.component >= pi.compEnd {
			pi.component = pi.compStart
			pi.layer++
			if pi.layer >= pi.layEnd {
				pi.layer = pi.layStart
				pi.resolution++
			}
		}
	}
}

func (pi *PacketIterator) advanceRPCL() {
	pi.layer++
	if pi.layer >= pi.layEnd {
		pi.layer = pi.layStart
		pi.component++
		if pi.component >= pi.compEnd {
			pi.component = pi.compStart
			pi.precinct++
			numPrec := 1
			if len(pi.precincts) > pi.component && len(pi.precincts[pi.component]) > pi.resolution {
				numPrec = pi.precincts[pi.component][pi.resolution][0]
			}
			if pi.precinct >= numPrec {
				pi.precinct = 0
				pi.resolution++
			}
		}
	}
}

func (pi *PacketIterator) advancePCRL() {
	pi.layer++
	if pi.layer >= pi.layEnd {
		pi.layer = pi.layStart
		pi.resolution++
		if pi.resolution >= pi.resEnd {
			pi.resolution = pi.resStart
			pi.component++
			if pi.component >= pi.compEnd {
				pi.component = pi.compStart
				pi.precinct++
			}
		}
	}
}

func (pi *PacketIterator) advanceCPRL() {
	pi.layer++
	if pi.layer >= pi.layEnd {
		pi.layer = pi.layStart
		pi.resolution++
		if pi.resolution >= pi.resEnd {
			pi.resolution = pi.resStart
			pi.precinct++
			numPrec := 1
			if len(pi.precincts) > pi.component && len(pi.precincts[pi.component]) > pi.resolution {
				numPrec = pi.precincts[pi.component][pi.resolution][0]
			}
			if pi.precinct >= numPrec {
				pi.precinct = 0
				pi.component++
			}
		}
	}
}

// Reset resets the iterator to the beginning.
func (pi *PacketIterator) Reset() {
	pi.layer = pi.layStart
	pi.resolution = pi.resStart
	pi.component = pi.compStart
	pi.precinct = 0
}

// PacketEncoder encodes packets to a bit stream.
type PacketEncoder struct {
	w   io.Writer
	bio *bio.ByteStuffingWriter

	// CodeBlockStyle is the COD/COC code-block style byte. Bypass and
	// per-pass termination split code-blocks into multiple codeword
	// segments, which changes how lengths are signaled in the packet
	// header.
	CodeBlockStyle uint8
}

// NewPacketEncoder creates a new packet encoder.
func NewPacketEncoder(w io.Writer) *PacketEncoder {
	return &PacketEncoder{w: w}
}

// EncodePacket encodes a single packet.
func (e *PacketEncoder) EncodePacket(
	precinct *Precinct,
	layer int,
	enableSOP bool,
	enableEPH bool,
) error {
	// Write SOP marker if enabled
	if enableSOP {
		sop := []byte{0xFF, 0x91, 0x00, 0x04, 0x00, 0x00}
		binary.BigEndian.PutUint16(sop[4:], uint16(layer))
		if _, err := e.w.Write(sop); err != nil {
			return err
		}
	}

	// Encode packet header
	if err := e.encodePacketHeader(precinct, layer); err != nil {
		return err
	}

	// Write EPH marker if enabled
	if enableEPH {
		eph := []byte{0xFF, 0x92}
		if _, err := e.w.Write(eph); err != nil {
			return err
		}
	}

	// Write packet body (code-block data). A code-block's stream is
	// emitted exactly once, in the layer PCRD chose for it; later
	// layers carry no further passes for it under this allocator.
	for _, bandCBs := range precinct.CodeBlocks {
		for _, cb := range bandCBs {
			if cb.IncludedInLayers == layer && len(cb.Data) > 0 {
				if _, err := e.w.Write(cb.Data); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// encodePacketHeader encodes the packet header. Each header starts
// byte-aligned with fresh byte-stuffing state, so the writer is
// re-created per packet rather than carrying a stuffing delay from the
// previous header across the intervening body bytes.
func (e *PacketEncoder) encodePacketHeader(precinct *Precinct, layer int) error {
	e.bio = bio.NewByteStuffingWriter(e.w)

	// Check if packet is empty
	hasData := false
	for _, bandCBs := range precinct.CodeBlocks {
		for _, cb := range bandCBs {
			if cb.IncludedInLayers == layer && len(cb.Data) > 0 {
				hasData = true
				break
			}
		}
		if hasData {
			break
		}
	}

	// Write packet presence bit
	if hasData {
		if err := e.bio.WriteBit(1); err != nil {
			return err
		}
	} else {
		if err := e.bio.WriteBit(0); err != nil {
			return err
		}
		return e.bio.Flush()
	}

	if layer == 0 {
		// The tag tree needs every leaf's final value before the first
		// Build(), otherwise a code-block encoded early would miss the
		// lower bound contributed by a sibling encoded later.
		for _, bandCBs := range precinct.CodeBlocks {
			for cbIdx, cb := range bandCBs {
				precinct.InclusionTree.SetValue(cbIdx%precinct.InclusionTree.width, cbIdx/precinct.InclusionTree.width, cb.IncludedInLayers)
				precinct.IMSBTree.SetValue(cbIdx%precinct.IMSBTree.width, cbIdx/precinct.IMSBTree.width, cb.ZeroBitPlanes)
			}
		}
		precinct.InclusionTree.Build()
		precinct.IMSBTree.Build()
	}

	// Encode inclusion and length for each code-block
	for _, bandCBs := range precinct.CodeBlocks {
		for cbIdx, cb := range bandCBs {
			// Inclusion: true only in the one layer PCRD chose for
			// this code-block, since it carries no further passes
			// in later layers under this allocator.
			included := cb.IncludedInLayers == layer && len(cb.Data) > 0

			if layer == 0 {
				// First layer - use tag tree
				if err := e.encodeTagTreeValue(precinct.InclusionTree, cbIdx%precinct.InclusionTree.width, cbIdx/precinct.InclusionTree.width, cb.IncludedInLayers); err != nil {
					return err
				}
			} else {
				// Subsequent layers - single bit
				if included {
					if err := e.bio.WriteBit(1); err != nil {
						return err
					}
				} else {
					if err := e.bio.WriteBit(0); err != nil {
						return err
					}
				}
			}

			if !included {
				continue
			}

			// Zero bit-planes (IMSB)
			if cb.IncludedInLayers == layer {
				if err := e.encodeTagTreeValue(precinct.IMSBTree, cbIdx%precinct.IMSBTree.width, cbIdx/precinct.IMSBTree.width, cb.ZeroBitPlanes); err != nil {
					return err
				}
			}

			// Number of coding passes
			numPasses := len(cb.Passes)
			if err := e.encodeNumPasses(numPasses); err != nil {
				return err
			}

			// Length of code-block data: one field per codeword
			// segment when the code-block style splits the block into
			// several, otherwise a single field.
			if len(cb.SegmentLengths) > 1 {
				if err := e.encodeSegmentLengths(cb, numPasses); err != nil {
					return err
				}
			} else if err := e.encodeLength(cb, len(cb.Data), numPasses); err != nil {
				return err
			}
		}
	}

	return e.bio.Flush()
}

// encodeSegmentLengths signals one length field per codeword segment,
// per Annex B.10.7's multiple-codeword-segment case: the shared comma
// code grows cb.Lblock until every segment's length fits its field of
// cb.Lblock + floor(log2(passes in that segment)) bits, then the
// lengths follow in segment order.
func (e *PacketEncoder) encodeSegmentLengths(cb *CodeBlock, numPasses int) error {
	if cb.Lblock == 0 {
		cb.Lblock = 3
	}

	bypass := e.CodeBlockStyle&codestream.CodeBlockBypass != 0
	termall := e.CodeBlockStyle&codestream.CodeBlockTermination != 0
	counts := entropy.SegmentPassCounts(numPasses, bypass, termall)

	grow := 0
	for i, segLen := range cb.SegmentLengths {
		passes := 1
		if i < len(counts) {
			passes = counts[i]
		}
		needed := bitLength(segLen) - log2Floor(passes) - cb.Lblock
		if needed > grow {
			grow = needed
		}
	}
	for i := 0; i < grow; i++ {
		cb.Lblock++
		if err := e.bio.WriteBit(1); err != nil {
			return err
		}
	}
	if err := e.bio.WriteBit(0); err != nil {
		return err
	}

	for i, segLen := range cb.SegmentLengths {
		passes := 1
		if i < len(counts) {
			passes = counts[i]
		}
		bits := cb.Lblock + log2Floor(passes)
		if err := e.bio.WriteBits(uint32(segLen), uint(bits)); err != nil {
			return err
		}
	}
	return nil
}

// encodeTagTreeValue encodes a value through the quadtree at (x, y),
// fully resolving it (ancestors already known from sibling leaves are
// skipped, per ISO/IEC 15444-1 Annex B.10.2).
func (e *PacketEncoder) encodeTagTreeValue(tree *TagTree, x, y, value int) error {
	tree.SetValue(x, y, value)
	tree.Build()
	return tree.Encode(x, y, tagTreeMaxThreshold, e.bio.WriteBit)
}

// encodeNumPasses encodes the number of coding passes.
func (e *PacketEncoder) encodeNumPasses(n int) error {
	if n == 1 {
		return e.bio.WriteBit(0)
	}
	if err := e.bio.WriteBit(1); err != nil {
		return err
	}
	if n == 2 {
		return e.bio.WriteBit(0)
	}
	if err := e.bio.WriteBit(1); err != nil {
		return err
	}
	if n <= 5 {
		return e.bio.WriteBits(uint32(n-3), 2)
	}
	if err := e.bio.WriteBits(3, 2); err != nil {
		return err
	}
	if n <= 36 {
		return e.bio.WriteBits(uint32(n-6), 5)
	}
	if err := e.bio.WriteBits(31, 5); err != nil {
		return err
	}
	return e.bio.WriteBits(uint32(n-37), 7)
}

// encodeLength encodes a code-block's data length per Annex B.10.7:
// the length field is cb.Lblock + floor(log2(numNewPasses)) bits wide,
// preceded by a comma code (k one-bits then a zero) signaling how much
// cb.Lblock had to grow to fit length this time. Lblock starts at 3
// and never shrinks, so once it grows for a code-block every later
// packet referencing it inherits the wider field.
func (e *PacketEncoder) encodeLength(cb *CodeBlock, length, numNewPasses int) error {
	if cb.Lblock == 0 {
		cb.Lblock = 3
	}

	needed := bitLength(length)
	available := cb.Lblock + log2Floor(numNewPasses)
	for needed > available {
		cb.Lblock++
		available++
		if err := e.bio.WriteBit(1); err != nil {
			return err
		}
	}
	if err := e.bio.WriteBit(0); err != nil {
		return err
	}

	return e.bio.WriteBits(uint32(length), uint(available))
}

// bitLength returns the number of bits needed to represent n (0 for
// n<=0, otherwise floor(log2(n))+1).
func bitLength(n int) int {
	bits := 0
	for n > 0 {
		bits++
		n >>= 1
	}
	return bits
}

// log2Floor returns floor(log2(n)) for n>=1, and 0 for n<=0 (a
// code-block is never included with zero passes, but the zero case is
// handled rather than left to panic on a degenerate input).
func log2Floor(n int) int {
	bits := 0
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}

// PacketDecoder decodes packets from a bit stream.
type PacketDecoder struct {
	br  *byteReaderAt
	bio *bio.ByteStuffingReader
	buf []byte
	pos int

	// CodeBlockStyle is the COD/COC code-block style byte, used to
	// recover the codeword segment structure when reading lengths.
	CodeBlockStyle uint8
}

// NewPacketDecoder creates a new packet decoder.
func NewPacketDecoder(data []byte) *PacketDecoder {
	return &PacketDecoder{
		buf: data,
		br:  &byteReaderAt{data: data},
	}
}

// byteReaderAt implements io.Reader for a byte slice.
type byteReaderAt struct {
	data []byte
	pos  int
}

func (r *byteReaderAt) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// DecodePacket decodes a single packet.
func (d *PacketDecoder) DecodePacket(
	precinct *Precinct,
	layer int,
	sopEnabled bool,
	ephEnabled bool,
) error {
	// Check for SOP marker
	if sopEnabled {
		if d.pos+6 <= len(d.buf) && d.buf[d.pos] == 0xFF && d.buf[d.pos+1] == 0x91 {
			d.pos += 6
		}
	}

	// Decode packet header. The bit reader starts byte-aligned at the
	// current body position with fresh byte-stuffing state; the bytes
	// it pulls from the shared cursor are exactly the header bytes, so
	// d.pos lands on the first body byte afterwards.
	d.br.pos = d.pos
	d.bio = bio.NewByteStuffingReader(d.br)
	if err := d.decodePacketHeader(precinct, layer); err != nil {
		return err
	}
	d.pos = d.br.pos

	// Check for EPH marker
	if ephEnabled {
		if d.pos+2 <= len(d.buf) && d.buf[d.pos] == 0xFF && d.buf[d.pos+1] == 0x92 {
			d.pos += 2
		}
	}

	// Read packet body (code-block data)
	for _, bandCBs := range precinct.CodeBlocks {
		for _, cb := range bandCBs {
			if cb.IncludedInLayers == layer && len(cb.Data) > 0 {
				dataLen := len(cb.Data)
				if d.pos+dataLen > len(d.buf) {
					return fmt.Errorf("unexpected end of packet data")
				}
				copy(cb.Data, d.buf[d.pos:d.pos+dataLen])
				d.pos += dataLen
			}
		}
	}

	return nil
}

// decodePacketHeader decodes the packet header.
func (d *PacketDecoder) decodePacketHeader(precinct *Precinct, layer int) error {
	// Read packet presence bit
	present, err := d.bio.ReadBit()
	if err != nil {
		return err
	}
	if present == 0 {
		return nil // Empty packet
	}

	// Decode inclusion and length for each code-block
	for _, bandCBs := range precinct.CodeBlocks {
		for cbIdx, cb := range bandCBs {
			var included bool

			if layer == 0 {
				// First layer - use tag tree
				val, err := d.decodeTagTreeValue(precinct.InclusionTree, cbIdx%precinct.InclusionTree.width, cbIdx/precinct.InclusionTree.width)
				if err != nil {
					return err
				}
				included = val == layer
				cb.IncludedInLayers = val
			} else {
				// Subsequent layers - single bit
				bit, err := d.bio.ReadBit()
				if err != nil {
					return err
				}
				included = bit == 1
				if included {
					cb.IncludedInLayers = layer
				}
			}

			if !included {
				continue
			}

			// Zero bit-planes (IMSB)
			if cb.IncludedInLayers == layer {
				val, err := d.decodeTagTreeValue(precinct.IMSBTree, cbIdx%precinct.IMSBTree.width, cbIdx/precinct.IMSBTree.width)
				if err != nil {
					return err
				}
				cb.ZeroBitPlanes = val
			}

			// Number of coding passes
			numPasses, err := d.decodeNumPasses()
			if err != nil {
				return err
			}

			// Length of code-block data: mirrored per segment when the
			// code-block style splits the block into several codeword
			// segments.
			bypass := d.CodeBlockStyle&codestream.CodeBlockBypass != 0
			termall := d.CodeBlockStyle&codestream.CodeBlockTermination != 0
			var length int
			if counts := entropy.SegmentPassCounts(numPasses, bypass, termall); len(counts) > 1 {
				segs, total, err := d.decodeSegmentLengths(cb, counts)
				if err != nil {
					return err
				}
				cb.SegmentLengths = segs
				length = total
			} else {
				var err error
				length, err = d.decodeLength(cb, numPasses)
				if err != nil {
					return err
				}
				cb.SegmentLengths = nil
			}

			cb.Passes = make([]CodingPass, numPasses)
			cb.Data = make([]byte, length)
		}
	}

	return nil
}

// decodeTagTreeValue decodes a fully-resolved value through the
// quadtree at (x, y), mirroring encodeTagTreeValue.
func (d *PacketDecoder) decodeTagTreeValue(tree *TagTree, x, y int) (int, error) {
	value, _, err := tree.Decode(x, y, tagTreeMaxThreshold, d.bio.ReadBit)
	return value, err
}

// decodeNumPasses decodes the number of coding passes.
func (d *PacketDecoder) decodeNumPasses() (int, error) {
	bit, err := d.bio.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 1, nil
	}

	bit, err = d.bio.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 2, nil
	}

	val, err := d.bio.ReadBits(2)
	if err != nil {
		return 0, err
	}
	if val < 3 {
		return int(val) + 3, nil
	}

	val, err = d.bio.ReadBits(5)
	if err != nil {
		return 0, err
	}
	if val < 31 {
		return int(val) + 6, nil
	}

	val, err = d.bio.ReadBits(7)
	if err != nil {
		return 0, err
	}
	return int(val) + 37, nil
}

// decodeLength decodes a code-block's data length, mirroring
// encodeLength: a comma code grows cb.Lblock, then the length is read
// back using cb.Lblock + floor(log2(numNewPasses)) bits.
func (d *PacketDecoder) decodeLength(cb *CodeBlock, numNewPasses int) (int, error) {
	if cb.Lblock == 0 {
		cb.Lblock = 3
	}

	for {
		bit, err := d.bio.ReadBit()
		if err != nil {
			return 0, err
		}
		if bit == 0 {
			break
		}
		cb.Lblock++
	}

	bits := cb.Lblock + log2Floor(numNewPasses)
	length, err := d.bio.ReadBits(uint(bits))
	if err != nil {
		return 0, err
	}
	return int(length), nil
}

// decodeSegmentLengths mirrors encodeSegmentLengths: one shared comma
// code growing cb.Lblock, then one length field per codeword segment,
// each cb.Lblock + floor(log2(passes in segment)) bits wide.
func (d *PacketDecoder) decodeSegmentLengths(cb *CodeBlock, counts []int) ([]int, int, error) {
	if cb.Lblock == 0 {
		cb.Lblock = 3
	}

	for {
		bit, err := d.bio.ReadBit()
		if err != nil {
			return nil, 0, err
		}
		if bit == 0 {
			break
		}
		cb.Lblock++
	}

	segs := make([]int, len(counts))
	total := 0
	for i, passes := range counts {
		bits := cb.Lblock + log2Floor(passes)
		length, err := d.bio.ReadBits(uint(bits))
		if err != nil {
			return nil, 0, err
		}
		segs[i] = int(length)
		total += int(length)
	}
	return segs, total, nil
}

// Position returns the current position in the data.
func (d *PacketDecoder) Position() int {
	return d.pos
}
