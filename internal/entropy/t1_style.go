// Package entropy - t1_style.go implements the optional code-block
// coding styles signaled in the COD/COC code-block style byte: raw
// bypass, per-pass context reset, per-pass termination, vertically
// causal contexts, and predictable termination. These styles change the
// codeword segment structure, so encoding and decoding walk an explicit
// pass schedule instead of the plain three-passes-per-plane loop.
package entropy

import "math"

// Coding pass kinds in standard order within a bit-plane.
const (
	passSig = iota
	passRef
	passClean
)

// styledPass is one entry of a code-block's pass schedule.
type styledPass struct {
	bp   int
	kind int
}

// stylePassSchedule returns the full coding pass sequence for a
// code-block spanning numBPS bit-planes: the top plane has only a
// cleanup pass, every lower plane has significance, refinement, and
// cleanup in that order.
func stylePassSchedule(numBPS int) []styledPass {
	if numBPS <= 0 {
		return nil
	}
	sched := make([]styledPass, 0, 3*numBPS-2)
	sched = append(sched, styledPass{numBPS - 1, passClean})
	for bp := numBPS - 2; bp >= 0; bp-- {
		sched = append(sched,
			styledPass{bp, passSig},
			styledPass{bp, passRef},
			styledPass{bp, passClean},
		)
	}
	return sched
}

// StylePassCount returns the total number of coding passes for a
// code-block spanning numBPS bit-planes.
func StylePassCount(numBPS int) int {
	if numBPS <= 0 {
		return 0
	}
	return 3*numBPS - 2
}

// stylePassIsRaw reports whether pass index k (into the schedule) is
// coded raw under the bypass style: significance and refinement passes
// once the four most significant bit-planes are done, i.e. from the
// eleventh pass on. Cleanup passes always stay arithmetic-coded.
func stylePassIsRaw(k, numBPS int) bool {
	if k == 0 {
		return false
	}
	kind := (k - 1) % 3
	if kind == 2 {
		return false
	}
	depth := 1 + (k-1)/3
	return depth >= 4
}

// SegmentPassCounts returns how many coding passes each codeword
// segment of a code-block spans, given its total pass count and the
// signaled styles. With per-pass termination every pass is its own
// segment; with bypass alone, a segment boundary falls wherever the
// coder switches between arithmetic and raw mode; otherwise the whole
// code-block is one segment. Both the packet header codec and the
// Tier-1 codec derive segment structure from this, so the two always
// agree.
func SegmentPassCounts(numPasses int, bypass, termall bool) []int {
	if numPasses <= 0 {
		return nil
	}
	if termall {
		counts := make([]int, numPasses)
		for i := range counts {
			counts[i] = 1
		}
		return counts
	}
	if !bypass {
		return []int{numPasses}
	}

	numBPS := (numPasses + 2) / 3
	var counts []int
	cur := 0
	prevRaw := false
	for k := 0; k < numPasses; k++ {
		raw := stylePassIsRaw(k, numBPS)
		if k > 0 && raw != prevRaw {
			counts = append(counts, cur)
			cur = 0
		}
		cur++
		prevRaw = raw
	}
	return append(counts, cur)
}

// multiSegment reports whether the style combination splits a
// code-block into more than one codeword segment.
func multiSegment(bypass, termall bool) bool {
	return bypass || termall
}

// causalS reports whether the coefficient at row y must not see the
// stripe below it during context formation.
func (t *T1) causalS(y int) bool {
	return t.VertCausal && y&3 == 3
}

// zcContextStyled is getZCContext with vertically-causal masking: on
// the last row of a stripe the S/SW/SE neighbors read as insignificant.
func (t *T1) zcContextStyled(x, y int) int {
	idx := t.flagIndex(x, y)
	stride := t.width + 2
	f := t.flags
	maskSouth := t.causalS(y)

	var packed uint8
	if f[idx-1]&T1Sig != 0 {
		packed |= 0x01
	}
	if f[idx+1]&T1Sig != 0 {
		packed |= 0x02
	}
	if f[idx-stride]&T1Sig != 0 {
		packed |= 0x04
	}
	if !maskSouth {
		if f[idx+stride]&T1Sig != 0 {
			packed |= 0x08
		}
		if f[idx+stride-1]&T1Sig != 0 {
			packed |= 0x40
		}
		if f[idx+stride+1]&T1Sig != 0 {
			packed |= 0x80
		}
	}
	if f[idx-stride-1]&T1Sig != 0 {
		packed |= 0x10
	}
	if f[idx-stride+1]&T1Sig != 0 {
		packed |= 0x20
	}

	return int(lutZCCtx[t.bandType*256+int(packed)])
}

// scContextStyled is getSCContext with vertically-causal masking of the
// south neighbor's sign contribution.
func (t *T1) scContextStyled(x, y int) (ctx int, pred int) {
	idx := t.flagIndex(x, y)
	stride := t.width + 2
	f := t.flags

	hc := 0
	if f[idx-1]&T1Sig != 0 {
		if f[idx-1]&T1SignNeg != 0 {
			hc--
		} else {
			hc++
		}
	}
	if f[idx+1]&T1Sig != 0 {
		if f[idx+1]&T1SignNeg != 0 {
			hc--
		} else {
			hc++
		}
	}

	vc := 0
	if f[idx-stride]&T1Sig != 0 {
		if f[idx-stride]&T1SignNeg != 0 {
			vc--
		} else {
			vc++
		}
	}
	if !t.causalS(y) && f[idx+stride]&T1Sig != 0 {
		if f[idx+stride]&T1SignNeg != 0 {
			vc--
		} else {
			vc++
		}
	}

	pred = 0
	if hc < 0 {
		pred = 1
		hc = -hc
	}
	if hc == 0 {
		if vc < 0 {
			pred = 1
			vc = -vc
		}
	}

	ctx = CtxSC0
	if hc == 1 {
		if vc == 1 {
			ctx = CtxSC4
		} else if vc == 0 {
			ctx = CtxSC2
		} else {
			ctx = CtxSC1
		}
	} else if hc == 0 {
		if vc == 1 {
			ctx = CtxSC1
		}
	} else if hc == 2 {
		ctx = CtxSC3
	}

	return
}

// mrContextStyled is getMRContext with vertically-causal masking.
func (t *T1) mrContextStyled(x, y int) int {
	idx := t.flagIndex(x, y)
	stride := t.width + 2
	f := t.flags

	if f[idx]&T1Refine != 0 {
		return CtxMag2
	}

	neighbors := f[idx-1] | f[idx+1] | f[idx-stride] |
		f[idx-stride-1] | f[idx-stride+1]
	if !t.causalS(y) {
		neighbors |= f[idx+stride] | f[idx+stride-1] | f[idx+stride+1]
	}
	if neighbors&T1Sig != 0 {
		return CtxMag1
	}
	return CtxMag0
}

// hasSigNeighborStyled reports whether any context-visible neighbor is
// significant.
func (t *T1) hasSigNeighborStyled(x, y int) bool {
	idx := t.flagIndex(x, y)
	stride := t.width + 2
	f := t.flags

	neighbors := f[idx-1] | f[idx+1] | f[idx-stride] |
		f[idx-stride-1] | f[idx-stride+1]
	if !t.causalS(y) {
		neighbors |= f[idx+stride] | f[idx+stride-1] | f[idx+stride+1]
	}
	return neighbors&T1Sig != 0
}

// encodeSegSymbolMQ appends the segmentation symbol through the
// method-based MQ encoder used by the styled path.
func (t *T1) encodeSegSymbolMQ() {
	for _, b := range segSymbolPattern {
		t.mqEnc.Encode(CtxUni, b)
	}
}

// checkSegSymbolStyled decodes the segmentation symbol on the styled
// decode path and reports whether it matched.
func (t *T1) checkSegSymbolStyled() bool {
	ok := true
	for _, want := range segSymbolPattern {
		if t.mqDec.Decode(CtxUni) != want {
			ok = false
		}
	}
	return ok
}

// encodeSigPassStyled is the arithmetic significance propagation pass
// honoring vertically-causal contexts.
func (t *T1) encodeSigPassStyled(bp int) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if t.hasFlag(x, y, T1Sig) {
				continue
			}
			if !t.hasSigNeighborStyled(x, y) {
				continue
			}

			sig := 0
			if t.data[y*t.width+x]&bit != 0 {
				sig = 1
			}
			t.mqEnc.Encode(t.zcContextStyled(x, y), sig)

			if sig != 0 {
				t.encodeSignStyled(x, y)
				t.setFlag(x, y, T1Sig)
				t.updateNeighborFlags(x, y)
			}
			t.setFlag(x, y, T1Visit)
		}
	}
}

// encodeSignStyled codes the sign of a newly significant coefficient
// with causal-aware sign contexts.
func (t *T1) encodeSignStyled(x, y int) {
	ctx, pred := t.scContextStyled(x, y)
	sign := 0
	if t.hasFlag(x, y, T1SignNeg) {
		sign = 1
	}
	t.mqEnc.Encode(ctx, sign^pred)
}

// encodeSigPassRaw is the bypass significance propagation pass: one raw
// bit per candidate coefficient, a raw sign bit when it becomes
// significant.
func (t *T1) encodeSigPassRaw(bp int, raw *RawEncoder) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if t.hasFlag(x, y, T1Sig) {
				continue
			}
			if !t.hasSigNeighborStyled(x, y) {
				continue
			}

			sig := 0
			if t.data[y*t.width+x]&bit != 0 {
				sig = 1
			}
			raw.EncodeBit(sig)

			if sig != 0 {
				sign := 0
				if t.hasFlag(x, y, T1SignNeg) {
					sign = 1
				}
				raw.EncodeBit(sign)
				t.setFlag(x, y, T1Sig)
				t.updateNeighborFlags(x, y)
			}
			t.setFlag(x, y, T1Visit)
		}
	}
}

// encodeRefPassStyled is the arithmetic magnitude refinement pass
// honoring vertically-causal contexts.
func (t *T1) encodeRefPassStyled(bp int) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if !t.hasFlag(x, y, T1Sig) || t.hasFlag(x, y, T1Visit) {
				continue
			}

			refBit := 0
			if t.data[y*t.width+x]&bit != 0 {
				refBit = 1
			}
			t.mqEnc.Encode(t.mrContextStyled(x, y), refBit)
			t.setFlag(x, y, T1Refine)
		}
	}
}

// encodeRefPassRaw is the bypass magnitude refinement pass.
func (t *T1) encodeRefPassRaw(bp int, raw *RawEncoder) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if !t.hasFlag(x, y, T1Sig) || t.hasFlag(x, y, T1Visit) {
				continue
			}

			refBit := 0
			if t.data[y*t.width+x]&bit != 0 {
				refBit = 1
			}
			raw.EncodeBit(refBit)
			t.setFlag(x, y, T1Refine)
		}
	}
}

// canUseRunLengthStyled mirrors canUseRunLength with causal masking:
// the stripe below never disqualifies a run under vertically-causal
// contexts.
func (t *T1) canUseRunLengthStyled(x, y int) bool {
	if y+4 > t.height {
		return false
	}
	stride := t.width + 2
	idx0 := (y+1)*stride + x + 1
	idx1 := idx0 + stride
	idx2 := idx1 + stride
	idx3 := idx2 + stride
	f := t.flags

	if (f[idx0]|f[idx1]|f[idx2]|f[idx3])&(T1Sig|T1Visit) != 0 {
		return false
	}

	left := f[idx0-1] | f[idx1-1] | f[idx2-1] | f[idx3-1]
	right := f[idx0+1] | f[idx1+1] | f[idx2+1] | f[idx3+1]
	if (left|right)&T1Sig != 0 {
		return false
	}

	n := f[idx0-stride] | f[idx0-stride-1] | f[idx0-stride+1]
	if n&T1Sig != 0 {
		return false
	}

	if !t.VertCausal {
		s := f[idx3+stride] | f[idx3+stride-1] | f[idx3+stride+1]
		if s&T1Sig != 0 {
			return false
		}
	}
	return true
}

// encodeCleanupPassStyled is the arithmetic cleanup pass honoring
// vertically-causal contexts, with run-length coding of all-zero
// stripe columns.
func (t *T1) encodeCleanupPassStyled(bp int) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y += 4 {
		for x := 0; x < t.width; x++ {
			if t.canUseRunLengthStyled(x, y) {
				t.encodeRunLengthStyled(x, y, bit)
				continue
			}

			for yy := y; yy < y+4 && yy < t.height; yy++ {
				if t.hasFlag(x, yy, T1Visit) {
					t.clearFlag(x, yy, T1Visit)
					continue
				}
				if t.hasFlag(x, yy, T1Sig) {
					continue
				}

				sig := 0
				if t.data[yy*t.width+x]&bit != 0 {
					sig = 1
				}
				t.mqEnc.Encode(t.zcContextStyled(x, yy), sig)

				if sig != 0 {
					t.encodeSignStyled(x, yy)
					t.setFlag(x, yy, T1Sig)
					t.updateNeighborFlags(x, yy)
				}
			}
		}
	}
}

// encodeRunLengthStyled codes one stripe column via run-length coding.
func (t *T1) encodeRunLengthStyled(x, y int, bit int32) {
	firstSig := -1
	for i := 0; i < 4; i++ {
		if t.data[(y+i)*t.width+x]&bit != 0 {
			firstSig = i
			break
		}
	}

	if firstSig == -1 {
		t.mqEnc.Encode(CtxRL, 0)
		return
	}

	t.mqEnc.Encode(CtxRL, 1)
	t.mqEnc.Encode(CtxUni, (firstSig>>1)&1)
	t.mqEnc.Encode(CtxUni, firstSig&1)

	t.encodeSignStyled(x, y+firstSig)
	t.setFlag(x, y+firstSig, T1Sig)
	t.updateNeighborFlags(x, y+firstSig)

	for i := firstSig + 1; i < 4; i++ {
		sig := 0
		if t.data[(y+i)*t.width+x]&bit != 0 {
			sig = 1
		}
		t.mqEnc.Encode(t.zcContextStyled(x, y+i), sig)
		if sig != 0 {
			t.encodeSignStyled(x, y+i)
			t.setFlag(x, y+i, T1Sig)
			t.updateNeighborFlags(x, y+i)
		}
	}
}

// EncodeStyled encodes a code-block honoring the configured code-block
// styles, returning the concatenated codeword segments and each
// segment's byte length in order. The segment structure follows
// SegmentPassCounts exactly, which is also how the packet header
// signals the lengths and how DecodeStyled walks them back.
func (t *T1) EncodeStyled(bandType int) ([]byte, []int) {
	t.bandType = bandType
	t.mqEnc.Reset()

	maxVal := int32(0)
	for _, v := range t.data {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal == 0 {
		t.numBPS = 0
		return nil, nil
	}
	t.numBPS = int(math.Ceil(math.Log2(float64(maxVal + 1))))

	sched := stylePassSchedule(t.numBPS)
	counts := SegmentPassCounts(len(sched), t.Bypass, t.TermAll)

	var out []byte
	segLens := make([]int, 0, len(counts))
	k := 0
	for _, n := range counts {
		raw := t.Bypass && stylePassIsRaw(k, t.numBPS)
		var rawEnc *RawEncoder
		if raw {
			rawEnc = NewRawEncoder()
		}

		for j := 0; j < n; j++ {
			p := sched[k]
			switch {
			case p.kind == passSig && raw:
				t.encodeSigPassRaw(p.bp, rawEnc)
			case p.kind == passSig:
				t.encodeSigPassStyled(p.bp)
			case p.kind == passRef && raw:
				t.encodeRefPassRaw(p.bp, rawEnc)
			case p.kind == passRef:
				t.encodeRefPassStyled(p.bp)
			default:
				t.encodeCleanupPassStyled(p.bp)
				if t.SegSymbols {
					t.encodeSegSymbolMQ()
				}
			}
			if t.ResetCtx {
				t.mqEnc.ResetContexts()
			}
			k++
		}

		var seg []byte
		if raw {
			seg = rawEnc.Flush()
		} else {
			if t.PredTerm {
				seg = t.mqEnc.FlushPredictable()
			} else {
				seg = t.mqEnc.Flush()
			}
			t.mqEnc.Restart()
		}
		out = append(out, seg...)
		segLens = append(segLens, len(seg))
	}

	return out, segLens
}

// decodeSigPassStyled mirrors encodeSigPassStyled.
func (t *T1) decodeSigPassStyled(bp int) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if t.hasFlag(x, y, T1Sig) {
				continue
			}
			if !t.hasSigNeighborStyled(x, y) {
				continue
			}

			if t.mqDec.Decode(t.zcContextStyled(x, y)) != 0 {
				t.data[y*t.width+x] = bit
				t.decodeSignStyled(x, y)
				t.setFlag(x, y, T1Sig)
				t.updateNeighborFlags(x, y)
			}
			t.setFlag(x, y, T1Visit)
		}
	}
}

// decodeSignStyled mirrors encodeSignStyled.
func (t *T1) decodeSignStyled(x, y int) {
	ctx, pred := t.scContextStyled(x, y)
	if t.mqDec.Decode(ctx)^pred != 0 {
		t.setFlag(x, y, T1SignNeg)
	}
}

// decodeSigPassRaw mirrors encodeSigPassRaw.
func (t *T1) decodeSigPassRaw(bp int, raw *RawDecoder) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if t.hasFlag(x, y, T1Sig) {
				continue
			}
			if !t.hasSigNeighborStyled(x, y) {
				continue
			}

			if raw.DecodeBit() != 0 {
				t.data[y*t.width+x] = bit
				if raw.DecodeBit() != 0 {
					t.setFlag(x, y, T1SignNeg)
				}
				t.setFlag(x, y, T1Sig)
				t.updateNeighborFlags(x, y)
			}
			t.setFlag(x, y, T1Visit)
		}
	}
}

// decodeRefPassStyled mirrors encodeRefPassStyled.
func (t *T1) decodeRefPassStyled(bp int) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if !t.hasFlag(x, y, T1Sig) || t.hasFlag(x, y, T1Visit) {
				continue
			}

			if t.mqDec.Decode(t.mrContextStyled(x, y)) != 0 {
				t.data[y*t.width+x] |= bit
			}
			t.setFlag(x, y, T1Refine)
		}
	}
}

// decodeRefPassRaw mirrors encodeRefPassRaw.
func (t *T1) decodeRefPassRaw(bp int, raw *RawDecoder) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			if !t.hasFlag(x, y, T1Sig) || t.hasFlag(x, y, T1Visit) {
				continue
			}

			if raw.DecodeBit() != 0 {
				t.data[y*t.width+x] |= bit
			}
			t.setFlag(x, y, T1Refine)
		}
	}
}

// decodeCleanupPassStyled mirrors encodeCleanupPassStyled.
func (t *T1) decodeCleanupPassStyled(bp int) {
	bit := int32(1) << uint(bp)

	for y := 0; y < t.height; y += 4 {
		for x := 0; x < t.width; x++ {
			if t.canUseRunLengthStyled(x, y) {
				t.decodeRunLengthStyled(x, y, bit)
				continue
			}

			for yy := y; yy < y+4 && yy < t.height; yy++ {
				if t.hasFlag(x, yy, T1Visit) {
					t.clearFlag(x, yy, T1Visit)
					continue
				}
				if t.hasFlag(x, yy, T1Sig) {
					continue
				}

				if t.mqDec.Decode(t.zcContextStyled(x, yy)) != 0 {
					t.data[yy*t.width+x] = bit
					t.decodeSignStyled(x, yy)
					t.setFlag(x, yy, T1Sig)
					t.updateNeighborFlags(x, yy)
				}
			}
		}
	}
}

// decodeRunLengthStyled mirrors encodeRunLengthStyled.
func (t *T1) decodeRunLengthStyled(x, y int, bit int32) {
	if t.mqDec.Decode(CtxRL) == 0 {
		return
	}

	pos := t.mqDec.Decode(CtxUni) << 1
	pos |= t.mqDec.Decode(CtxUni)

	t.data[(y+pos)*t.width+x] = bit
	t.decodeSignStyled(x, y+pos)
	t.setFlag(x, y+pos, T1Sig)
	t.updateNeighborFlags(x, y+pos)

	for i := pos + 1; i < 4; i++ {
		if t.mqDec.Decode(t.zcContextStyled(x, y+i)) != 0 {
			t.data[(y+i)*t.width+x] = bit
			t.decodeSignStyled(x, y+i)
			t.setFlag(x, y+i, T1Sig)
			t.updateNeighborFlags(x, y+i)
		}
	}
}

// DecodeStyled decodes a code-block encoded with EncodeStyled. segLens
// carries each codeword segment's byte length as signaled in the packet
// header; when empty the whole stream is treated as one segment. A
// failed segmentation-symbol or predictable-termination check stops
// decoding and conceals the affected bit-planes at their mid-points.
func (t *T1) DecodeStyled(data []byte, segLens []int, numBPS, bandType int) []int32 {
	t.bandType = bandType
	t.numBPS = numBPS

	for i := range t.data {
		t.data[i] = 0
	}
	for i := range t.flags {
		t.flags[i] = 0
	}
	t.Corrupt = false
	t.ConcealedPlane = -1

	sched := stylePassSchedule(numBPS)
	counts := SegmentPassCounts(len(sched), t.Bypass, t.TermAll)
	if len(segLens) == 0 {
		segLens = []int{len(data)}
	}

	var mqCtxs [NumContexts]uint8
	haveCtxs := false

	offset := 0
	k := 0
	corruptAt := -1

segments:
	for si, n := range counts {
		segLen := len(data) - offset
		if si < len(segLens) {
			segLen = segLens[si]
		}
		if segLen < 0 || offset+segLen > len(data) {
			segLen = len(data) - offset
		}
		seg := data[offset : offset+segLen]

		raw := t.Bypass && stylePassIsRaw(k, numBPS)
		if raw {
			rd := NewRawDecoder(seg)
			for j := 0; j < n; j++ {
				p := sched[k]
				if p.kind == passSig {
					t.decodeSigPassRaw(p.bp, rd)
				} else {
					t.decodeRefPassRaw(p.bp, rd)
				}
				k++
			}
		} else {
			t.mqDec = NewMQDecoder(seg)
			if haveCtxs {
				t.mqDec.SetContexts(mqCtxs)
			}
			for j := 0; j < n; j++ {
				p := sched[k]
				switch p.kind {
				case passSig:
					t.decodeSigPassStyled(p.bp)
				case passRef:
					t.decodeRefPassStyled(p.bp)
				default:
					t.decodeCleanupPassStyled(p.bp)
					if t.SegSymbols && !t.checkSegSymbolStyled() {
						corruptAt = p.bp
						break segments
					}
				}
				if t.ResetCtx {
					t.mqDec.ResetAllContexts()
				}
				k++
			}
			if t.PredTerm && !t.mqDec.PredictableTerminationOK() {
				corruptAt = sched[k-1].bp
				break segments
			}
			mqCtxs = t.mqDec.Contexts()
			haveCtxs = true
		}

		offset += segLen
	}

	if corruptAt >= 0 {
		t.concealFrom(corruptAt)
	}

	return t.applySigns()
}
