package entropy

import (
	"testing"
)

// styleTestData builds a coefficient block spanning enough bit-planes
// to push the bypass style into its raw passes (raw coding only starts
// after ten coded passes, i.e. below the fourth significant plane).
func styleTestData(width, height int) []int32 {
	data := make([]int32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := int32((x*37+y*91)%509 + 1)
			if (x+y)%3 == 0 {
				v = -v
			}
			data[y*width+x] = v
		}
	}
	return data
}

func TestStylePassSchedule(t *testing.T) {
	sched := stylePassSchedule(3)
	want := []styledPass{
		{2, passClean},
		{1, passSig}, {1, passRef}, {1, passClean},
		{0, passSig}, {0, passRef}, {0, passClean},
	}
	if len(sched) != len(want) {
		t.Fatalf("schedule length = %d, want %d", len(sched), len(want))
	}
	for i, p := range sched {
		if p != want[i] {
			t.Errorf("pass %d = %+v, want %+v", i, p, want[i])
		}
	}

	if n := StylePassCount(3); n != 7 {
		t.Errorf("StylePassCount(3) = %d, want 7", n)
	}
	if n := StylePassCount(0); n != 0 {
		t.Errorf("StylePassCount(0) = %d, want 0", n)
	}
}

func TestSegmentPassCounts(t *testing.T) {
	tests := []struct {
		name      string
		numPasses int
		bypass    bool
		termall   bool
		want      []int
	}{
		{"single segment", 7, false, false, []int{7}},
		{"termall", 4, false, true, []int{1, 1, 1, 1}},
		{"bypass too shallow", 10, true, false, []int{10}},
		// 6 planes = 16 passes; passes 0-9 coded, then for each of the
		// two remaining planes a raw SPP+MRP pair and a coded cleanup.
		{"bypass 6 planes", 16, true, false, []int{10, 2, 1, 2, 1}},
		{"zero passes", 0, true, true, nil},
	}

	for _, tt := range tests {
		got := SegmentPassCounts(tt.numPasses, tt.bypass, tt.termall)
		if len(got) != len(tt.want) {
			t.Errorf("%s: counts = %v, want %v", tt.name, got, tt.want)
			continue
		}
		total := 0
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: counts = %v, want %v", tt.name, got, tt.want)
				break
			}
			total += got[i]
		}
		if tt.numPasses > 0 && total != tt.numPasses {
			t.Errorf("%s: counts sum to %d, want %d", tt.name, total, tt.numPasses)
		}
	}
}

func TestStyleRoundTrip(t *testing.T) {
	const width, height = 16, 16
	data := styleTestData(width, height)

	tests := []struct {
		name  string
		setup func(*T1)
	}{
		{"bypass", func(t1 *T1) { t1.Bypass = true }},
		{"reset contexts", func(t1 *T1) { t1.ResetCtx = true }},
		{"terminate all", func(t1 *T1) { t1.TermAll = true }},
		{"vertically causal", func(t1 *T1) { t1.VertCausal = true }},
		{"predictable termination", func(t1 *T1) { t1.PredTerm = true }},
		{"segment symbols", func(t1 *T1) { t1.SegSymbols = true; t1.TermAll = true }},
		{"bypass+termall", func(t1 *T1) { t1.Bypass = true; t1.TermAll = true }},
		{"everything", func(t1 *T1) {
			t1.Bypass = true
			t1.ResetCtx = true
			t1.TermAll = true
			t1.VertCausal = true
			t1.PredTerm = true
			t1.SegSymbols = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewT1(width, height)
			tt.setup(enc)
			enc.SetData(data)
			stream, segLens := enc.EncodeStyled(BandLL)
			if len(stream) == 0 {
				t.Fatal("EncodeStyled produced no output")
			}
			total := 0
			for _, l := range segLens {
				total += l
			}
			if total != len(stream) {
				t.Fatalf("segment lengths sum to %d, stream is %d bytes", total, len(stream))
			}

			dec := NewT1(width, height)
			tt.setup(dec)
			decoded := dec.DecodeStyled(stream, segLens, enc.NumBPS(), BandLL)
			if dec.Corrupt {
				t.Fatalf("valid stream reported corrupt at plane %d", dec.ConcealedPlane)
			}
			for i, want := range data {
				if decoded[i] != want {
					t.Fatalf("coefficient %d = %d, want %d", i, decoded[i], want)
				}
			}
		})
	}
}

func TestStyleRoundTrip_BypassUsesRawSegments(t *testing.T) {
	const width, height = 16, 16
	enc := NewT1(width, height)
	enc.Bypass = true
	enc.SetData(styleTestData(width, height))
	_, segLens := enc.EncodeStyled(BandHL)

	if enc.NumBPS() < 5 {
		t.Skipf("test data spans only %d bit-planes, bypass never engages", enc.NumBPS())
	}
	// 10 coded passes, then alternating raw and coded segments.
	wantSegs := 1 + 2*(enc.NumBPS()-4)
	if len(segLens) != wantSegs {
		t.Errorf("segment count = %d, want %d for %d bit-planes", len(segLens), wantSegs, enc.NumBPS())
	}
}

func TestConcealFrom(t *testing.T) {
	t1 := NewT1(4, 4)
	// Coefficient 0: significant, magnitude 0b1101 -> concealing from
	// plane 1 keeps bits above it and reconstructs at the mid-point.
	t1.data[0] = 0b1101
	t1.setFlag(0, 0, T1Sig)
	// Coefficient 1: never significant, must zero out.
	t1.data[1] = 0b0011

	t1.concealFrom(1)

	if !t1.Corrupt || t1.ConcealedPlane != 1 {
		t.Fatalf("Corrupt=%v ConcealedPlane=%d, want true/1", t1.Corrupt, t1.ConcealedPlane)
	}
	if t1.data[0] != 0b1110 {
		t.Errorf("significant coefficient = %04b, want 1110 (upper bits kept, mid-point set)", t1.data[0])
	}
	if t1.data[1] != 0 {
		t.Errorf("insignificant coefficient = %d, want 0", t1.data[1])
	}
}

func TestDecodePlanes_Truncated(t *testing.T) {
	const width, height = 8, 8
	data := styleTestData(width, height)

	enc := NewT1(width, height)
	enc.SetData(data)
	stream := enc.EncodeSafe(BandLL)
	numBPS := enc.NumBPS()
	if numBPS < 4 {
		t.Fatalf("test data spans only %d bit-planes", numBPS)
	}

	// Decoding only the top planes of a full stream must reproduce each
	// coefficient with its low bits zeroed.
	maxPlanes := numBPS - 2
	keep := ^int32((1 << uint(numBPS-maxPlanes)) - 1)

	dec := NewT1(width, height)
	decoded := dec.DecodePlanes(stream, numBPS, maxPlanes, BandLL)
	for i, want := range data {
		mag := want
		if mag < 0 {
			mag = -mag
		}
		mag &= keep
		expect := mag
		if want < 0 && mag != 0 {
			expect = -mag
		}
		if decoded[i] != expect {
			t.Fatalf("coefficient %d = %d, want %d (from %d)", i, decoded[i], expect, want)
		}
	}
}

func TestSegSymbolRoundTrip(t *testing.T) {
	const width, height = 8, 8
	data := styleTestData(width, height)

	enc := NewT1(width, height)
	enc.SegSymbols = true
	enc.SetData(data)
	stream := enc.EncodeSafe(BandLL)

	dec := NewT1(width, height)
	dec.SegSymbols = true
	decoded := dec.Decode(stream, enc.NumBPS(), BandLL)
	if dec.Corrupt {
		t.Fatalf("valid stream reported corrupt at plane %d", dec.ConcealedPlane)
	}
	for i, want := range data {
		if decoded[i] != want {
			t.Fatalf("coefficient %d = %d, want %d", i, decoded[i], want)
		}
	}
}

func TestMQPredictableTermination(t *testing.T) {
	enc := NewMQEncoder()
	bits := []int{1, 0, 1, 1, 0, 0, 1, 0, 1, 1, 1, 0, 0, 1}
	for _, b := range bits {
		enc.Encode(CtxZC0, b)
	}
	stream := enc.FlushPredictable()

	dec := NewMQDecoder(stream)
	for i, want := range bits {
		if got := dec.Decode(CtxZC0); got != want {
			t.Fatalf("bit %d = %d, want %d", i, got, want)
		}
	}
	if !dec.PredictableTerminationOK() {
		t.Error("predictable termination check failed on a valid stream")
	}
}

func TestMQEncoderRestartKeepsContexts(t *testing.T) {
	enc := NewMQEncoder()
	for i := 0; i < 20; i++ {
		enc.Encode(CtxZC3, i&1)
	}
	adapted := enc.Contexts()
	enc.Flush()
	enc.Restart()

	if enc.Contexts() != adapted {
		t.Error("Restart changed the context states")
	}
	enc.ResetContexts()
	fresh := NewMQEncoder()
	if enc.Contexts() != fresh.Contexts() {
		t.Error("ResetContexts did not restore the initial states")
	}
}
