package roi

import "testing"

func TestNewMaskPicksBitPackedForDenseRegion(t *testing.T) {
	mask := NewRectMask(10, 10, 0, 0, 9, 9) // 81/100 = dense
	if _, ok := mask.(*BitPackedMask); !ok {
		t.Fatalf("expected *BitPackedMask for dense region, got %T", mask)
	}
}

func TestNewMaskPicksSparseForSmallRegion(t *testing.T) {
	mask := NewRectMask(100, 100, 0, 0, 3, 3) // 9/10000, well under threshold
	if _, ok := mask.(*SparseMask); !ok {
		t.Fatalf("expected *SparseMask for sparse region, got %T", mask)
	}
}

func TestMaskContainsBoundaries(t *testing.T) {
	for _, mask := range []Mask{
		NewRectMask(8, 8, 2, 2, 5, 5),
		newSparseMask(8, 8, rectMembership(8, 8, 2, 2, 5, 5)),
		newBitPackedMask(8, 8, rectMembership(8, 8, 2, 2, 5, 5)),
	} {
		if !mask.Contains(2, 2) || !mask.Contains(4, 4) {
			t.Errorf("%T: expected (2,2) and (4,4) inside region", mask)
		}
		if mask.Contains(5, 5) || mask.Contains(1, 1) {
			t.Errorf("%T: expected (5,5) and (1,1) outside region", mask)
		}
		if mask.Contains(-1, 0) || mask.Contains(0, 100) {
			t.Errorf("%T: expected out-of-bounds coordinates to report false", mask)
		}
	}
}

func rectMembership(width, height, x0, y0, x1, y1 int) []bool {
	m := make([]bool, width*height)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m[y*width+x] = true
		}
	}
	return m
}

func TestShiftUnshiftRoundtrip(t *testing.T) {
	width, height := 8, 8
	mask := NewRectMask(width, height, 2, 2, 5, 5)

	coeffs := make([]int32, width*height)
	for i := range coeffs {
		coeffs[i] = int32(i%17) - 8 // mix of positive and negative values
	}
	original := append([]int32(nil), coeffs...)

	Shift(coeffs, width, height, mask, 4)
	Unshift(coeffs, width, height, mask, 4)

	for i, v := range coeffs {
		if v != original[i] {
			t.Errorf("coeffs[%d] = %d after shift/unshift; want %d", i, v, original[i])
		}
	}
}

func TestShiftRaisesROIAboveBackground(t *testing.T) {
	width, height := 4, 4
	mask := NewRectMask(width, height, 1, 1, 2, 2)

	coeffs := make([]int32, width*height)
	for i := range coeffs {
		coeffs[i] = 3 // uniform small background value
	}
	roiIdx := 1*width + 1
	coeffs[roiIdx] = 3

	Shift(coeffs, width, height, mask, 8)

	for i, v := range coeffs {
		if i == roiIdx {
			continue
		}
		if v >= coeffs[roiIdx] {
			t.Fatalf("background coeff[%d]=%d not below shifted ROI coeff=%d", i, v, coeffs[roiIdx])
		}
	}
}

func TestShiftPreservesSign(t *testing.T) {
	width, height := 2, 2
	mask := NewRectMask(width, height, 0, 0, 2, 2)
	coeffs := []int32{-5, 5, -5, 5}

	Shift(coeffs, width, height, mask, 3)

	if coeffs[0] >= 0 || coeffs[2] >= 0 {
		t.Errorf("expected negative coefficients to stay negative after shift: %v", coeffs)
	}
	if coeffs[1] <= 0 || coeffs[3] <= 0 {
		t.Errorf("expected positive coefficients to stay positive after shift: %v", coeffs)
	}
}
