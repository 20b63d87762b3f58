package tcd

import (
	"sort"

	"github.com/corej2k/jpeg2000/internal/entropy"
)

// convexHull reduces a code-block's candidate truncation points (one
// per bit-plane, in increasing byte order) to its lower convex hull in
// (bytes, distortion) space. Any point strictly above the hull is
// dominated by a linear combination of its neighbors and can never be
// the optimum for any Lagrangian slope threshold, so PCRD search only
// ever needs to consider hull points.
func convexHull(rates []entropy.BitPlaneRate) []entropy.BitPlaneRate {
	if len(rates) == 0 {
		return nil
	}

	sorted := make([]entropy.BitPlaneRate, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bytes < sorted[j].Bytes })

	hull := make([]entropy.BitPlaneRate, 0, len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 {
			a, b := hull[len(hull)-2], hull[len(hull)-1]
			// Distortion must strictly decrease as bytes increase for a
			// point to belong on a useful hull; drop b if adding p makes
			// b a concave (interior) point.
			if !isConvex(a, b, p) {
				hull = hull[:len(hull)-1]
				continue
			}
			break
		}
		hull = append(hull, p)
	}
	return hull
}

// isConvex reports whether b lies strictly below the line from a to p,
// i.e. whether keeping b still contributes a strictly decreasing slope.
func isConvex(a, b, p entropy.BitPlaneRate) bool {
	if p.Bytes == a.Bytes {
		return true
	}
	// Slope a->p compared against slope a->b: b is convex (kept) only
	// if its distortion drop arrives faster (steeper negative slope)
	// than the direct a->p line.
	slopeAP := (p.Distortion - a.Distortion) / float64(p.Bytes-a.Bytes)
	if b.Bytes == a.Bytes {
		return false
	}
	slopeAB := (b.Distortion - a.Distortion) / float64(b.Bytes-a.Bytes)
	return slopeAB < slopeAP
}

// rdSlope returns the rate-distortion slope between two adjacent hull
// points: how much distortion is removed per extra byte spent.
func rdSlope(a, b entropy.BitPlaneRate) float64 {
	db := b.Bytes - a.Bytes
	if db <= 0 {
		return 0
	}
	return (a.Distortion - b.Distortion) / float64(db)
}

// bytesAtLambda returns the largest hull point whose incremental slope
// (relative to the previous kept point) is still >= lambda, i.e. the
// truncation point a PCRD pass at threshold lambda would choose.
func bytesAtLambda(hull []entropy.BitPlaneRate, lambda float64) entropy.BitPlaneRate {
	if len(hull) == 0 {
		return entropy.BitPlaneRate{}
	}
	chosen := entropy.BitPlaneRate{Bytes: 0, Distortion: hull[0].Distortion}
	prev := chosen
	for _, p := range hull {
		if rdSlope(prev, p) < lambda {
			break
		}
		chosen = p
		prev = p
	}
	return chosen
}

// PCRDAllocate runs the classic post-compression rate-distortion
// optimization (Taubman & Marcellin §10; OpenJPEG's rate_control): for
// a set of code-blocks, each already hull-reduced, find via bisection
// on the Lagrangian slope lambda the most generous threshold whose
// combined byte usage does not exceed targetBytes. It returns the
// chosen truncation point for each code-block, in the same order as
// candidates.
func PCRDAllocate(candidates [][]entropy.BitPlaneRate, targetBytes int) []entropy.BitPlaneRate {
	hulls := make([][]entropy.BitPlaneRate, len(candidates))
	maxSlope := 0.0
	for i, c := range candidates {
		hulls[i] = convexHull(c)
		for j := 1; j < len(hulls[i]); j++ {
			if s := rdSlope(hulls[i][j-1], hulls[i][j]); s > maxSlope {
				maxSlope = s
			}
		}
	}

	if maxSlope == 0 {
		maxSlope = 1
	}

	lo, hi := 0.0, maxSlope*2
	var best []entropy.BitPlaneRate
	for iter := 0; iter < 32; iter++ {
		mid := (lo + hi) / 2
		chosen := make([]entropy.BitPlaneRate, len(hulls))
		total := 0
		for i, h := range hulls {
			chosen[i] = bytesAtLambda(h, mid)
			total += chosen[i].Bytes
		}
		if total <= targetBytes {
			best = chosen
			hi = mid
		} else {
			lo = mid
		}
	}

	if best == nil {
		// No threshold tried met the budget; return all-zero
		// allocations.
		best = make([]entropy.BitPlaneRate, len(hulls))
	}
	return best
}
