package roi

import (
	"math"
	"slices"
)

// Epsilon replaces a zero area percentage before dividing by it.
const Epsilon = 1e-6

type Stats struct {
	PctValue    float64 // P-th percentile in map units
	Percentile  float64 // PctValue * 100
	AreaPercent float64
	Combined    float64
}

// Percentile interpolates linearly between the two closest ranks, the same
// definition numpy uses by default. p is on the 0..100 scale.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	p = min(max(p, 0), 100)
	idx := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(idx-float64(lo))
}

// Score computes the percentile, thresholded area and their combination
// over an ROI's pixel values. An empty set scores zero.
func Score(values []float64, p Params) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	pctValue := Percentile(values, float64(p.Percentile))
	s := Stats{PctValue: pctValue, Percentile: pctValue * 100}

	thr := p.AbsThreshold
	if p.Mode == ModeRelative {
		thr = pctValue
	}
	above := 0
	for _, v := range values {
		if v > thr {
			above++
		}
	}
	s.AreaPercent = float64(above) / float64(len(values)) * 100
	s.Combined = Combine(s.Percentile, s.AreaPercent, p.Method)
	return s
}

// Combine merges percentile and area percentages. Unknown methods behave
// like CombineMax, which is pct/area with area floored at Epsilon.
func Combine(pct, area float64, method CombineMethod) float64 {
	if method == CombineMean {
		return (pct + area) / 2
	}
	safe := area
	if safe <= 0 {
		safe = Epsilon
	}
	return pct / safe
}

func Passed(combined, threshold float64) bool {
	return combined >= threshold
}
