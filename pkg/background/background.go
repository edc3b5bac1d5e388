// Package background implements the two radial statistics modes shared by
// the rank-filter background subtractor and the iterative radial threshold
// estimator consumed by the radial-statistics peak finder.
package background

import (
	"math"
	"sort"

	"diffractionhitfinder/pkg/mask"
	"diffractionhitfinder/pkg/radialbins"
)

// SubtractRankFilter implements the rank-filter subtractive background
// mode: for each non-sentinel bin it computes the value at the requested
// rank over that bin's un-thinned membership, linearly extrapolates the two
// sentinel bins from their neighboring pair of real bins, and subtracts the
// interpolated surface from every corrected interior pixel in place.
// Pixels already carrying the mask sentinel are left untouched.
func SubtractRankFilter(data []float32, bins *radialbins.RadialBins, rank float64) {
	values := computeBinValues(data, bins, rank)

	for idx, k := range bins.IntraBinIndex {
		if k < 0 {
			continue
		}
		if data[idx] == mask.Sentinel {
			continue
		}
		t := bins.IntraBinInterp[idx]
		v := values[k] + t*(values[k+1]-values[k])
		data[idx] -= float32(v)
	}
}

// computeBinValues returns, per bin (including the two sentinel bins), the
// rank-filtered value: an interior computation on the bin's un-thinned
// membership, or a linear extrapolation from its two nearest real
// neighbors for the sentinel bins.
func computeBinValues(data []float32, bins *radialbins.RadialBins, rank float64) []float64 {
	n := len(bins.Bins)
	values := make([]float64, n)

	membership := gatherBinsData(data, bins)
	for k := 1; k < n-1; k++ {
		values[k] = rankValue(membership[k], rank)
	}

	if n >= 4 {
		values[0] = extrapolate(bins.Bins[1].Radius, values[1], bins.Bins[2].Radius, values[2], bins.Bins[0].Radius)
		values[n-1] = extrapolate(bins.Bins[n-3].Radius, values[n-3], bins.Bins[n-2].Radius, values[n-2], bins.Bins[n-1].Radius)
	} else if n == 3 {
		values[0] = values[1]
		values[2] = values[1]
	}

	return values
}

// gatherBinsData collects, per bin index, the data values of every pixel in
// that bin's un-thinned membership.
func gatherBinsData(data []float32, bins *radialbins.RadialBins) [][]float64 {
	out := make([][]float64, len(bins.Bins))
	for _, m := range bins.Sparse {
		v := data[m.LinearIndex]
		if v == mask.Sentinel {
			continue
		}
		out[m.BinIndex] = append(out[m.BinIndex], float64(v))
	}
	return out
}

// rankValue returns the value at rank ceil(rank*N)-1 (1-indexed) via a full
// sort of the (small, per-bin) contributor slice.
func rankValue(values []float64, rank float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sortFloat64s(sorted)
	pos := int(math.Ceil(rank*float64(len(sorted)))) - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= len(sorted) {
		pos = len(sorted) - 1
	}
	return sorted[pos]
}

func extrapolate(r0, v0, r1, v1, rTarget float64) float64 {
	if r1 == r0 {
		return v0
	}
	slope := (v1 - v0) / (r1 - r0)
	return v0 + slope*(rTarget-r0)
}

// Thresholds holds, per bin, the offset/sigma/upper/lower band produced by
// the iterative radial statistics estimator.
type Thresholds struct {
	Offset []float64
	Sigma  []float64
	Upper  []float64
	Lower  []float64
}

// ComputeRadialThresholds implements the iterative radial threshold
// statistics mode consumed by the radial-statistics peak finder: over
// `iterations` passes, accumulate per-bin sum/sum-of-squares/count over
// pixels whose current value lies within the previous pass's (lower,upper)
// band, then re-derive offset/sigma/upper/lower. The band is unrestricted
// on the first pass.
func ComputeRadialThresholds(data []float32, bins *radialbins.RadialBins, adcThresh, minSNR float64, iterations int) Thresholds {
	n := len(bins.Bins)
	th := Thresholds{
		Offset: make([]float64, n),
		Sigma:  make([]float64, n),
		Upper:  make([]float64, n),
		Lower:  make([]float64, n),
	}
	for k := range th.Upper {
		th.Upper[k] = math.Inf(1)
		th.Lower[k] = math.Inf(-1)
	}

	for it := 0; it < iterations; it++ {
		sum := make([]float64, n)
		sumSq := make([]float64, n)
		count := make([]int, n)

		for _, m := range bins.Sparse {
			v := float64(data[m.LinearIndex])
			if data[m.LinearIndex] == mask.Sentinel {
				continue
			}
			if v < th.Lower[m.BinIndex] || v > th.Upper[m.BinIndex] {
				continue
			}
			sum[m.BinIndex] += v
			sumSq[m.BinIndex] += v * v
			count[m.BinIndex]++
		}

		for k := 0; k < n; k++ {
			if count[k] == 0 {
				th.Offset[k], th.Sigma[k] = 0, 0
				th.Upper[k] = math.Inf(1)
				th.Lower[k] = math.Inf(-1)
				continue
			}
			offset := sum[k] / float64(count[k])
			variance := sumSq[k]/float64(count[k]) - offset*offset
			if variance < 0 {
				variance = 0
			}
			sigma := math.Sqrt(variance)

			th.Offset[k] = offset
			th.Sigma[k] = sigma
			upper := offset + minSNR*sigma
			if upper < adcThresh {
				upper = adcThresh
			}
			th.Upper[k] = upper
			th.Lower[k] = offset - minSNR*sigma
		}
	}

	return th
}

func sortFloat64s(v []float64) {
	// sorts a bin's full un-thinned membership; a plain sort matches the
	// teacher's own median() helper rather than reaching for a
	// partial-selection library.
	sort.Float64s(v)
}
