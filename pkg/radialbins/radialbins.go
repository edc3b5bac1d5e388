// Package radialbins partitions valid detector pixels into adaptive radial
// bins and derives the per-pixel bin membership and interpolation weights
// consumed by radial background subtraction and the radial-statistics peak
// finder.
package radialbins

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
)

// ErrInvalidOptions is returned when the accuracy constants are out of
// range (negative sizes, rank outside [0,1], ...).
var ErrInvalidOptions = errors.New("invalid radial bin options")

// ErrInsufficientBins is returned when no bin can be formed that satisfies
// the minimum count and width constraints, after exhausting all available
// pixels.
var ErrInsufficientBins = errors.New("insufficient bins")

// AccuracyConstants are the tunables governing bin construction.
type AccuracyConstants struct {
	MinValuesPerBin          int
	MinBinWidth              float64
	MaxConsideredValuesPerBin int // 0 = keep all contributors
	Rank                     float64
}

func (c AccuracyConstants) validate() error {
	if c.MinValuesPerBin <= 0 {
		return fmt.Errorf("%w: min_values_per_bin must be positive", ErrInvalidOptions)
	}
	if c.MinBinWidth < 0 {
		return fmt.Errorf("%w: min_bin_width must be non-negative", ErrInvalidOptions)
	}
	if c.MaxConsideredValuesPerBin < 0 {
		return fmt.Errorf("%w: max_considered_values_per_bin must be non-negative", ErrInvalidOptions)
	}
	if c.Rank < 0 || c.Rank > 1 {
		return fmt.Errorf("%w: rank must be in [0,1]", ErrInvalidOptions)
	}
	return nil
}

// Bin is one radial bin: its representative (mean) radius and the number of
// un-thinned pixels that contributed to it. The two sentinel bins (index 0
// and the last index) always have Count == 0 and exist only to bound linear
// extrapolation.
type Bin struct {
	Radius float64
	Count  int
}

// Membership packs a pixel's linear index with its un-thinned bin
// assignment, sorted by LinearIndex for O(1) lookup during a per-image
// accumulation pass.
type Membership struct {
	LinearIndex uint32
	BinIndex    int
}

// RadialBins is the immutable, precomputed output of Build.
type RadialBins struct {
	Bins []Bin

	// Sparse, sorted by LinearIndex, over the un-thinned membership of every
	// unmasked interior pixel on a detector-to-consider panel.
	Sparse []Membership

	// Per-pixel fields, length pix_nn, defined only for unmasked interior
	// pixels of a detector-to-correct panel; IntraBinIndex is -1 elsewhere.
	IntraBinIndex  []int
	IntraBinInterp []float64
}

type contributor struct {
	linear int
	radius float64
	angle  float64
}

// Build implements the C3 algorithm: gather candidate pixels from the
// detectors-to-consider panels, sweep them in radius order into adaptive
// bins, angularly thin each bin's membership for the purpose of computing
// its representative radius, then derive per-pixel interpolation fields for
// the detectors-to-correct panels.
func Build(geom *geometry.Geometry, dense mask.Dense, radiusMap []float64, positionMap []models.Point2D,
	detectorsToConsider, detectorsToCorrect []int, constants AccuracyConstants) (*RadialBins, error) {

	if err := constants.validate(); err != nil {
		return nil, err
	}
	pixNn := geom.Format.PixNn()
	if len(dense) != pixNn || len(radiusMap) != pixNn || len(positionMap) != pixNn {
		return nil, fmt.Errorf("%w: input arrays must have length pix_nn", ErrInvalidOptions)
	}

	considerSet := toSet(detectorsToConsider)
	correctSet := toSet(detectorsToCorrect)

	contributors := gatherContributors(geom, dense, radiusMap, positionMap, considerSet)
	if len(contributors) == 0 {
		return nil, fmt.Errorf("%w: no unmasked interior pixels on any detector-to-consider panel", ErrInsufficientBins)
	}

	sort.Slice(contributors, func(i, j int) bool { return contributors[i].radius < contributors[j].radius })

	rawBins, sparse, err := sweepBins(contributors, constants)
	if err != nil {
		return nil, err
	}

	bins := make([]Bin, 0, len(rawBins)+2)
	bins = append(bins, Bin{Radius: contributors[0].radius, Count: 0})
	for _, rb := range rawBins {
		bins = append(bins, Bin{Radius: rb.radius, Count: rb.count})
	}
	bins = append(bins, Bin{Radius: contributors[len(contributors)-1].radius, Count: 0})

	intraIdx := make([]int, pixNn)
	intraInterp := make([]float64, pixNn)
	for i := range intraIdx {
		intraIdx[i] = -1
	}

	pixNx := geom.Format.PixNx()
	for _, panel := range geom.Panels {
		if !correctSet[panel.Index] {
			continue
		}
		for ss := panel.MinSs + 1; ss < panel.MaxSs; ss++ {
			for fs := panel.MinFs + 1; fs < panel.MaxFs; fs++ {
				idx := ss*pixNx + fs
				if dense.IsBad(idx) {
					continue
				}
				r := radiusMap[idx]
				k := locateBin(bins, r)
				if k < 0 {
					continue
				}
				intraIdx[idx] = k
				span := bins[k+1].Radius - bins[k].Radius
				if span <= 0 {
					intraInterp[idx] = 0
				} else {
					intraInterp[idx] = (r - bins[k].Radius) / span
				}
			}
		}
	}

	return &RadialBins{
		Bins:           bins,
		Sparse:         sparse,
		IntraBinIndex:  intraIdx,
		IntraBinInterp: intraInterp,
	}, nil
}

type rawBin struct {
	radius float64
	count  int
}

// sweepBins performs the radius-ordered sweep that emits adaptive bins,
// angularly thins each bin to compute its representative radius, and
// records the un-thinned sparse membership used for per-image accumulation.
//
// A trailing run of contributors too small to close its own bin is merged
// into the last completed bin rather than dropped or accepted under-filled;
// if no bin ever closes, that merge target does not exist and building
// fails with ErrInsufficientBins.
func sweepBins(contributors []contributor, constants AccuracyConstants) ([]rawBin, []Membership, error) {
	var ranges [][2]int // inclusive [start,end] contributor index ranges

	start := 0
	for i := 0; i < len(contributors); i++ {
		count := i - start + 1
		width := contributors[i].radius - contributors[start].radius
		if count >= constants.MinValuesPerBin && width >= constants.MinBinWidth {
			ranges = append(ranges, [2]int{start, i})
			start = i + 1
		}
	}

	if len(ranges) == 0 {
		return nil, nil, fmt.Errorf("%w: no bin satisfied the minimum count/width after exhausting all pixels", ErrInsufficientBins)
	}
	if start < len(contributors) {
		ranges[len(ranges)-1][1] = len(contributors) - 1
	}

	bins := make([]rawBin, len(ranges))
	sparse := make([]Membership, 0, len(contributors))
	for i, rg := range ranges {
		members := contributors[rg[0] : rg[1]+1]
		bins[i] = rawBin{radius: thinnedMeanRadius(members, constants), count: len(members)}
		for _, c := range members {
			sparse = append(sparse, Membership{LinearIndex: uint32(c.linear), BinIndex: i + 1})
		}
	}

	sort.Slice(sparse, func(i, j int) bool { return sparse[i].LinearIndex < sparse[j].LinearIndex })
	return bins, sparse, nil
}

// thinnedMeanRadius computes the representative radius of a bin's members
// using an angularly-thinned subsample when MaxConsideredValuesPerBin > 0
// and smaller than the full membership, decoupling the estimate from
// localized high-intensity arcs.
func thinnedMeanRadius(members []contributor, constants AccuracyConstants) float64 {
	k := constants.MaxConsideredValuesPerBin
	if k <= 0 || k >= len(members) {
		return meanRadius(members)
	}

	sorted := make([]contributor, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].angle < sorted[j].angle })

	n := len(sorted)
	picked := make([]float64, 0, k)
	for i := 0; i < k; i++ {
		idx := int(math.Floor(float64(i) * float64(n) / float64(k)))
		if idx >= n {
			idx = n - 1
		}
		picked = append(picked, sorted[idx].radius)
	}
	return stat.Mean(picked, nil)
}

func meanRadius(members []contributor) float64 {
	radii := make([]float64, len(members))
	for i, c := range members {
		radii[i] = c.radius
	}
	return stat.Mean(radii, nil)
}

func gatherContributors(geom *geometry.Geometry, dense mask.Dense, radiusMap []float64, positionMap []models.Point2D, consider map[int]bool) []contributor {
	pixNx := geom.Format.PixNx()
	var out []contributor
	for _, panel := range geom.Panels {
		if !consider[panel.Index] {
			continue
		}
		for ss := panel.MinSs + 1; ss < panel.MaxSs; ss++ {
			for fs := panel.MinFs + 1; fs < panel.MaxFs; fs++ {
				idx := ss*pixNx + fs
				if dense.IsBad(idx) {
					continue
				}
				pos := positionMap[idx]
				out = append(out, contributor{
					linear: idx,
					radius: radiusMap[idx],
					angle:  math.Atan2(pos.Y, pos.X),
				})
			}
		}
	}
	return out
}

// locateBin returns k such that Bins[k].Radius <= r <= Bins[k+1].Radius,
// clamped to the valid extrapolation range at the ends.
func locateBin(bins []Bin, r float64) int {
	if len(bins) < 2 {
		return -1
	}
	k := sort.Search(len(bins), func(i int) bool { return bins[i].Radius > r }) - 1
	if k < 0 {
		k = 0
	}
	if k > len(bins)-2 {
		k = len(bins) - 2
	}
	return k
}

func toSet(ids []int) map[int]bool {
	m := make(map[int]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
