// Package streaks implements the detector-streak finder: a radial median
// filter run along a fixed fan of directions from the beam center, extended
// while it stays above a per-frame threshold, masking every pixel the
// extended streak crosses.
package streaks

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

// ErrInvalidOptions is returned when the accuracy constants are out of range.
var ErrInvalidOptions = errors.New("invalid streak finder options")

// Rectangle is an inclusive raw-coordinate rectangle used both for the
// background-estimation regions and internally for panel bounds checks.
type Rectangle struct {
	MinFs, MaxFs int
	MinSs, MaxSs int
}

// AccuracyConstants are the tunables governing streak detection.
type AccuracyConstants struct {
	FilterLength    int
	MinFilterLength int
	FilterStep      float64

	SigmaFactor                   float64
	StreakElongationMinStepsCount int
	StreakElongationRadiusFactor  float64
	StreakPixelMaskRadius         int

	PixelsToCheck             []models.Point2D
	BackgroundEstimationRegions []Rectangle
}

func (c AccuracyConstants) validate() error {
	if c.FilterLength <= 0 || c.MinFilterLength <= 0 || c.MinFilterLength > c.FilterLength {
		return fmt.Errorf("%w: filter_length/min_filter_length out of range", ErrInvalidOptions)
	}
	if c.FilterStep <= 0 {
		return fmt.Errorf("%w: filter_step must be positive", ErrInvalidOptions)
	}
	if len(c.PixelsToCheck) == 0 {
		return fmt.Errorf("%w: pixels_to_check must not be empty", ErrInvalidOptions)
	}
	if len(c.BackgroundEstimationRegions) < 2 {
		return fmt.Errorf("%w: at least two background_estimation_regions are required", ErrInvalidOptions)
	}
	return nil
}

// PrecomputedConstants is the once-per-geometry output of Precompute, reused
// across every frame processed against the same detector geometry and mask.
type PrecomputedConstants struct {
	filterDirection []models.Point2D
	checkPanel      []int

	// radialFilterContributors[panelIdx] maps a pixel's linear index to the
	// list of unmasked linear pixel indices sampled along the radial
	// direction from that pixel; a pixel with fewer than MinFilterLength
	// samples has no entry.
	radialFilterContributors []map[int][]int32

	// streakMaskSteps[i] is, for pixelToCheck i, the cumulative set of
	// linear pixel indices to mask once the streak has reached a given
	// length; streakMaskSteps[i][L] is the mask set for streak length L,
	// growing monotonically with L.
	streakMaskSteps [][][]int32
}

// Precompute derives the fixed geometric quantities streakFinder needs:
// per-check-pixel radial direction and owning panel, per-pixel radial
// filter contributor lists, and the cumulative streak mask sets. It must be
// rebuilt whenever the geometry or mask changes, but is reused unchanged
// across every frame.
func Precompute(constants AccuracyConstants, geom *geometry.Geometry, dense mask.Dense) (*PrecomputedConstants, error) {
	if err := constants.validate(); err != nil {
		return nil, err
	}

	pc := &PrecomputedConstants{
		filterDirection: make([]models.Point2D, len(constants.PixelsToCheck)),
		checkPanel:      make([]int, len(constants.PixelsToCheck)),
	}

	for i, px := range constants.PixelsToCheck {
		panelIdx := panelIndexFor(geom.Format, px)
		if panelIdx < 0 || panelIdx >= len(geom.Panels) {
			return nil, fmt.Errorf("%w: pixel_to_check %d lies outside the detector", ErrInvalidOptions, i)
		}
		pc.checkPanel[i] = panelIdx
		dir := px.Sub(geom.Panels[panelIdx].VirtualZeroRaw)
		norm := dir.Norm()
		if norm == 0 {
			return nil, fmt.Errorf("%w: pixel_to_check %d coincides with its panel's virtual zero", ErrInvalidOptions, i)
		}
		pc.filterDirection[i] = models.Point2D{X: dir.X / norm, Y: dir.Y / norm}
	}

	pc.radialFilterContributors = precomputeRadialFilterContributors(constants, geom, dense)
	pc.streakMaskSteps = precomputeStreakMaskSteps(constants, geom, dense, pc)

	return pc, nil
}

func panelIndexFor(format geometry.RawFormat, p models.Point2D) int {
	fs, ss := int(math.Round(p.X)), int(math.Round(p.Y))
	if fs < 0 || ss < 0 {
		return -1
	}
	aifs, aiss := fs/format.AsicNx, ss/format.AsicNy
	if aifs >= format.NAsicsX || aiss >= format.NAsicsY {
		return -1
	}
	return aiss*format.NAsicsX + aifs
}

// precomputeRadialFilterContributors walks, for every unmasked interior
// pixel of every panel a check-pixel belongs to, FilterLength steps outward
// along that pixel's own radial direction (from its own panel's virtual
// zero), keeping only the panel-interior, unmasked steps. Pixels that
// accumulate fewer than MinFilterLength valid steps carry no entry and
// their radial filter value is undefined for every frame.
func precomputeRadialFilterContributors(constants AccuracyConstants, geom *geometry.Geometry, dense mask.Dense) []map[int][]int32 {
	pixNx := geom.Format.PixNx()
	panelsToCheck := make(map[int]bool)
	for i := range constants.PixelsToCheck {
		panelsToCheck[panelIndexFor(geom.Format, constants.PixelsToCheck[i])] = true
	}

	out := make([]map[int][]int32, len(geom.Panels))
	for panelIdx := range geom.Panels {
		if !panelsToCheck[panelIdx] {
			continue
		}
		panel := geom.Panels[panelIdx]
		contributors := make(map[int][]int32)

		for ss := panel.MinSs + 1; ss < panel.MaxSs; ss++ {
			for fs := panel.MinFs + 1; fs < panel.MaxFs; fs++ {
				linear := ss*pixNx + fs
				if dense.IsBad(linear) {
					continue
				}
				dir := models.Point2D{X: float64(fs), Y: float64(ss)}.Sub(panel.VirtualZeroRaw)
				norm := dir.Norm()
				if norm == 0 {
					continue
				}
				step := models.Point2D{X: dir.X / norm * constants.FilterStep, Y: dir.Y / norm * constants.FilterStep}

				var found []int32
				for k := 0; k < constants.FilterLength; k++ {
					pos := models.Point2D{X: float64(fs) + float64(k)*step.X, Y: float64(ss) + float64(k)*step.Y}
					pfs, pss := int(math.Round(pos.X)), int(math.Round(pos.Y))
					if !(pfs > panel.MinFs && pfs < panel.MaxFs && pss > panel.MinSs && pss < panel.MaxSs) {
						continue
					}
					pidx := pss*pixNx + pfs
					if dense.IsBad(pidx) {
						continue
					}
					found = append(found, int32(pidx))
				}
				if len(found) >= constants.MinFilterLength {
					contributors[linear] = found
				}
			}
		}
		out[panelIdx] = contributors
	}
	return out
}

// precomputeStreakMaskSteps simulates, for every check pixel, the full
// backtracked-then-forward walk across its panel, recording the cumulative
// set of streakPixelMaskRadius-neighborhood pixels to mask at every step
// count the runtime elongation loop could possibly reach.
func precomputeStreakMaskSteps(constants AccuracyConstants, geom *geometry.Geometry, dense mask.Dense, pc *PrecomputedConstants) [][][]int32 {
	pixNx := geom.Format.PixNx()
	out := make([][][]int32, len(constants.PixelsToCheck))

	for i, seed := range constants.PixelsToCheck {
		panel := geom.Panels[pc.checkPanel[i]]
		dir := pc.filterDirection[i]

		masked := make(map[int32]bool)
		var steps [][]int32

		backtrack := seed
		for panel.ContainsFloat(backtrack) && dotToward(backtrack, panel.VirtualZeroRaw, dir) > 0 {
			addNeighborhood(masked, backtrack, constants.StreakPixelMaskRadius, panel, pixNx, dense)
			backtrack = models.Point2D{X: backtrack.X - dir.X, Y: backtrack.Y - dir.Y}
		}
		// Exactly one entry represents the whole backtrack phase
		// (streakLength=0); each forward step below adds one more.
		steps = append(steps, sortedKeys(masked))

		forward := models.Point2D{X: seed.X + dir.X, Y: seed.Y + dir.Y}
		for panel.ContainsFloat(forward) {
			addNeighborhood(masked, forward, constants.StreakPixelMaskRadius, panel, pixNx, dense)
			steps = append(steps, sortedKeys(masked))
			forward = models.Point2D{X: forward.X + dir.X, Y: forward.Y + dir.Y}
		}

		out[i] = steps
	}
	return out
}

func dotToward(pos, virtualZero models.Point2D, dir models.Point2D) float64 {
	rel := pos.Sub(virtualZero)
	return rel.X*dir.X + rel.Y*dir.Y
}

func addNeighborhood(masked map[int32]bool, center models.Point2D, radius int, panel geometry.Panel, pixNx int, dense mask.Dense) {
	cx, cy := int(math.Round(center.X)), int(math.Round(center.Y))
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			fs, ss := cx+dx, cy+dy
			if !panel.Contains(fs, ss) {
				continue
			}
			idx := ss*pixNx + fs
			if dense.IsBad(idx) {
				continue
			}
			masked[int32(idx)] = true
		}
	}
}

func sortedKeys(m map[int32]bool) []int32 {
	out := make([]int32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindStreaks implements the C7 algorithm: derive a per-frame threshold
// from the least noisy of the background-estimation regions, then for every
// check pixel whose own radial filter value exceeds it, elongate the streak
// outward while the filter keeps firing, and mask every pixel the final
// streak length crosses. Masking happens in place by writing mask.Sentinel;
// it returns the total number of pixels masked.
func FindStreaks(data []float32, geom *geometry.Geometry, constants AccuracyConstants, pc *PrecomputedConstants) int {
	pixNx := geom.Format.PixNx()
	threshold := computeStreakThreshold(data, geom, constants, pc, pixNx)

	toMask := make(map[int32]bool)
	for i, seed := range constants.PixelsToCheck {
		panel := geom.Panels[pc.checkPanel[i]]
		dir := pc.filterDirection[i]

		filterValue, ok := computeRadialFilter(seed, panel, pc, pixNx, data)
		if !ok || filterValue <= threshold {
			continue
		}

		streakLength := 0
		point := models.Point2D{X: seed.X + dir.X, Y: seed.Y + dir.Y}
		stepsWithoutStreak := 0
		currentRadius := point.Sub(panel.VirtualZeroRaw).Norm()
		elongationSteps := elongationStepCount(constants, currentRadius)

		for stepsWithoutStreak < elongationSteps && panel.ContainsFloat(point) {
			streakLength++
			fv, ok := computeRadialFilter(point, panel, pc, pixNx, data)
			if ok && fv > threshold {
				stepsWithoutStreak = 0
				currentRadius = point.Sub(panel.VirtualZeroRaw).Norm()
				elongationSteps = elongationStepCount(constants, currentRadius)
			} else {
				stepsWithoutStreak++
			}
			point = models.Point2D{X: point.X + dir.X, Y: point.Y + dir.Y}
		}

		steps := pc.streakMaskSteps[i]
		idx := streakLength
		if idx >= len(steps) {
			idx = len(steps) - 1
		}
		if idx < 0 {
			continue
		}
		for _, p := range steps[idx] {
			toMask[p] = true
		}
	}

	for idx := range toMask {
		data[idx] = mask.Sentinel
	}
	return len(toMask)
}

func elongationStepCount(constants AccuracyConstants, radius float64) int {
	byRadius := constants.StreakElongationRadiusFactor * radius
	if float64(constants.StreakElongationMinStepsCount) > byRadius {
		return constants.StreakElongationMinStepsCount
	}
	return int(math.Ceil(byRadius))
}

// computeRadialFilter samples the precomputed contributor list of the panel
// pixel nearest pos, computes the sorted median, and averages the
// lower half (including the median), matching the reference nth_element
// selection. ok is false when the nearest pixel had too few contributors
// (i.e. its radial filter is undefined).
func computeRadialFilter(pos models.Point2D, panel geometry.Panel, pc *PrecomputedConstants, pixNx int, data []float32) (float64, bool) {
	fs, ss := int(math.Round(pos.X)), int(math.Round(pos.Y))
	if !panel.Contains(fs, ss) {
		return 0, false
	}
	linear := ss*pixNx + fs

	contributors := pc.radialFilterContributors[panel.Index]
	if contributors == nil {
		return 0, false
	}
	idxList, ok := contributors[linear]
	if !ok || len(idxList) == 0 {
		return 0, false
	}

	values := make([]float64, len(idxList))
	for i, li := range idxList {
		values[i] = float64(data[li])
	}
	sort.Float64s(values)

	medianPos := len(values) / 2
	sum := 0.0
	for i := 0; i <= medianPos; i++ {
		sum += values[i]
	}
	return sum / float64(medianPos+1), true
}

// computeStreakThreshold estimates, per background-estimation region, the
// mean/sigma of the radial filter over its valid pixels, then returns the
// threshold derived from the region with the second-smallest sigma (the
// reference implementation's guard against picking the single quietest,
// possibly unrepresentative, region).
func computeStreakThreshold(data []float32, geom *geometry.Geometry, constants AccuracyConstants, pc *PrecomputedConstants, pixNx int) float64 {
	type regionStats struct {
		mean, sigma float64
	}
	var stats []regionStats

	for _, region := range constants.BackgroundEstimationRegions {
		var values []float64
		for ss := region.MinSs; ss <= region.MaxSs; ss++ {
			for fs := region.MinFs; fs <= region.MaxFs; fs++ {
				panelIdx := panelIndexFor(geom.Format, models.Point2D{X: float64(fs), Y: float64(ss)})
				if panelIdx < 0 || panelIdx >= len(geom.Panels) {
					continue
				}
				panel := geom.Panels[panelIdx]
				fv, ok := computeRadialFilter(models.Point2D{X: float64(fs), Y: float64(ss)}, panel, pc, pixNx, data)
				if ok {
					values = append(values, fv)
				}
			}
		}
		if len(values) == 0 {
			continue
		}
		mean, variance := stat.MeanVariance(values, nil)
		stats = append(stats, regionStats{mean: mean, sigma: math.Sqrt(variance)})
	}

	if len(stats) == 0 {
		return math.Inf(1)
	}
	if len(stats) == 1 {
		return stats[0].mean + constants.SigmaFactor*stats[0].sigma
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].sigma < stats[j].sigma })
	chosen := stats[1]
	return chosen.mean + constants.SigmaFactor*chosen.sigma
}
