package peaks

import (
	"fmt"
	"math"

	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
)

// LocalOptions are the accuracy constants of the local-window peak finder.
type LocalOptions struct {
	WindowRadius                  int
	MinimumPeakOversizeOverNeighbours float64
	SigmaFactorBiggestPixel       float64
	SigmaFactorPeakPixel          float64
	SigmaFactorWholePeak          float64
	MinimumSigma                  float64
	MaxNumPeaks                   int

	// DoubleBackgroundEstimationWindow samples the border-plus-one ring in
	// addition to the border ring when estimating the local background,
	// widening the sample count at the cost of needing an extra pixel of
	// margin at each panel edge. A runtime option; the reference
	// implementation only offered this as a compile-time toggle.
	DoubleBackgroundEstimationWindow bool
}

func (o LocalOptions) validate() error {
	if o.WindowRadius < 2 {
		return fmt.Errorf("%w: window_radius must be at least 2", ErrInvalidOptions)
	}
	if o.MinimumSigma < 0 {
		return fmt.Errorf("%w: minimum_sigma must be non-negative", ErrInvalidOptions)
	}
	if o.MaxNumPeaks <= 0 {
		return fmt.Errorf("%w: max_num_peaks must be positive", ErrInvalidOptions)
	}
	return nil
}

// FindPeaksLocal implements the C6 algorithm: a per-panel raster scan that
// tests each candidate pixel against its own 12-sample border and 8-pixel
// neighborhood, estimates a local mean/sigma from the window border, grows
// a threshold-connected region by ring expansion, and accepts the region as
// a peak if its total mass clears the whole-peak threshold.
func FindPeaksLocal(data []float32, dense mask.Dense, geom *geometry.Geometry, opts LocalOptions) (*PeakList, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	pixNx := geom.Format.PixNx()
	list := NewPeakList(opts.MaxNumPeaks)

	margin := opts.WindowRadius
	if opts.DoubleBackgroundEstimationWindow {
		margin++
	}

	for _, panel := range geom.Panels {
		for ss := panel.MinSs + margin; ss <= panel.MaxSs-margin; ss++ {
			for fs := panel.MinFs + margin; fs <= panel.MaxFs-margin; fs++ {
				idx := ss*pixNx + fs
				if dense.IsBad(idx) || !mask.IsFinite(data[idx]) {
					continue
				}
				if !isCandidate(data, panel, pixNx, fs, ss, opts) {
					continue
				}

				mean, sigma := estimateLocalBackground(data, panel, pixNx, fs, ss, opts)

				thresholdSingle := mean + opts.SigmaFactorBiggestPixel*sigma
				if float64(data[idx]) <= thresholdSingle {
					continue
				}

				thresholdNeighbour := mean + opts.SigmaFactorPeakPixel*sigma
				stats := analysePeak(data, panel, pixNx, fs, ss, thresholdNeighbour, opts.WindowRadius)

				thresholdWhole := mean + opts.SigmaFactorWholePeak*sigma
				if stats.totalMass <= thresholdWhole {
					continue
				}

				peakMass := stats.totalMass - float64(stats.pixelCount)*mean
				list.tryAppend(Peak{
					MaxIntensity:    stats.biggestPixelMass,
					TotalIntensity:  peakMass,
					SigmaBackground: sigma,
					SNR:             peakMass / sigma,
					PixelCount:      stats.pixelCount,
					ComRawX:         stats.sumX / stats.totalMass,
					ComRawY:         stats.sumY / stats.totalMass,
				})
			}
		}
	}

	return list, nil
}

// isCandidate reports whether the pixel at (fs,ss) is a strict local
// maximum over its 8-neighborhood and exceeds every one of the 12 samples
// on the window border by more than MinimumPeakOversizeOverNeighbours.
func isCandidate(data []float32, panel geometry.Panel, pixNx, fs, ss int, opts LocalOptions) bool {
	if data[ss*pixNx+fs] == mask.Sentinel {
		return false
	}
	r := opts.WindowRadius
	at := func(dfs, dss int) float32 { return data[(ss+dss)*pixNx+(fs+dfs)] }

	center := float64(at(0, 0))
	adjusted := center - opts.MinimumPeakOversizeOverNeighbours

	borderSamples := [][2]int{
		{-r, 0}, {r, 0},
		{-r, -1}, {r, -1},
		{-1, -r}, {0, -r}, {1, -r},
		{-r, 1}, {r, 1},
		{-1, r}, {0, r}, {1, r},
	}
	for _, s := range borderSamples {
		if !(adjusted > float64(at(s[0], s[1]))) {
			return false
		}
	}

	neighbours := [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	for _, n := range neighbours {
		if !(center > float64(at(n[0], n[1]))) {
			return false
		}
	}
	return true
}

// estimateLocalBackground computes the sample mean/sigma of the finite
// pixels on the window border (and, if enabled, the border-plus-one ring),
// falling back to (math.MaxFloat64, math.MaxFloat64) below four valid
// samples so the candidate is rejected by the single-pixel threshold test
// that follows.
func estimateLocalBackground(data []float32, panel geometry.Panel, pixNx, fs, ss int, opts LocalOptions) (mean, sigma float64) {
	r := opts.WindowRadius
	var sum, sumSq float64
	var count int

	collectRing := func(radius int) {
		at := func(dfs, dss int) float32 { return data[(ss+dss)*pixNx+(fs+dfs)] }
		add := func(v float32) {
			if v == mask.Sentinel {
				return
			}
			sum += float64(v)
			sumSq += float64(v) * float64(v)
			count++
		}
		for dfs := -2; dfs <= 2; dfs++ {
			add(at(dfs, -radius))
			add(at(dfs, radius))
		}
		for dss := -2; dss <= 2; dss++ {
			add(at(-radius, dss))
			add(at(radius, dss))
		}
	}

	collectRing(r)
	if opts.DoubleBackgroundEstimationWindow {
		collectRing(r + 1)
	}

	if count < 4 {
		return math.MaxFloat64, math.MaxFloat64
	}

	mean = sum / float64(count)
	variance := (sumSq - mean*mean*float64(count)) / float64(count-1)
	if variance < 0 {
		variance = 0
	}
	sigma = math.Max(math.Sqrt(variance), opts.MinimumSigma)
	return mean, sigma
}

type peakStats struct {
	totalMass        float64
	sumX, sumY       float64
	biggestPixelMass float64
	pixelCount       int
}

// analysePeak grows the peak region by successive square rings of
// increasing radius around the seed pixel, stopping at the first empty
// ring or once windowRadius-1 rings have been examined.
func analysePeak(data []float32, panel geometry.Panel, pixNx, fs, ss int, threshold float64, windowRadius int) peakStats {
	stats := peakStats{
		totalMass:        float64(data[ss*pixNx+fs]),
		sumX:             float64(data[ss*pixNx+fs]) * float64(fs),
		sumY:             float64(data[ss*pixNx+fs]) * float64(ss),
		biggestPixelMass: float64(data[ss*pixNx+fs]),
		pixelCount:       1,
	}

	add := func(x, y int, v float64) {
		stats.totalMass += v
		stats.sumX += v * float64(x)
		stats.sumY += v * float64(y)
		stats.pixelCount++
		if v > stats.biggestPixelMass {
			stats.biggestPixelMass = v
		}
	}

	for radius := 1; radius < windowRadius; radius++ {
		before := stats.pixelCount
		ringAroundPixel(data, pixNx, fs, ss, radius, threshold, add)
		if stats.pixelCount == before {
			break
		}
	}
	return stats
}

func ringAroundPixel(data []float32, pixNx, fs, ss, radius int, threshold float64, add func(x, y int, v float64)) {
	check := func(x, y int) {
		v := float64(data[y*pixNx+x])
		if v > threshold {
			add(x, y, v)
		}
	}

	topY := ss - radius
	for dx := -radius; dx <= radius; dx++ {
		check(fs+dx, topY)
	}
	for dy := -(radius - 1); dy <= radius-1; dy++ {
		check(fs-radius, ss+dy)
		check(fs+radius, ss+dy)
	}
	bottomY := ss + radius
	for dx := -radius; dx <= radius; dx++ {
		check(fs+dx, bottomY)
	}
}
