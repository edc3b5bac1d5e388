package peaks

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"diffractionhitfinder/pkg/background"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
)

// RadialOptions are the accuracy constants of the radial-statistics peak
// finder.
type RadialOptions struct {
	AdcThresh     float64
	MinSNR        float64
	MinPixCount   int
	MaxPixCount   int
	LocalBgRadius int
	MaxNumPeaks   int

	// Concurrency bounds the number of panels processed in parallel; 0 or
	// negative means runtime.NumCPU().
	Concurrency int
}

func (o RadialOptions) validate() error {
	if o.MinPixCount <= 0 || o.MaxPixCount < o.MinPixCount {
		return fmt.Errorf("%w: min_pix_count/max_pix_count out of range", ErrInvalidOptions)
	}
	if o.LocalBgRadius <= 0 {
		return fmt.Errorf("%w: local_bg_radius must be positive", ErrInvalidOptions)
	}
	if o.MaxNumPeaks <= 0 {
		return fmt.Errorf("%w: max_num_peaks must be positive", ErrInvalidOptions)
	}
	return nil
}

var radialSearchFs = [9]int{0, -1, 0, 1, -1, 1, -1, 0, 1}
var radialSearchSs = [9]int{0, -1, -1, -1, 0, 0, 1, 1, 1}

const (
	peakMapEmpty       = 0
	peakMapProvisional = 1
	peakMapFinal       = 2
)

// FindPeaksRadial implements the C5 algorithm: a per-panel raster scan that
// seeds a flood fill above the radial threshold surface, corrects each
// candidate against a local-ring background, and appends accepted peaks to
// a capacity-bounded, deterministically panel-ordered PeakList.
//
// bins must have been built with a detectors-to-correct set covering every
// panel this call scans; pixels outside that set (or masked, or on a
// panel's one-pixel border) never seed or join a peak.
func FindPeaksRadial(data []float32, dense mask.Dense, radiusMap []float64, geom *geometry.Geometry,
	intraBinIndex []int, th background.Thresholds, opts RadialOptions) (*PeakList, error) {

	if err := opts.validate(); err != nil {
		return nil, err
	}

	pixNx := geom.Format.PixNx()
	pixNn := geom.Format.PixNn()
	pixInPeakMap := make([]uint8, pixNn)

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	panelResults := make([][]Peak, len(geom.Panels))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range geom.Panels {
		wg.Add(1)
		sem <- struct{}{}
		go func(panelIdx int) {
			defer wg.Done()
			defer func() { <-sem }()
			panel := geom.Panels[panelIdx]
			panelResults[panelIdx] = scanPanel(panel, data, dense, radiusMap, intraBinIndex, th, pixNx, pixInPeakMap, opts)
		}(i)
	}
	wg.Wait()

	list := NewPeakList(opts.MaxNumPeaks)
	for panelIdx, peaks := range panelResults {
		for _, p := range peaks {
			p.PanelNumber = panelIdx
			list.tryAppend(p)
		}
	}
	return list, nil
}

type pixelPos struct {
	fs, ss, linear int
}

func scanPanel(panel geometry.Panel, data []float32, dense mask.Dense, radiusMap []float64,
	intraBinIndex []int, th background.Thresholds, pixNx int, pixInPeakMap []uint8, opts RadialOptions) []Peak {

	var found []Peak

	for pss := panel.MinSs + 1; pss < panel.MaxSs; pss++ {
		for pfs := panel.MinFs + 1; pfs < panel.MaxFs; pfs++ {
			idx := pss*pixNx + pfs
			if pixInPeakMap[idx] != peakMapEmpty {
				continue
			}
			k := intraBinIndex[idx]
			if k < 0 || dense.IsBad(idx) || !mask.IsFinite(data[idx]) {
				continue
			}
			if float64(data[idx]) <= th.Upper[k] {
				continue
			}

			peak, ok := growPeak(pixelPos{fs: pfs, ss: pss, linear: idx}, panel, data, dense, radiusMap,
				intraBinIndex, th, pixNx, pixInPeakMap, opts)
			if ok {
				found = append(found, peak)
			}
		}
	}
	return found
}

// growPeak performs the flood fill seeded at start, the local-ring
// background correction, and the three acceptance tests, marking accepted
// pixels peakMapFinal on success. It always finishes the fill (no early
// exit on capacity — capacity gating happens only in FindPeaksRadial).
func growPeak(start pixelPos, panel geometry.Panel, data []float32, dense mask.Dense, radiusMap []float64,
	intraBinIndex []int, th background.Thresholds, pixNx int, pixInPeakMap []uint8, opts RadialOptions) (Peak, bool) {

	pixels := []pixelPos{start}
	pixInPeakMap[start.linear] = peakMapProvisional

	// The seed's own background-subtracted intensity must be folded into
	// the running sums the same way floodStep folds in every other flood
	// member — otherwise the seed pixel contributes to the final
	// reintegration but not to the COM used to place the local background
	// window, understating that COM for asymmetric peaks.
	var sumI, sumComFs, sumComSs float64
	if k := intraBinIndex[start.linear]; k >= 0 {
		seedI := float64(data[start.linear]) - th.Offset[k]
		sumI = seedI
		sumComFs = seedI * float64(start.fs)
		sumComSs = seedI * float64(start.ss)
	}

	for {
		before := len(pixels)
		for p := 0; p < len(pixels); p++ {
			pixels = floodStep(pixels, p, panel, data, dense, radiusMap, intraBinIndex, th, pixNx, pixInPeakMap, &sumI, &sumComFs, &sumComSs)
		}
		if len(pixels) == before {
			break
		}
	}

	n := len(pixels)
	if n < opts.MinPixCount || n > opts.MaxPixCount || math.Abs(sumI) < 1e-10 {
		return Peak{}, false
	}

	comFs := sumComFs / math.Abs(sumI)
	comSs := sumComSs / math.Abs(sumI)
	comIdxFs := int(math.Round(comFs))
	comIdxSs := int(math.Round(comSs))
	comLinear := comIdxSs*pixNx + comIdxFs

	localOffset, localSigma, bkgndMax := localRingBackground(comIdxFs, comIdxSs, comLinear, panel, data, dense,
		radiusMap, intraBinIndex, th, pixNx, pixInPeakMap, opts.LocalBgRadius)

	var totalAdj, maxAdj, adjSumFs, adjSumSs float64
	for _, px := range pixels {
		raw := float64(data[px.linear])
		adj := raw - localOffset
		totalAdj += adj
		adjSumFs += adj * float64(px.fs)
		adjSumSs += adj * float64(px.ss)
		if adj > maxAdj {
			maxAdj = adj
		}
	}
	if totalAdj == 0 {
		return Peak{}, false
	}

	peakComFs := adjSumFs / math.Abs(totalAdj)
	peakComSs := adjSumSs / math.Abs(totalAdj)
	snr := totalAdj / localSigma

	if snr < opts.MinSNR {
		return Peak{}, false
	}
	if maxAdj < bkgndMax-localOffset {
		return Peak{}, false
	}
	if !panel.Contains(int(math.Round(peakComFs)), int(math.Round(peakComSs))) ||
		int(math.Round(peakComFs)) <= panel.MinFs || int(math.Round(peakComFs)) >= panel.MaxFs ||
		int(math.Round(peakComSs)) <= panel.MinSs || int(math.Round(peakComSs)) >= panel.MaxSs {
		return Peak{}, false
	}
	if n < opts.MinPixCount || n > opts.MaxPixCount {
		return Peak{}, false
	}

	for _, px := range pixels {
		pixInPeakMap[px.linear] = peakMapFinal
	}

	peakComIdx := int(math.Round(peakComSs))*pixNx + int(math.Round(peakComFs))

	return Peak{
		MaxIntensity:    maxAdj,
		TotalIntensity:  totalAdj,
		SigmaBackground: localSigma,
		SNR:             snr,
		PixelCount:      n,
		ComRawX:         peakComFs,
		ComRawY:         peakComSs,
		ComIndex:        peakComIdx,
	}, true
}

func floodStep(pixels []pixelPos, p int, panel geometry.Panel, data []float32, dense mask.Dense, radiusMap []float64,
	intraBinIndex []int, th background.Thresholds, pixNx int, pixInPeakMap []uint8,
	sumI, sumComFs, sumComSs *float64) []pixelPos {

	base := pixels[p]
	for k := 0; k < 9; k++ {
		fs := base.fs + radialSearchFs[k]
		ss := base.ss + radialSearchSs[k]
		if !panel.Contains(fs, ss) {
			continue
		}
		linear := ss*pixNx + fs
		if pixInPeakMap[linear] != peakMapEmpty {
			continue
		}
		if dense.IsBad(linear) || !mask.IsFinite(data[linear]) {
			continue
		}
		bin := intraBinIndex[linear]
		if bin < 0 {
			continue
		}
		if float64(data[linear]) <= th.Upper[bin] {
			continue
		}

		currI := float64(data[linear]) - th.Offset[bin]
		*sumI += currI
		*sumComFs += currI * float64(fs)
		*sumComSs += currI * float64(ss)

		pixInPeakMap[linear] = peakMapProvisional
		pixels = append(pixels, pixelPos{fs: fs, ss: ss, linear: linear})
	}
	return pixels
}

// localRingBackground samples the square ring of outer half-width
// 2*localBgRadius around the peak's center of mass, per §4.5, and returns
// the local offset/sigma and the maximum sample value observed. On an
// empty sample it falls back to the COM's own radial bin offset and a
// fixed sigma of 0.01.
func localRingBackground(comFs, comSs, comLinear int, panel geometry.Panel, data []float32, dense mask.Dense,
	radiusMap []float64, intraBinIndex []int, th background.Thresholds, pixNx int, pixInPeakMap []uint8, localBgRadius int) (offset, sigma, bkgndMax float64) {

	ringWidth := 2 * localBgRadius
	var sum, sumSq float64
	var count int

	for dss := -ringWidth; dss < ringWidth; dss++ {
		for dfs := -ringWidth; dfs < ringWidth; dfs++ {
			r := math.Hypot(float64(dfs), float64(dss))
			if r > float64(ringWidth) {
				continue
			}
			fs, ss := comFs+dfs, comSs+dss
			if !panel.Contains(fs, ss) {
				continue
			}
			linear := ss*pixNx + fs
			if pixInPeakMap[linear] != peakMapEmpty || dense.IsBad(linear) || !mask.IsFinite(data[linear]) {
				continue
			}
			bin := intraBinIndex[linear]
			if bin < 0 {
				continue
			}
			v := float64(data[linear])
			if v >= th.Upper[bin] {
				continue
			}

			count++
			sum += v
			sumSq += v * v
			if v > bkgndMax {
				bkgndMax = v
			}
		}
	}

	if count == 0 {
		if comLinear >= 0 && comLinear < len(intraBinIndex) {
			if k := intraBinIndex[comLinear]; k >= 0 {
				offset = th.Offset[k]
			}
		}
		sigma = 0.01
		return offset, sigma, bkgndMax
	}

	offset = sum / float64(count)
	variance := sumSq/float64(count) - offset*offset
	if variance < 0 {
		variance = 0
	}
	sigma = math.Sqrt(variance)
	if sigma <= 0 {
		sigma = 0.01
	}
	return offset, sigma, bkgndMax
}
