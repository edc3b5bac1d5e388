// Package hitfinder is the frame-batch orchestrator: it drives the C4-C7
// per-image kernels over a batch of frames sharing one precomputed geometry,
// radial-bin, and streak-table configuration, fanning work out across
// frames with a bounded worker pool and reporting progress the way the
// teacher's Kriging interpolator does.
package hitfinder

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/background"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
	"diffractionhitfinder/pkg/peaks"
	"diffractionhitfinder/pkg/radialbins"
	"diffractionhitfinder/pkg/streaks"
)

// RunOptions bundles the long-lived, shared-read-only configuration for a
// batch run: the precomputed geometry/bins/streak tables plus the
// accuracy-constants schemas for each kernel and which kernels to run.
type RunOptions struct {
	Geometry *geometry.Geometry
	Bins     *radialbins.RadialBins

	AdcThresh            float64
	MinSNR               float64
	ThresholdIterations  int

	RunRadialPeaks bool
	RadialOpts     peaks.RadialOptions

	RunLocalPeaks bool
	LocalOpts     peaks.LocalOptions

	RunStreaks       bool
	StreakConstants  streaks.AccuracyConstants
	StreakPrecomputed *streaks.PrecomputedConstants

	// Concurrency bounds the number of frames processed at once. 0 or
	// negative means runtime.NumCPU().
	Concurrency int
}

// FrameResult is the per-frame outcome of a batch run.
type FrameResult struct {
	Index  int
	Source string

	RadialPeaks   *peaks.PeakList
	LocalPeaks    *peaks.PeakList
	StreaksMasked int

	Err error
}

// ProgressCallback reports batch progress: how many frames have completed
// out of the total, and how long the run has been going.
type ProgressCallback func(processed, total int, elapsed time.Duration)

// Runner executes a batch of frames against one RunOptions configuration.
type Runner struct {
	opts             RunOptions
	progressCallback ProgressCallback
	startTime        time.Time
}

// NewRunner constructs a Runner for the given shared configuration.
func NewRunner(opts RunOptions) *Runner {
	return &Runner{opts: opts}
}

// SetProgressCallback registers a callback invoked as frames complete. When
// unset, Run's default callback prints an ASCII progress bar to stderr.
func (r *Runner) SetProgressCallback(cb ProgressCallback) {
	r.progressCallback = cb
}

// Run processes every frame in the batch, sharing radiusMap and dense mask
// across all of them (one detector configuration per batch), and returns
// one FrameResult per input frame in input order.
func (r *Runner) Run(frames []models.Frame, radiusMap []float64, dense mask.Dense) ([]FrameResult, error) {
	if r.opts.Geometry == nil {
		return nil, fmt.Errorf("hitfinder: RunOptions.Geometry must be set")
	}

	concurrency := r.opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	r.startTime = time.Now()
	results := make([]FrameResult, len(frames))

	type completion struct {
		index  int
		result FrameResult
	}
	sem := make(chan struct{}, concurrency)
	resultChan := make(chan completion, len(frames))
	var wg sync.WaitGroup

	for i := range frames {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			resultChan <- completion{index: i, result: r.processFrame(&frames[i], radiusMap, dense)}
		}(i)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	completed := 0
	for c := range resultChan {
		results[c.index] = c.result
		completed++
		r.reportProgress(completed, len(frames))
	}

	return results, nil
}

// processFrame runs the configured kernels over a single frame. Radial and
// local peak finding read from independent working copies of the frame's
// data (the local variant requires the mask pre-fused as sentinels, the
// radial variant consumes the mask separately), and streak masking runs
// last against its own copy so neither peak finder observes streak-masked
// pixels.
func (r *Runner) processFrame(frame *models.Frame, radiusMap []float64, dense mask.Dense) FrameResult {
	result := FrameResult{Index: frame.Index, Source: frame.Source}

	if r.opts.RunRadialPeaks {
		radialData := append([]float32(nil), frame.Data...)
		th := background.ComputeRadialThresholds(radialData, r.opts.Bins, r.opts.AdcThresh, r.opts.MinSNR, r.opts.ThresholdIterations)
		peakList, err := peaks.FindPeaksRadial(radialData, dense, radiusMap, r.opts.Geometry, r.opts.Bins.IntraBinIndex, th, r.opts.RadialOpts)
		if err != nil {
			result.Err = fmt.Errorf("frame %d: radial peak finder: %w", frame.Index, err)
			return result
		}
		result.RadialPeaks = peakList
	}

	if r.opts.RunLocalPeaks {
		localData := append([]float32(nil), frame.Data...)
		mask.Merge(localData, dense)
		peakList, err := peaks.FindPeaksLocal(localData, dense, r.opts.Geometry, r.opts.LocalOpts)
		if err != nil {
			result.Err = fmt.Errorf("frame %d: local peak finder: %w", frame.Index, err)
			return result
		}
		result.LocalPeaks = peakList
	}

	if r.opts.RunStreaks {
		streakData := append([]float32(nil), frame.Data...)
		mask.Merge(streakData, dense)
		result.StreaksMasked = streaks.FindStreaks(streakData, r.opts.Geometry, r.opts.StreakConstants, r.opts.StreakPrecomputed)
	}

	return result
}

// reportProgress calls the registered callback, or prints a default ASCII
// progress bar to stderr when none is set.
func (r *Runner) reportProgress(completed, total int) {
	elapsed := time.Since(r.startTime)
	if r.progressCallback != nil {
		r.progressCallback(completed, total, elapsed)
		return
	}
	if total <= 0 {
		return
	}
	percentage := float64(completed) / float64(total) * 100
	width := 40
	numBars := int(percentage / 100 * float64(width))
	bar := "["
	for i := 0; i < width; i++ {
		switch {
		case i < numBars:
			bar += "#"
		case i == numBars:
			bar += ">"
		default:
			bar += "."
		}
	}
	bar += "]"
	fmt.Fprintf(os.Stderr, "\r%s %.1f%% (%d/%d) %s elapsed", bar, percentage, completed, total, elapsed.Round(time.Millisecond))
	if completed >= total {
		fmt.Fprintln(os.Stderr)
	}
}
