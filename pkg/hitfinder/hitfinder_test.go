package hitfinder

import (
	"sync"
	"testing"
	"time"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
	"diffractionhitfinder/pkg/peaks"
	"diffractionhitfinder/pkg/radialbins"
)

func buildBatchScene(t *testing.T) (*geometry.Geometry, mask.Dense, []float64, *radialbins.RadialBins) {
	t.Helper()
	format := geometry.RawFormat{AsicNx: 32, AsicNy: 32, NAsicsX: 1, NAsicsY: 1}
	nx, ny := format.PixNx(), format.PixNy()
	position := make([]models.Point2D, nx*ny)
	radiusMap := make([]float64, nx*ny)
	cx, cy := float64(nx)/2, float64(ny)/2
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			px, py := float64(x)-cx, float64(y)-cy
			position[y*nx+x] = models.Point2D{X: px, Y: py}
			radiusMap[y*nx+x] = models.Point2D{X: px, Y: py}.Norm()
		}
	}
	geom, err := geometry.Build(format, position)
	if err != nil {
		t.Fatalf("Build geometry: %v", err)
	}
	dense := make(mask.Dense, geom.Format.PixNn())

	bins, err := radialbins.Build(geom, dense, radiusMap, position, []int{0}, []int{0}, radialbins.AccuracyConstants{
		MinValuesPerBin: 15,
		MinBinWidth:     1.0,
		Rank:            0.5,
	})
	if err != nil {
		t.Fatalf("Build radial bins: %v", err)
	}
	return geom, dense, radiusMap, bins
}

func TestRunnerProcessesBatchAndFindsPeaks(t *testing.T) {
	geom, dense, radiusMap, bins := buildBatchScene(t)
	nx := geom.Format.PixNx()

	makeFrame := func(index int, seedX, seedY int) models.Frame {
		data := make([]float32, geom.Format.PixNn())
		for i := range data {
			data[i] = 10
		}
		data[seedY*nx+seedX] = 500
		return models.Frame{Data: data, Index: index, Source: "synthetic"}
	}

	frames := []models.Frame{
		makeFrame(0, 10, 10),
		makeFrame(1, 20, 20),
	}

	opts := RunOptions{
		Geometry:            geom,
		Bins:                bins,
		AdcThresh:           1,
		MinSNR:              3,
		ThresholdIterations: 5,
		RunRadialPeaks:      true,
		RadialOpts: peaks.RadialOptions{
			AdcThresh:     1,
			MinSNR:        3,
			MinPixCount:   1,
			MaxPixCount:   50,
			LocalBgRadius: 4,
			MaxNumPeaks:   10,
			Concurrency:   2,
		},
		Concurrency: 2,
	}

	runner := NewRunner(opts)
	results, err := runner.Run(frames, radiusMap, dense)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("frame %d errored: %v", res.Index, res.Err)
		}
		if res.RadialPeaks == nil || res.RadialPeaks.Len() == 0 {
			t.Fatalf("frame %d: expected at least one radial peak", res.Index)
		}
	}
}

func TestRunnerReportsProgress(t *testing.T) {
	geom, dense, radiusMap, bins := buildBatchScene(t)

	frames := make([]models.Frame, 3)
	for i := range frames {
		data := make([]float32, geom.Format.PixNn())
		for j := range data {
			data[j] = 10
		}
		frames[i] = models.Frame{Data: data, Index: i}
	}

	opts := RunOptions{
		Geometry:            geom,
		Bins:                bins,
		AdcThresh:           1,
		MinSNR:              3,
		ThresholdIterations: 5,
		RunRadialPeaks:      true,
		RadialOpts: peaks.RadialOptions{
			AdcThresh:     1,
			MinSNR:        3,
			MinPixCount:   1,
			MaxPixCount:   50,
			LocalBgRadius: 4,
			MaxNumPeaks:   10,
			Concurrency:   1,
		},
		Concurrency: 1,
	}

	runner := NewRunner(opts)
	var mu sync.Mutex
	calls := 0
	lastProcessed := 0
	runner.SetProgressCallback(func(processed, total int, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastProcessed = processed
		if total != len(frames) {
			t.Errorf("expected total %d, got %d", len(frames), total)
		}
	})

	if _, err := runner.Run(frames, radiusMap, dense); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != len(frames) {
		t.Fatalf("expected %d progress callbacks, got %d", len(frames), calls)
	}
	if lastProcessed != len(frames) {
		t.Fatalf("expected final processed count %d, got %d", len(frames), lastProcessed)
	}
}
