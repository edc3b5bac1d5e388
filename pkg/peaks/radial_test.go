package peaks

import (
	"math"
	"testing"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/background"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
	"diffractionhitfinder/pkg/radialbins"
)

func buildRadialScene(t *testing.T) (*geometry.Geometry, mask.Dense, []float64, *radialbins.RadialBins, []float32) {
	t.Helper()
	format := geometry.RawFormat{AsicNx: 32, AsicNy: 32, NAsicsX: 1, NAsicsY: 1}
	nx, ny := format.PixNx(), format.PixNy()
	position := make([]models.Point2D, nx*ny)
	radius := make([]float64, nx*ny)
	data := make([]float32, nx*ny)
	cx, cy := float64(nx)/2, float64(ny)/2
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			idx := y*nx + x
			px, py := float64(x)-cx, float64(y)-cy
			position[idx] = models.Point2D{X: px, Y: py}
			radius[idx] = math.Hypot(px, py)
			data[idx] = 10.0
		}
	}
	geom, err := geometry.Build(format, position)
	if err != nil {
		t.Fatalf("Build geometry: %v", err)
	}
	dense := make(mask.Dense, geom.Format.PixNn())

	bins, err := radialbins.Build(geom, dense, radius, position, []int{0}, []int{0},
		radialbins.AccuracyConstants{MinValuesPerBin: 20, MinBinWidth: 1.0, Rank: 0.5})
	if err != nil {
		t.Fatalf("Build radial bins: %v", err)
	}
	return geom, dense, radius, bins, data
}

func TestFindPeaksRadialFindsSingleBump(t *testing.T) {
	geom, dense, radius, bins, data := buildRadialScene(t)

	nx := geom.Format.PixNx()
	seedX, seedY := 10, 10
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			idx := (seedY+dy)*nx + (seedX + dx)
			data[idx] = 500.0
		}
	}

	th := background.ComputeRadialThresholds(data, bins, 20, 5, 3)

	opts := RadialOptions{
		AdcThresh:     20,
		MinSNR:        3,
		MinPixCount:   1,
		MaxPixCount:   50,
		LocalBgRadius: 3,
		MaxNumPeaks:   10,
		Concurrency:   1,
	}

	list, err := FindPeaksRadial(data, dense, radius, geom, bins.IntraBinIndex, th, opts)
	if err != nil {
		t.Fatalf("FindPeaksRadial: %v", err)
	}
	if list.Len() == 0 {
		t.Fatalf("expected at least one peak, found none")
	}
	found := false
	for _, p := range list.Peaks() {
		if math.Abs(p.ComRawX-float64(seedX)) < 2 && math.Abs(p.ComRawY-float64(seedY)) < 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a peak near (%d,%d), got %+v", seedX, seedY, list.Peaks())
	}
}

// TestFindPeaksRadialFindsIsolatedSinglePixelPeak covers a peak whose only
// above-threshold pixel is the flood-fill seed itself (all eight neighbors
// stay below threshold). If the seed's own background-subtracted intensity
// isn't folded into the running sums before the fill starts, sumI never
// leaves zero and the peak is wrongly rejected by the |sumI| < 1e-10 test —
// a bug that a multi-pixel bump can't expose, since its neighbors alone
// already make sumI nonzero.
func TestFindPeaksRadialFindsIsolatedSinglePixelPeak(t *testing.T) {
	geom, dense, radius, bins, data := buildRadialScene(t)

	nx := geom.Format.PixNx()
	seedX, seedY := 10, 10
	data[seedY*nx+seedX] = 500.0

	th := background.ComputeRadialThresholds(data, bins, 20, 5, 3)

	opts := RadialOptions{
		AdcThresh:     20,
		MinSNR:        3,
		MinPixCount:   1,
		MaxPixCount:   50,
		LocalBgRadius: 3,
		MaxNumPeaks:   10,
		Concurrency:   1,
	}

	list, err := FindPeaksRadial(data, dense, radius, geom, bins.IntraBinIndex, th, opts)
	if err != nil {
		t.Fatalf("FindPeaksRadial: %v", err)
	}
	if list.Len() == 0 {
		t.Fatalf("expected the isolated bright pixel to be found as a single-pixel peak, found none")
	}
	found := false
	for _, p := range list.Peaks() {
		if p.PixelCount == 1 && math.Abs(p.ComRawX-float64(seedX)) < 1 && math.Abs(p.ComRawY-float64(seedY)) < 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a single-pixel peak at (%d,%d), got %+v", seedX, seedY, list.Peaks())
	}
}

func TestFindPeaksRadialEmptyImageFindsNothing(t *testing.T) {
	geom, dense, radius, bins, data := buildRadialScene(t)
	th := background.ComputeRadialThresholds(data, bins, 20, 5, 3)

	opts := RadialOptions{
		AdcThresh:     20,
		MinSNR:        3,
		MinPixCount:   1,
		MaxPixCount:   50,
		LocalBgRadius: 3,
		MaxNumPeaks:   10,
	}

	list, err := FindPeaksRadial(data, dense, radius, geom, bins.IntraBinIndex, th, opts)
	if err != nil {
		t.Fatalf("FindPeaksRadial: %v", err)
	}
	if list.Len() != 0 {
		t.Fatalf("expected no peaks on a flat image, got %d", list.Len())
	}
}

func TestFindPeaksRadialRejectsInvalidOptions(t *testing.T) {
	geom, dense, radius, bins, data := buildRadialScene(t)
	th := background.ComputeRadialThresholds(data, bins, 20, 5, 3)

	opts := RadialOptions{MinPixCount: 0, MaxPixCount: 5, LocalBgRadius: 3, MaxNumPeaks: 10}
	if _, err := FindPeaksRadial(data, dense, radius, geom, bins.IntraBinIndex, th, opts); err == nil {
		t.Fatal("expected ErrInvalidOptions for min_pix_count=0")
	}
}
