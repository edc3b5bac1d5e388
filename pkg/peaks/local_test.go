package peaks

import (
	"math"
	"testing"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
)

func buildLocalScene(t *testing.T) (*geometry.Geometry, mask.Dense, []float32) {
	t.Helper()
	format := geometry.RawFormat{AsicNx: 32, AsicNy: 32, NAsicsX: 1, NAsicsY: 1}
	nx, ny := format.PixNx(), format.PixNy()
	position := make([]models.Point2D, nx*ny)
	data := make([]float32, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			position[y*nx+x] = models.Point2D{X: float64(x), Y: float64(y)}
			data[y*nx+x] = 5.0
		}
	}
	geom, err := geometry.Build(format, position)
	if err != nil {
		t.Fatalf("Build geometry: %v", err)
	}
	dense := make(mask.Dense, geom.Format.PixNn())
	return geom, dense, data
}

func defaultLocalOptions() LocalOptions {
	return LocalOptions{
		WindowRadius:                      4,
		MinimumPeakOversizeOverNeighbours: 1,
		SigmaFactorBiggestPixel:           3,
		SigmaFactorPeakPixel:              2,
		SigmaFactorWholePeak:              3,
		MinimumSigma:                      0.1,
		MaxNumPeaks:                       10,
	}
}

func TestFindPeaksLocalFindsSingleBump(t *testing.T) {
	geom, dense, data := buildLocalScene(t)
	nx := geom.Format.PixNx()

	seedX, seedY := 16, 16
	data[seedY*nx+seedX] = 200.0

	list, err := FindPeaksLocal(data, dense, geom, defaultLocalOptions())
	if err != nil {
		t.Fatalf("FindPeaksLocal: %v", err)
	}
	if list.Len() == 0 {
		t.Fatalf("expected at least one peak")
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

func TestFindPeaksLocalFlatImageFindsNothing(t *testing.T) {
	geom, dense, data := buildLocalScene(t)

	list, err := FindPeaksLocal(data, dense, geom, defaultLocalOptions())
	if err != nil {
		t.Fatalf("FindPeaksLocal: %v", err)
	}
	if list.Len() != 0 {
		t.Fatalf("expected no peaks on a flat image, got %d", list.Len())
	}
}

func TestFindPeaksLocalRejectsSmallWindowRadius(t *testing.T) {
	geom, dense, data := buildLocalScene(t)

	opts := defaultLocalOptions()
	opts.WindowRadius = 1
	if _, err := FindPeaksLocal(data, dense, geom, opts); err == nil {
		t.Fatal("expected ErrInvalidOptions for window_radius=1")
	}
}

func TestFindPeaksLocalMaskedPeakIsSkipped(t *testing.T) {
	geom, dense, data := buildLocalScene(t)
	nx := geom.Format.PixNx()

	seedX, seedY := 16, 16
	data[seedY*nx+seedX] = 200.0
	dense[seedY*nx+seedX] = 1

	list, err := FindPeaksLocal(data, dense, geom, defaultLocalOptions())
	if err != nil {
		t.Fatalf("FindPeaksLocal: %v", err)
	}
	if list.Len() != 0 {
		t.Fatalf("expected the masked peak pixel to be skipped, got %d peaks", list.Len())
	}
}
