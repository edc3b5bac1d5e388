package radialbins

import (
	"math"
	"testing"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/mask"
)

func buildTestGeometry(t *testing.T) (*geometry.Geometry, []models.Point2D, []float64) {
	t.Helper()
	format := geometry.RawFormat{AsicNx: 32, AsicNy: 32, NAsicsX: 1, NAsicsY: 1}
	nx, ny := format.PixNx(), format.PixNy()
	position := make([]models.Point2D, nx*ny)
	radius := make([]float64, nx*ny)
	cx, cy := float64(nx)/2, float64(ny)/2
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			idx := y*nx + x
			px, py := float64(x)-cx, float64(y)-cy
			position[idx] = models.Point2D{X: px, Y: py}
			radius[idx] = math.Hypot(px, py)
		}
	}
	geom, err := geometry.Build(format, position)
	if err != nil {
		t.Fatalf("Build geometry: %v", err)
	}
	return geom, position, radius
}

func TestBuildRadialBinsInvariants(t *testing.T) {
	geom, position, radius := buildTestGeometry(t)
	dense := make(mask.Dense, geom.Format.PixNn())

	constants := AccuracyConstants{MinValuesPerBin: 20, MinBinWidth: 1.0, MaxConsideredValuesPerBin: 0, Rank: 0.5}
	bins, err := Build(geom, dense, radius, position, []int{0}, []int{0}, constants)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(bins.Bins) < 3 {
		t.Fatalf("expected at least one real bin plus two sentinels, got %d", len(bins.Bins))
	}

	for i := 1; i < len(bins.Bins)-1; i++ {
		b := bins.Bins[i]
		if b.Count < constants.MinValuesPerBin {
			t.Errorf("bin %d has count %d < min %d", i, b.Count, constants.MinValuesPerBin)
		}
	}

	for i := 1; i < len(bins.Bins); i++ {
		if bins.Bins[i].Radius < bins.Bins[i-1].Radius {
			t.Fatalf("bin radii not monotone nondecreasing at %d: %v -> %v", i, bins.Bins[i-1].Radius, bins.Bins[i].Radius)
		}
	}

	for idx, k := range bins.IntraBinIndex {
		if k < 0 {
			continue
		}
		interp := bins.IntraBinInterp[idx]
		if interp < 0 || interp > 1 {
			t.Fatalf("pixel %d has out-of-range intra_bin_interp %v", idx, interp)
		}
		r := radius[idx]
		if r < bins.Bins[k].Radius-1e-9 || r > bins.Bins[k+1].Radius+1e-9 {
			t.Fatalf("pixel %d radius %v outside bracketing bins [%v,%v]", idx, r, bins.Bins[k].Radius, bins.Bins[k+1].Radius)
		}
	}
}

func TestBuildRadialBinsInsufficientBins(t *testing.T) {
	geom, position, radius := buildTestGeometry(t)
	dense := make(mask.Dense, geom.Format.PixNn())
	// Mask everything so no contributors are available.
	for i := range dense {
		dense[i] = 1
	}

	constants := AccuracyConstants{MinValuesPerBin: 5, MinBinWidth: 1.0}
	_, err := Build(geom, dense, radius, position, []int{0}, []int{0}, constants)
	if err == nil {
		t.Fatal("expected an error when no pixels are available")
	}
}

func TestBuildRadialBinsInvalidOptions(t *testing.T) {
	geom, position, radius := buildTestGeometry(t)
	dense := make(mask.Dense, geom.Format.PixNn())

	constants := AccuracyConstants{MinValuesPerBin: 0, MinBinWidth: 1.0}
	_, err := Build(geom, dense, radius, position, []int{0}, []int{0}, constants)
	if err == nil {
		t.Fatal("expected ErrInvalidOptions for min_values_per_bin=0")
	}
}
