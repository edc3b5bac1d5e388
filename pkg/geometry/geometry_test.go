package geometry

import (
	"errors"
	"math"
	"testing"

	"diffractionhitfinder/internal/models"
)

func squarePanelPositions(nx, ny int) []models.Point2D {
	out := make([]models.Point2D, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			out[y*nx+x] = models.Point2D{X: float64(x) - float64(nx)/2, Y: float64(y) - float64(ny)/2}
		}
	}
	return out
}

func TestBuildSinglePanel(t *testing.T) {
	format := RawFormat{AsicNx: 8, AsicNy: 8, NAsicsX: 1, NAsicsY: 1}
	pos := squarePanelPositions(format.PixNx(), format.PixNy())

	geom, err := Build(format, pos)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(geom.Panels) != 1 {
		t.Fatalf("expected 1 panel, got %d", len(geom.Panels))
	}

	p := geom.Panels[0]
	if p.Fs.X <= 0 || p.Ss.Y <= 0 {
		t.Fatalf("unexpected basis vectors: fs=%v ss=%v", p.Fs, p.Ss)
	}
}

func TestBuildIdempotent(t *testing.T) {
	format := RawFormat{AsicNx: 4, AsicNy: 4, NAsicsX: 2, NAsicsY: 2}
	pos := squarePanelPositions(format.PixNx(), format.PixNy())

	g1, err := Build(format, pos)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	g2, err := Build(format, pos)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	for i := range g1.Panels {
		a, b := g1.Panels[i], g2.Panels[i]
		if a.Fs != b.Fs || a.Ss != b.Ss || a.VirtualZeroRaw != b.VirtualZeroRaw {
			t.Fatalf("panel %d not idempotent: %+v vs %+v", i, a, b)
		}
	}
}

func TestBuildRejectsNonFinitePositions(t *testing.T) {
	format := RawFormat{AsicNx: 4, AsicNy: 4, NAsicsX: 1, NAsicsY: 1}
	pos := squarePanelPositions(format.PixNx(), format.PixNy())
	pos[0] = models.Point2D{X: math.NaN(), Y: 0}

	_, err := Build(format, pos)
	if !errors.Is(err, ErrBadGeometry) {
		t.Fatalf("expected ErrBadGeometry, got %v", err)
	}
}

func TestBuildRejectsZeroBasis(t *testing.T) {
	format := RawFormat{AsicNx: 4, AsicNy: 4, NAsicsX: 1, NAsicsY: 1}
	pos := make([]models.Point2D, format.PixNn())
	// All positions identical collapses fs/ss to zero vectors.
	_, err := Build(format, pos)
	if !errors.Is(err, ErrBadGeometry) {
		t.Fatalf("expected ErrBadGeometry, got %v", err)
	}
}

// TestVirtualZeroMatchesUnsignedAngleForNegativelyOrientedPanel picks an fs
// and corner whose cross product fs x (-corner) is negative — the case
// where a signed rotation solve disagrees with the reference's unsigned
// acosf(...) angle. fs=(1,0) and -corner=(1,-1) meet at a -45 degree signed
// rotation, but the unsigned angle between them is +45 degrees, i.e.
// sinTheta must come out positive.
func TestVirtualZeroMatchesUnsignedAngleForNegativelyOrientedPanel(t *testing.T) {
	fs := models.Point2D{X: 1, Y: 0}
	corner := models.Point2D{X: -1, Y: 1} // -corner = (1, -1): fs x (-corner) = 1*-1 - 0*1 = -1 < 0

	vz, err := virtualZero(models.Point2D{X: 0, Y: 0}, fs, corner)
	if err != nil {
		t.Fatalf("virtualZero returned error: %v", err)
	}

	// cornerNorm = sqrt(2), cosTheta = sinTheta = 1/sqrt(2), so
	// cornerNorm*cosTheta = cornerNorm*sinTheta = 1.
	wantX, wantY := 1.0, 1.0
	const tol = 1e-9
	if math.Abs(vz.X-wantX) > tol || math.Abs(vz.Y-wantY) > tol {
		t.Fatalf("virtualZero = (%v, %v), want (%v, %v) (unsigned angle => sinTheta >= 0)", vz.X, vz.Y, wantX, wantY)
	}
	if vz.Y < 0 {
		t.Fatalf("virtualZero.Y = %v is negative; a signed-rotation solve would put it here, but the unsigned acosf convention never should", vz.Y)
	}
}
