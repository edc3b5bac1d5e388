// Package geometry derives detector panel layout — basis vectors, raw
// bounding rectangles, and the virtual beam-center projection for each
// panel — from a raw detector format and a per-pixel physical position map.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"diffractionhitfinder/internal/models"
)

// ErrBadGeometry is returned when the position map is degenerate: it
// contains non-finite entries, or some panel collapses to a zero basis.
var ErrBadGeometry = errors.New("bad detector geometry")

// RawFormat is the immutable descriptor of the image layout.
type RawFormat struct {
	AsicNx, AsicNy   int
	NAsicsX, NAsicsY int
}

// PixNx is the fast-scan (column) extent of the assembled image.
func (f RawFormat) PixNx() int { return f.AsicNx * f.NAsicsX }

// PixNy is the slow-scan (row) extent of the assembled image.
func (f RawFormat) PixNy() int { return f.AsicNy * f.NAsicsY }

// PixNn is the total pixel count of the assembled image.
func (f RawFormat) PixNn() int { return f.PixNx() * f.PixNy() }

func (f RawFormat) validate() error {
	if f.AsicNx <= 0 || f.AsicNy <= 0 || f.NAsicsX <= 0 || f.NAsicsY <= 0 {
		return fmt.Errorf("%w: panel and grid sizes must be positive", ErrBadGeometry)
	}
	if f.PixNx() > 0xFFFF || f.PixNy() > 0xFFFF {
		return fmt.Errorf("%w: assembled image exceeds 16-bit pixel range", ErrBadGeometry)
	}
	return nil
}

// Panel holds the per-panel geometric quantities derived from the position
// map: raw-coordinate bounds, fast/slow basis vectors, the physical corner,
// and the virtual zero (projected beam center) in raw coordinates.
type Panel struct {
	Index int

	MinFs, MaxFs int
	MinSs, MaxSs int

	Fs     models.Point2D
	Ss     models.Point2D
	Corner models.Point2D

	VirtualZeroRaw models.Point2D
}

// Contains reports whether the raw pixel (fs,ss) lies within this panel's
// rectangle.
func (p Panel) Contains(fs, ss int) bool {
	return fs >= p.MinFs && fs <= p.MaxFs && ss >= p.MinSs && ss <= p.MaxSs
}

// ContainsFloat is Contains for a sub-pixel raw-coordinate point, used by
// callers that walk a continuous direction vector across the panel.
func (p Panel) ContainsFloat(pt models.Point2D) bool {
	return pt.X >= float64(p.MinFs) && pt.X <= float64(p.MaxFs) && pt.Y >= float64(p.MinSs) && pt.Y <= float64(p.MaxSs)
}

// Width and Height are the panel's raw pixel extents.
func (p Panel) Width() int  { return p.MaxFs - p.MinFs + 1 }
func (p Panel) Height() int { return p.MaxSs - p.MinSs + 1 }

// Geometry is the full detector layout: the raw format plus per-panel
// derived quantities, built once and shared read-only across per-image
// calls.
type Geometry struct {
	Format RawFormat
	Panels []Panel
}

// Build derives panel geometry from a raw format and a dense per-pixel
// physical position map (row-major, length Format.PixNn()).
//
// Per panel: fs = position[minSs][minFs+1] - position[minSs][minFs],
// ss = position[minSs+1][minFs] - position[minSs][minFs],
// corner = position[minSs][minFs] - fs/2 - ss/2, and virtualZeroRaw as the
// projection of the physical origin onto the panel plane.
func Build(format RawFormat, position []models.Point2D) (*Geometry, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	if len(position) != format.PixNn() {
		return nil, fmt.Errorf("%w: position map length %d does not match pix_nn %d", ErrBadGeometry, len(position), format.PixNn())
	}
	for _, p := range position {
		if !finite(p.X) || !finite(p.Y) {
			return nil, fmt.Errorf("%w: non-finite entry in position map", ErrBadGeometry)
		}
	}

	pixNx := format.PixNx()
	at := func(fs, ss int) models.Point2D { return position[ss*pixNx+fs] }

	panels := make([]Panel, 0, format.NAsicsX*format.NAsicsY)
	index := 0
	for aiss := 0; aiss < format.NAsicsY; aiss++ {
		for aifs := 0; aifs < format.NAsicsX; aifs++ {
			minFs := aifs * format.AsicNx
			minSs := aiss * format.AsicNy
			maxFs := minFs + format.AsicNx - 1
			maxSs := minSs + format.AsicNy - 1

			origin := at(minFs, minSs)
			fs := at(minFs+1, minSs).Sub(origin)
			ss := at(minFs, minSs+1).Sub(origin)

			if fs.Norm() == 0 || ss.Norm() == 0 {
				return nil, fmt.Errorf("%w: panel %d has a zero basis vector", ErrBadGeometry, index)
			}

			corner := models.Point2D{
				X: origin.X - fs.X/2 - ss.X/2,
				Y: origin.Y - fs.Y/2 - ss.Y/2,
			}

			vz, err := virtualZero(models.Point2D{X: float64(minFs), Y: float64(minSs)}, fs, corner)
			if err != nil {
				return nil, fmt.Errorf("panel %d: %w", index, err)
			}

			panels = append(panels, Panel{
				Index:          index,
				MinFs:          minFs,
				MaxFs:          maxFs,
				MinSs:          minSs,
				MaxSs:          maxSs,
				Fs:             fs,
				Ss:             ss,
				Corner:         corner,
				VirtualZeroRaw: vz,
			})
			index++
		}
	}

	return &Geometry{Format: format, Panels: panels}, nil
}

// virtualZero computes upperLeftRaw + |corner| * (cosTheta, sinTheta) where
// theta is the unsigned angle between fs and -corner, i.e. acos of the dot
// product of their unit vectors — always in [0,pi], so sinTheta is always
// >= 0 by construction. This matches the reference implementation's
// acosf-based angle exactly rather than recovering a signed rotation, which
// would disagree with it whenever fs and -corner cross with negative
// orientation.
func virtualZero(upperLeftRaw, fs, corner models.Point2D) (models.Point2D, error) {
	cornerNorm := corner.Norm()
	if cornerNorm == 0 {
		return upperLeftRaw, nil
	}

	fsNorm := fs.Norm()
	if fsNorm == 0 {
		return models.Point2D{}, fmt.Errorf("%w: degenerate fast-scan basis", ErrBadGeometry)
	}
	negCorner := models.Point2D{X: -corner.X, Y: -corner.Y}

	uFs := mat.NewVecDense(2, []float64{fs.X / fsNorm, fs.Y / fsNorm})
	uCorner := mat.NewVecDense(2, []float64{negCorner.X / cornerNorm, negCorner.Y / cornerNorm})

	cosT := mat.Dot(uFs, uCorner)
	cosT = math.Max(-1, math.Min(1, cosT))
	sinT := math.Sqrt(1 - cosT*cosT)

	return models.Point2D{
		X: upperLeftRaw.X + cornerNorm*cosT,
		Y: upperLeftRaw.Y + cornerNorm*sinT,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
