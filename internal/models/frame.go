// Package models holds the plain data shapes shared across the hit-finder
// pipeline stages.
package models

import "math"

// Point2D is a physical-unit or raw-pixel 2D coordinate, depending on context.
type Point2D struct {
	X, Y float64
}

// Sub subtracts another point, returning the vector between them.
func (p Point2D) Sub(o Point2D) Point2D {
	return Point2D{X: p.X - o.X, Y: p.Y - o.Y}
}

// Norm returns the Euclidean length of the point treated as a vector.
func (p Point2D) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Frame is one per-image hit-finder invocation unit: the raw intensities for
// a full detector readout plus its identifying metadata. It is the 2D
// analogue of the teacher's Volume/Slice pairing, scoped to a single image
// instead of an assembled 3D stack.
type Frame struct {
	// Data is the raw per-pixel intensities, length RawFormat.PixNn(), in
	// row-major (ss, fs) order. The kernels that need the mask fused as
	// sentinels apply it to their own copies; Data is not modified.
	Data []float32

	// Index identifies this frame's position within a batch/run.
	Index int

	// Source is an optional identifying label (filename, event id, ...).
	Source string
}
