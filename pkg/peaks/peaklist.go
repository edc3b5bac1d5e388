// Package peaks implements the two Bragg-peak finder variants: the
// radial-statistics flood-fill finder (C5) and the local-window ring
// expansion finder (C6). Both share the PeakList output structure defined
// here.
package peaks

// Peak is one reported peak record.
type Peak struct {
	MaxIntensity    float64
	TotalIntensity  float64
	SigmaBackground float64
	SNR             float64
	PixelCount      int
	ComRawX         float64
	ComRawY         float64

	// ComIndex and PanelNumber are only meaningful for the radial-statistics
	// variant; they are left at their zero values by the local-window
	// variant.
	ComIndex    int
	PanelNumber int
}

// PeakList is a capacity-bounded structure-of-arrays accumulator. PeakCount
// reflects every peak that passed its finder's acceptance tests, even past
// capacity; Peaks/Len never expose more than Capacity rows, matching the
// reference implementation's write-gated, count-ungated bookkeeping (see
// DESIGN.md's resolution of the peak_count open question).
type PeakList struct {
	capacity int
	count    int
	rows     []Peak
}

// NewPeakList allocates a peak list with the given storage capacity.
func NewPeakList(capacity int) *PeakList {
	if capacity < 0 {
		capacity = 0
	}
	return &PeakList{capacity: capacity, rows: make([]Peak, 0, capacity)}
}

// Capacity returns the maximum number of peaks this list can store.
func (pl *PeakList) Capacity() int { return pl.capacity }

// PeakCount returns the number of peaks that passed acceptance, which may
// exceed Capacity.
func (pl *PeakList) PeakCount() int { return pl.count }

// Len returns the number of peaks actually stored (min(PeakCount, Capacity)).
func (pl *PeakList) Len() int { return len(pl.rows) }

// Peaks returns the stored peak rows, in the order they were appended.
func (pl *PeakList) Peaks() []Peak { return pl.rows }

// Truncated reports whether more peaks were found than storage could hold.
func (pl *PeakList) Truncated() bool { return pl.count > pl.capacity }

// tryAppend increments the uncapped counter and, if room remains, stores
// the row. It returns whether the row was written.
func (pl *PeakList) tryAppend(p Peak) bool {
	written := pl.count < pl.capacity
	if written {
		pl.rows = append(pl.rows, p)
	}
	pl.count++
	return written
}
