package syncer

import (
	"math"
	"time"
)

const (
	// DefaultMinWindow and DefaultMaxWindow bound the scan window in positions.
	DefaultMinWindow uint64 = 500
	DefaultMaxWindow uint64 = 50_000

	growthFactor = 1.5
	shrinkFactor = 0.5
	// growth happens only above this many events per second
	growthRate = 10.0
)

// Window is the adaptive scan size for one run. It is not safe for concurrent use.
type Window struct {
	min  uint64
	max  uint64
	size uint64
}

// NewWindow clamps start into [min, max].
func NewWindow(min, max, start uint64) *Window {
	if min == 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	w := &Window{min: min, max: max}
	w.size = w.clamp(start)
	return w
}

func (w *Window) Size() uint64 { return w.size }

// Observe grows the window by 1.5x when the range produced more than 10 events per second.
func (w *Window) Observe(events int, elapsed time.Duration) bool {
	if w.size >= w.max || events <= 0 {
		return false
	}
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-3
	}
	if float64(events)/secs <= growthRate {
		return false
	}
	w.size = w.clamp(uint64(math.Round(float64(w.size) * growthFactor)))
	return true
}

// Shrink halves the window, floored at the minimum.
func (w *Window) Shrink() {
	w.size = w.clamp(uint64(math.Floor(float64(w.size) * shrinkFactor)))
}

func (w *Window) clamp(v uint64) uint64 {
	if v < w.min {
		return w.min
	}
	if v > w.max {
		return w.max
	}
	return v
}
