package coordinator

import (
	"sync"

	"github.com/chewxy/math32"
)

// PlateauDetector watches recent episode returns and reports when
// training has flattened out: the window is full and the coefficient of
// variation (std / |mean|) of the returns in it drops below the
// threshold. Used to end a run early once more cycles stop buying
// anything.
//
// Safe for concurrent use; actors record from their own goroutines.
type PlateauDetector struct {
	mu        sync.Mutex
	window    []float32
	next      int
	filled    int
	threshold float32
}

// NewPlateauDetector creates a detector over the last windowSize episode
// returns.
func NewPlateauDetector(windowSize int, threshold float32) *PlateauDetector {
	return &PlateauDetector{
		window:    make([]float32, windowSize),
		threshold: threshold,
	}
}

// Record adds one finished episode's return.
func (d *PlateauDetector) Record(episodeReturn float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.next] = episodeReturn
	d.next = (d.next + 1) % len(d.window)
	if d.filled < len(d.window) {
		d.filled++
	}
}

// Plateaued reports whether the window is full and its returns have
// stabilized. A mean of zero never counts as a plateau: flat-at-nothing
// usually means the policy has not started scoring, not that it is done
// improving.
func (d *PlateauDetector) Plateaued() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filled < len(d.window) {
		return false
	}
	var mean float32
	for _, r := range d.window {
		mean += r
	}
	mean /= float32(len(d.window))
	if mean == 0 {
		return false
	}
	var variance float32
	for _, r := range d.window {
		delta := r - mean
		variance += delta * delta
	}
	variance /= float32(len(d.window))
	return math32.Sqrt(variance)/math32.Abs(mean) < d.threshold
}
