package sched

import "time"

type tracePoint struct {
	at time.Time
	v  float64
}

// TrailingWindow keeps the last hold's worth of readings of one measured
// variable, answering whether the whole trace sits inside a tolerance band.
type TrailingWindow struct {
	hold   time.Duration
	points []tracePoint
}

// NewWindow returns an empty window spanning hold.
func NewWindow(hold time.Duration) *TrailingWindow {
	return &TrailingWindow{hold: hold}
}

// Add appends a reading and drops points older than the window span.
func (w *TrailingWindow) Add(at time.Time, v float64) {
	w.points = append(w.points, tracePoint{at: at, v: v})
	cutoff := at.Add(-w.hold)
	i := 0
	for i < len(w.points)-1 && w.points[i].at.Before(cutoff) {
		i++
	}
	w.points = w.points[i:]
}

// InBand reports whether every retained reading lies within tol of target.
// An empty window is not in band.
func (w *TrailingWindow) InBand(target, tol float64) bool {
	if len(w.points) == 0 {
		return false
	}
	for _, p := range w.points {
		if p.v > target+tol || p.v < target-tol {
			return false
		}
	}
	return true
}

// Reset discards the trace, for reuse across states.
func (w *TrailingWindow) Reset() {
	w.points = w.points[:0]
}
