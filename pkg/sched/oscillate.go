package sched

// Oscillation detection for the bath tuning loop. The temperature trace is
// watched through a three-sample trend of distinct readings; a local
// extremum is a peak or valley, and the loop is declared steadily
// oscillating once the last Need peaks and valleys each agree within Tol.

// Trend holds the last three distinct readings of a trace.
type Trend struct {
	vals [3]float64
	n    int
}

// Add records v if it differs from the newest reading. It returns true
// once the trend holds three distinct values and can be inspected.
func (t *Trend) Add(v float64) bool {
	if t.n > 0 && v == t.vals[2] {
		return false
	}
	t.vals[0], t.vals[1], t.vals[2] = t.vals[1], t.vals[2], v
	if t.n < 3 {
		t.n++
	}
	return t.n == 3
}

// Peak reports whether the middle reading is a local maximum.
func (t *Trend) Peak() bool {
	return t.n == 3 && t.vals[2] < t.vals[1] && t.vals[0] < t.vals[1]
}

// Valley reports whether the middle reading is a local minimum.
func (t *Trend) Valley() bool {
	return t.n == 3 && t.vals[2] > t.vals[1] && t.vals[0] > t.vals[1]
}

// Mid returns the middle reading, the extremum when Peak or Valley holds.
func (t *Trend) Mid() float64 { return t.vals[1] }

// Oscillator accumulates peaks and valleys from a temperature trace and
// decides when the control loop is in steady oscillation.
type Oscillator struct {
	// Need is how many consecutive peaks (and valleys) must agree.
	Need int
	// Tol is the maximum spread allowed among the peaks, and among the
	// valleys, for the oscillation to count as steady.
	Tol float64

	trend   Trend
	peaks   []float64
	valleys []float64
}

// Feed advances the detector with one reading.
func (o *Oscillator) Feed(v float64) {
	if !o.trend.Add(v) {
		return
	}
	switch {
	case o.trend.Peak():
		o.peaks = push(o.peaks, o.trend.Mid(), o.Need)
	case o.trend.Valley():
		o.valleys = push(o.valleys, o.trend.Mid(), o.Need)
	}
}

func push(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[1:]
	}
	return s
}

// Steady reports whether Need regular oscillations have been seen.
func (o *Oscillator) Steady() bool {
	if len(o.peaks) < o.Need || len(o.valleys) < o.Need {
		return false
	}
	return spread(o.peaks) <= o.Tol && spread(o.valleys) <= o.Tol
}

// Amplitude returns the mean peak-to-valley swing once steady.
func (o *Oscillator) Amplitude() (float64, bool) {
	if !o.Steady() {
		return 0, false
	}
	return mean(o.peaks) - mean(o.valleys), true
}

// Counts reports how many peaks and valleys are currently held.
func (o *Oscillator) Counts() (peaks, valleys int) {
	return len(o.peaks), len(o.valleys)
}

func spread(s []float64) float64 {
	lo, hi := s[0], s[0]
	for _, v := range s[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func mean(s []float64) float64 {
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}
