package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrendIgnoresRepeats(t *testing.T) {
	var tr Trend
	assert.False(t, tr.Add(25.0))
	assert.False(t, tr.Add(25.0))
	assert.False(t, tr.Add(25.1))
	assert.True(t, tr.Add(25.2))
}

func TestTrendExtrema(t *testing.T) {
	var tr Trend
	tr.Add(24.0)
	tr.Add(25.0)
	tr.Add(24.5)
	assert.True(t, tr.Peak())
	assert.False(t, tr.Valley())
	assert.InDelta(t, 25.0, tr.Mid(), 1e-9)

	tr.Add(23.0)
	tr.Add(24.0)
	assert.True(t, tr.Valley())
	assert.InDelta(t, 23.0, tr.Mid(), 1e-9)
}

func TestOscillatorDetectsSteadyCycle(t *testing.T) {
	o := &Oscillator{Need: 3, Tol: 0.2}

	// regular triangle wave between 24 and 26
	wave := []float64{25, 26, 25, 24, 25, 26, 25, 24, 25, 26, 25, 24, 25}
	for _, v := range wave {
		o.Feed(v)
	}
	assert.True(t, o.Steady())
	amp, ok := o.Amplitude()
	assert.True(t, ok)
	assert.InDelta(t, 2.0, amp, 1e-9)
}

func TestOscillatorRejectsIrregularCycle(t *testing.T) {
	o := &Oscillator{Need: 3, Tol: 0.2}

	// growing amplitude: peaks at 26, 27, 28
	wave := []float64{25, 26, 24, 27, 23, 28, 22, 25}
	for _, v := range wave {
		o.Feed(v)
	}
	assert.False(t, o.Steady())
	_, ok := o.Amplitude()
	assert.False(t, ok)
}

func TestOscillatorSlidesWindow(t *testing.T) {
	o := &Oscillator{Need: 2, Tol: 0.1}

	// irregular start, then settles
	wave := []float64{25, 27, 23, 26, 24, 26, 24, 26, 24, 26}
	for _, v := range wave {
		o.Feed(v)
	}
	peaks, valleys := o.Counts()
	assert.Equal(t, 2, peaks)
	assert.Equal(t, 2, valleys)
	assert.True(t, o.Steady())
}
