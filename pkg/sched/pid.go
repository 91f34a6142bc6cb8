package sched

import (
	"sync"
	"time"
)

// PID is the topside trim controller. It runs on top of the bath's own
// control loop, nudging the bath setpoint so the cuvette probe, not the
// bath reservoir, lands on target.
type PID struct {
	Kp, Ki, Kd float64
	// OutMin and OutMax clamp the output, which also bounds integral windup.
	OutMin, OutMax float64

	mu       sync.Mutex
	target   float64
	integral float64
	lastErr  float64
	lastAt   time.Time
	hasLast  bool
	p, i, d  float64
}

// NewPID returns a controller with the given gains and output clamp.
func NewPID(kp, ki, kd, outMin, outMax float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, OutMin: outMin, OutMax: outMax}
}

// SetTarget moves the controller's setpoint. The integral is kept, so a
// small step does not unwind accumulated offset correction.
func (c *PID) SetTarget(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = v
}

// Target returns the current setpoint.
func (c *PID) Target() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Update feeds one measurement at the given time and returns the clamped
// control output.
func (c *PID) Update(measured float64, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.target - measured
	var dt float64
	if c.hasLast {
		dt = now.Sub(c.lastAt).Seconds()
	}

	c.p = c.Kp * err
	if dt > 0 {
		c.integral += c.Ki * err * dt
		c.d = c.Kd * (err - c.lastErr) / dt
	} else {
		c.d = 0
	}
	c.i = clamp(c.integral, c.OutMin, c.OutMax)
	c.integral = c.i

	c.lastErr = err
	c.lastAt = now
	c.hasLast = true

	return clamp(c.p+c.i+c.d, c.OutMin, c.OutMax)
}

// Components returns the proportional, integral and derivative terms of the
// last update, for logging.
func (c *PID) Components() (p, i, d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p, c.i, c.d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
