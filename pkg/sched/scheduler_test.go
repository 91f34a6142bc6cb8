package sched

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/safety"
	"github.com/octopode/spectackler/pkg/timeutil"
	"github.com/octopode/spectackler/pkg/tsvlog"
)

// plant simulates the instruments: it computes a fresh sample from the
// mock clock every time the scheduler looks.
type plant struct {
	clock  timeutil.Clock
	fields func(now time.Time) poll.Fields
}

func (p *plant) Latest() (poll.Sample, bool) {
	now := p.clock.Now()
	return poll.Sample{At: now, Fields: p.fields(now)}, true
}

// rig is a scheduler harness around one simulated temperature loop.
type rig struct {
	clock     *timeutil.MockClock
	t0        time.Time
	applied   []float64
	target    float64
	appliedAt time.Time
	shutter   []bool
	shutterAt []time.Duration
	buf       bytes.Buffer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	t0 := time.Date(2021, 2, 3, 12, 0, 0, 0, time.UTC)
	return &rig{clock: timeutil.NewMockClock(t0), t0: t0, target: 20}
}

// tempRamp models the bath pulling toward the target at one degree per
// second from five degrees out.
func (r *rig) tempRamp(now time.Time) float64 {
	off := 5 - now.Sub(r.appliedAt).Seconds()
	if off < 0 {
		off = 0
	}
	return r.target - off
}

func (r *rig) apply(_ context.Context, v float64) error {
	r.applied = append(r.applied, v)
	r.target = v
	r.appliedAt = r.clock.Now()
	return nil
}

func (r *rig) openShutter(_ context.Context, open bool) error {
	r.shutter = append(r.shutter, open)
	r.shutterAt = append(r.shutterAt, r.clock.Since(r.t0))
	return nil
}

func (r *rig) scheduler(t *testing.T, plan *Plan, spec FieldSpec, fields func(now time.Time) poll.Fields) *Scheduler {
	t.Helper()
	table, err := tsvlog.New(&r.buf, []string{"T_set", "T_act", "intensity", "state"}, "intensity")
	require.NoError(t, err)
	return &Scheduler{
		Plan:        plan,
		Fields:      []FieldSpec{spec},
		Boxes:       []poll.Source{&plant{clock: r.clock, fields: fields}},
		Table:       table,
		Log:         zerolog.Nop(),
		Clock:       r.clock,
		Headline:    "intensity",
		NRead:       2,
		CycleTime:   time.Second,
		AutoShutter: true,
		Shutter:     r.openShutter,
	}
}

func planOf(t *testing.T, tSets ...float64) *Plan {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("T_set\n")
	for _, v := range tSets {
		sb.WriteString(poll.Num(v).String() + "\n")
	}
	p, err := ReadPlan(strings.NewReader(sb.String()))
	require.NoError(t, err)
	return p
}

func TestSchedulerRampSettleAndAdvance(t *testing.T) {
	r := newRig(t)
	fields := func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.tempRamp(now)),
			"intensity": poll.Num(now.Sub(r.t0).Seconds()),
		}
	}
	s := r.scheduler(t, planOf(t, 25, 30), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     3 * time.Second,
		Timeout:  60 * time.Second,
		Apply:    r.apply,
	}, fields)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []float64{25, 30}, r.applied)
	// open for readings, dark through each transition
	assert.Equal(t, []bool{true, false, true, false}, r.shutter)

	// the ramp enters the band at 4.5 s, and the last out-of-band point
	// (t=4) ages out of the 3 s hold window at exactly t=8; readings at
	// 8, 9, 10 s end each state on the 10 s boundary
	assert.Equal(t,
		[]time.Duration{8 * time.Second, 10 * time.Second, 18 * time.Second, 20 * time.Second},
		r.shutterAt)
	assert.Equal(t, 20*time.Second, r.clock.Since(r.t0))

	lines := strings.Split(strings.TrimRight(r.buf.String(), "\n"), "\n")
	assert.Greater(t, len(lines), 3, "header plus change-gated data rows")
}

func TestSchedulerSettlesAtHoldBoundary(t *testing.T) {
	r := newRig(t)
	fields := func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.target), // tracks instantly
			"intensity": poll.Num(now.Sub(r.t0).Seconds()),
		}
	}
	s := r.scheduler(t, planOf(t, 25), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     3 * time.Second,
		Timeout:  60 * time.Second,
		Apply:    r.apply,
	}, fields)

	require.NoError(t, s.Run(context.Background()))
	// in band from the first cycle: settle is judged at exactly t = hold,
	// then readings at 3, 4, 5 s
	assert.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second}, r.shutterAt)
	assert.Equal(t, 5*time.Second, r.clock.Since(r.t0))
}

func TestSchedulerTimeoutForcesAdvance(t *testing.T) {
	r := newRig(t)
	fields := func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.target + 5), // never in band
			"intensity": poll.Num(now.Sub(r.t0).Seconds()),
		}
	}
	s := r.scheduler(t, planOf(t, 25), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     3 * time.Second,
		Timeout:  10 * time.Second,
		Apply:    r.apply,
	}, fields)

	require.NoError(t, s.Run(context.Background()))
	assert.GreaterOrEqual(t, r.clock.Since(r.t0), 10*time.Second)
}

func TestSchedulerWaivesUnchangedSetpoint(t *testing.T) {
	r := newRig(t)
	fields := func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.target), // tracks instantly
			"intensity": poll.Num(now.Sub(r.t0).Seconds()),
		}
	}
	s := r.scheduler(t, planOf(t, 25, 25), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     2 * time.Second,
		Timeout:  60 * time.Second,
		Apply:    r.apply,
	}, fields)

	require.NoError(t, s.Run(context.Background()))
	// programmed once; the repeat state needs no write and no equilibration
	assert.Equal(t, []float64{25}, r.applied)
	// opened for state one; stayed open into the identical state two,
	// closed only at the end of the plan
	assert.Equal(t, []bool{true, false}, r.shutter)
}

func TestSchedulerAbortsOnLeak(t *testing.T) {
	r := newRig(t)
	fields := func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.target + 5), // keep the state waiting
			"intensity": poll.Num(0),
			"vol":       poll.Num(96 + now.Sub(r.t0).Seconds()), // 1 mL/s discharge
		}
	}
	s := r.scheduler(t, planOf(t, 25), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     3 * time.Second,
		Timeout:  10 * time.Minute,
		Apply:    r.apply,
	}, fields)
	s.Safety = &safety.Monitor{MaxVolumeDelta: 20, Log: zerolog.Nop()}

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, safety.ErrLeak)
}

func TestSchedulerDyeRelax(t *testing.T) {
	r := newRig(t)
	fields := func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.target),
			"intensity": poll.Num(now.Sub(r.t0).Seconds()),
		}
	}
	s := r.scheduler(t, planOf(t, 25), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     time.Second,
		Timeout:  60 * time.Second,
		Apply:    r.apply,
		Relax:    true,
	}, fields)
	s.ShutterSettle = 5 * time.Second

	require.NoError(t, s.Run(context.Background()))
	// one second to settle, five seconds of relaxation, then readings
	assert.GreaterOrEqual(t, r.clock.Since(r.t0), 6*time.Second)
}

func TestSchedulerDwellColumn(t *testing.T) {
	r := newRig(t)
	plan, err := ReadPlan(strings.NewReader("T_set\ttime\n25\t30\n"))
	require.NoError(t, err)
	s := r.scheduler(t, plan, FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Tol:      0.5,
		Hold:     time.Second,
		Timeout:  60 * time.Second,
		Apply:    r.apply,
	}, func(now time.Time) poll.Fields {
		return poll.Fields{
			"T_act":     poll.Num(r.target),
			"intensity": poll.Num(now.Sub(r.t0).Seconds()),
		}
	})

	require.NoError(t, s.Run(context.Background()))
	// equilibration is instant here; the dwell column keeps the state alive
	assert.GreaterOrEqual(t, r.clock.Since(r.t0), 30*time.Second)
}

func TestSchedulerCancelled(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := r.scheduler(t, planOf(t, 25), FieldSpec{
		Setpoint: "T_set",
		Measured: "T_act",
		Apply:    r.apply,
	}, func(time.Time) poll.Fields { return poll.Fields{"intensity": poll.Num(0)} })

	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}
