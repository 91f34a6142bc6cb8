package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/safety"
	"github.com/octopode/spectackler/pkg/timeutil"
	"github.com/octopode/spectackler/pkg/tsvlog"
)

// FieldSpec binds one equilibrated plan column to the instrument that
// realizes it and the measured variable that proves it.
type FieldSpec struct {
	// Setpoint is the plan column, e.g. "T_set".
	Setpoint string
	// Measured is the merged sample field watched for stability, e.g. "T_act".
	Measured string
	// Tol is the half-width of the stability band around the setpoint.
	Tol float64
	// Hold is how long the measured trace must stay in band.
	Hold time.Duration
	// Timeout forces the state to proceed even if stability never comes.
	Timeout time.Duration
	// Gate, when set, is held while Apply runs so the device's poller
	// stays off the line.
	Gate *device.Gate
	// Apply programs the setpoint on the instrument.
	Apply func(ctx context.Context, v float64) error
	// Relax marks transitions after which the fluorophore needs time under
	// illumination before readings count.
	Relax bool
}

// DiscreteSpec binds non-equilibrated plan columns (wavelength pairs,
// polarizer positions) to an apply operation. It runs only when one of its
// columns differs from the previous state.
type DiscreteSpec struct {
	Columns []string
	Gate    *device.Gate
	Apply   func(ctx context.Context, row Row) error
}

// fieldWait is one in-flight equilibration.
type fieldWait struct {
	spec     *FieldSpec
	target   float64
	win      *TrailingWindow
	timedOut bool
}

// Scheduler drives the plan to completion against live instruments.
type Scheduler struct {
	Plan     *Plan
	Fields   []FieldSpec
	Discrete []DiscreteSpec
	// Boxes are the pollers' mailboxes, merged every cycle.
	Boxes  []poll.Source
	Safety *safety.Monitor
	Table  *tsvlog.Writer
	Log    zerolog.Logger
	Clock  timeutil.Clock

	// Headline is the reading whose distinct values are counted per state.
	Headline string
	// NRead is how many distinct headline readings to collect per state.
	NRead int
	// CycleTime paces the control loop.
	CycleTime time.Duration
	// AutoShutter keeps the excitation shutter closed except while reading.
	AutoShutter bool
	// ShutterSettle is how long the fluorophore relaxes under illumination
	// after a Relax-flagged transition before readings count.
	ShutterSettle time.Duration
	// Shutter switches the excitation shutter; nil disables shutter logic.
	Shutter func(ctx context.Context, open bool) error
}

// Run visits every plan state in order. It returns early on context
// cancellation or a safety abort; the caller owns instrument shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	data := poll.Fields{}
	if err := s.waitFirstSamples(ctx, clock, data); err != nil {
		return err
	}
	start := clock.Now()

	for num := range s.Plan.Rows {
		row := s.Plan.Rows[num]
		changedPrev := s.diff(num, num-1)
		changedNext := s.diff(num, num+1)

		s.Log.Info().Int("state", num+1).Int("of", len(s.Plan.Rows)).Msg("entering state")

		waiting, err := s.applySetpoints(ctx, row, changedPrev)
		if err != nil {
			return err
		}
		if err := s.applyDiscrete(ctx, row, changedPrev); err != nil {
			return err
		}

		if err := s.holdState(ctx, clock, start, num, row, waiting, changedNext, data); err != nil {
			return err
		}
	}
	return nil
}

// diff reports which columns of state num differ from state other. States
// off either end of the plan count as all-different.
func (s *Scheduler) diff(num, other int) map[string]bool {
	out := make(map[string]bool, len(s.Plan.Columns))
	if other < 0 || other >= len(s.Plan.Rows) {
		for _, col := range s.Plan.Columns {
			out[col] = true
		}
		return out
	}
	a, b := s.Plan.Rows[num], s.Plan.Rows[other]
	for _, col := range s.Plan.Columns {
		out[col] = !a[col].Equal(b[col])
	}
	return out
}

func applyGated(gate *device.Gate, fn func() error) error {
	if gate != nil {
		gate.Hold()
		defer gate.Release()
	}
	return fn()
}

// applySetpoints programs every equilibrated field whose plan column
// changed, returning the equilibrations now in flight.
func (s *Scheduler) applySetpoints(ctx context.Context, row Row, changed map[string]bool) ([]*fieldWait, error) {
	var waiting []*fieldWait
	for i := range s.Fields {
		spec := &s.Fields[i]
		v, ok := row[spec.Setpoint].Float()
		if !ok || !changed[spec.Setpoint] {
			continue
		}
		s.Log.Info().Str("setpoint", spec.Setpoint).Float64("value", v).Msg("applying")
		if err := applyGated(spec.Gate, func() error { return spec.Apply(ctx, v) }); err != nil {
			return nil, fmt.Errorf("sched: applying %s=%g: %w", spec.Setpoint, v, err)
		}
		waiting = append(waiting, &fieldWait{spec: spec, target: v, win: NewWindow(spec.Hold)})
	}
	return waiting, nil
}

func (s *Scheduler) applyDiscrete(ctx context.Context, row Row, changed map[string]bool) error {
	for _, d := range s.Discrete {
		hit := false
		for _, col := range d.Columns {
			if changed[col] {
				if _, ok := row[col]; ok {
					hit = true
				}
			}
		}
		if !hit {
			continue
		}
		s.Log.Info().Strs("columns", d.Columns).Msg("applying discrete setting")
		if err := applyGated(d.Gate, func() error { return d.Apply(ctx, row) }); err != nil {
			return fmt.Errorf("sched: applying %v: %w", d.Columns, err)
		}
	}
	return nil
}

// holdState runs the per-cycle loop for one state: merge data, run safety,
// track equilibration, and collect readings once settled.
func (s *Scheduler) holdState(
	ctx context.Context,
	clock timeutil.Clock,
	start time.Time,
	num int,
	row Row,
	waiting []*fieldWait,
	changedNext map[string]bool,
	data poll.Fields,
) error {
	stateStart := clock.Now()
	readings := 0
	var lastCounted poll.Value
	haveCounted := false
	opened := false
	var openedAt time.Time

	needRelax := false
	for _, w := range waiting {
		if w.spec.Relax {
			needRelax = true
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cycleAt := clock.Now()

		s.merge(data)
		for col, v := range row {
			data[col] = v
		}
		data["state"] = poll.Num(float64(num))
		if rh, ok := data["RH"].Float(); ok {
			if tAmb, ok := data["T_amb"].Float(); ok {
				data["dewpt"] = poll.Num(safety.Dewpoint(rh, tAmb))
			}
		}

		if s.Safety != nil {
			if err := s.Safety.Check(ctx, data); err != nil {
				return err
			}
		}

		elapsed := clock.Since(stateStart)
		settled := true
		// a "time" column is a pure dwell: the state holds for at least
		// that many seconds whether or not anything equilibrates
		if dwell, ok := row["time"].Float(); ok {
			if elapsed < time.Duration(dwell*float64(time.Second)) {
				settled = false
			}
		}
		for _, w := range waiting {
			if m, ok := data[w.spec.Measured].Float(); ok {
				w.win.Add(cycleAt, m)
			}
			switch {
			case elapsed >= w.spec.Timeout:
				if !w.timedOut {
					w.timedOut = true
					s.Log.Warn().
						Str("setpoint", w.spec.Setpoint).
						Dur("waited", elapsed).
						Msg("equilibration timed out, proceeding")
				}
			case elapsed >= w.spec.Hold && w.win.InBand(w.target, w.spec.Tol):
			default:
				settled = false
			}
		}

		if s.Table != nil {
			if err := s.Table.Write(cycleAt, clock.Since(start), data); err != nil {
				return err
			}
		}

		if settled {
			if !opened && s.AutoShutter && s.Shutter != nil && len(waiting) > 0 {
				if err := s.Shutter(ctx, true); err != nil {
					return err
				}
				opened = true
				openedAt = clock.Now()
			}
			relaxed := !opened || !needRelax || clock.Since(openedAt) >= s.ShutterSettle
			if relaxed {
				if head, ok := data[s.Headline]; ok && (!haveCounted || !head.Equal(lastCounted)) {
					readings++
					lastCounted = head
					haveCounted = true
				}
				if readings > s.NRead {
					if s.AutoShutter && s.Shutter != nil && s.nextNeedsDark(changedNext) {
						if err := s.Shutter(ctx, false); err != nil {
							return err
						}
					}
					return nil
				}
			}
		}

		clock.Sleep(s.CycleTime)
	}
}

// nextNeedsDark reports whether the coming transition re-equilibrates any
// field, which is when the shutter closes to spare the fluorophore.
func (s *Scheduler) nextNeedsDark(changedNext map[string]bool) bool {
	for i := range s.Fields {
		if changedNext[s.Fields[i].Setpoint] {
			return true
		}
	}
	return false
}

// merge folds the freshest sample from every mailbox into data.
func (s *Scheduler) merge(data poll.Fields) {
	for _, box := range s.Boxes {
		if sample, ok := box.Latest(); ok {
			data.Merge(sample.Fields)
		}
	}
}

// waitFirstSamples blocks until every poller has delivered at least once,
// so the first state starts from a complete picture.
func (s *Scheduler) waitFirstSamples(ctx context.Context, clock timeutil.Clock, data poll.Fields) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready := true
		for _, box := range s.Boxes {
			if _, ok := box.Latest(); !ok {
				ready = false
			}
		}
		if ready {
			s.merge(data)
			return nil
		}
		clock.Sleep(s.CycleTime)
	}
}
