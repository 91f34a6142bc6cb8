package sched

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/timeutil"
)

// Trimmer wraps the bath sampler with the topside PID: each pass it feeds
// the calibrated cuvette temperature to the controller and rewrites the
// bath setpoint with the trimmed value. The bath setpoint change never
// persists in the plan; the plan's T_set lives in the PID target.
type Trimmer struct {
	Inner poll.Sampler
	PID   *PID
	Cal   device.Linear
	// WriteSetpoint programs the bath in its own reference frame.
	WriteSetpoint func(ctx context.Context, ref float64) error
	Clock         timeutil.Clock
	Log           zerolog.Logger
}

// Name passes through the wrapped sampler's name.
func (t *Trimmer) Name() string { return t.Inner.Name() }

// Sample reads the bath, trims its setpoint, and reports the controller
// terms alongside the measurements.
func (t *Trimmer) Sample(ctx context.Context) (poll.Fields, error) {
	fields, err := t.Inner.Sample(ctx)
	if err != nil {
		return nil, err
	}
	tAct, ok := fields["T_act"].Float()
	if !ok {
		return fields, nil
	}
	out := t.PID.Update(tAct, t.Clock.Now())
	ref := t.Cal.ActToRef(tAct + out)
	if err := t.WriteSetpoint(ctx, ref); err != nil {
		// a missed trim write is recoverable; the next pass repeats it
		t.Log.Warn().Err(err).Msg("setpoint trim write failed")
	}
	p, i, d := t.PID.Components()
	fields["P"] = poll.Num(p)
	fields["I"] = poll.Num(i)
	fields["D"] = poll.Num(d)
	return fields, nil
}
