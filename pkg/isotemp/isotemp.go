// Package isotemp drives a Fisher Isotemp 6200 circulating bath over its
// CR-terminated ASCII command set. Set commands answer "OK"; read commands
// answer the value with a trailing unit designator.
package isotemp

import (
	"context"
	"fmt"
	"strings"

	"github.com/gotmc/query"
	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/wire"
)

// Bands holds one proportional/integral/derivative setting triple. The bath
// keeps separate triples for heating and cooling.
type Bands struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// Bath is one Isotemp 6200 on a serial line.
type Bath struct {
	link     *device.Link
	cal      device.Linear
	attempts int
	log      zerolog.Logger
}

// New wraps a link to the bath. cal maps the external-probe reading to the
// temperature at the measurement point.
func New(link *device.Link, cal device.Linear, log zerolog.Logger) *Bath {
	return &Bath{
		link:     link,
		cal:      cal,
		attempts: device.DefaultAttempts,
		log:      log.With().Str("device", "bath").Logger(),
	}
}

// Name identifies the bath to the polling layer.
func (b *Bath) Name() string { return "bath" }

// Gate returns the free/busy gate for this bath's line.
func (b *Bath) Gate() *device.Gate { return b.link.Gate() }

// ask runs one command/reply cycle. Replies are trimmed and stripped of the
// trailing temperature unit designator so numeric replies parse cleanly.
func (b *Bath) ask(ctx context.Context, cmd string) (string, error) {
	var reply string
	err := device.Retry(ctx, b.log, b.attempts, func() error {
		return b.link.Txn(ctx, func(c *device.Conn) error {
			if err := c.Write(wire.EncodeASCII(cmd)); err != nil {
				return err
			}
			raw, err := c.ReadUntil(wire.CR, 64)
			if err != nil {
				return err
			}
			reply = strings.TrimRight(strings.TrimSpace(string(raw)), "CF")
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("isotemp: %q: %w", cmd, err)
	}
	return reply, nil
}

// conn binds a context to the bath so the query helpers can drive it.
type conn struct {
	bath *Bath
	ctx  context.Context
}

func (c conn) Query(cmd string) (string, error) { return c.bath.ask(c.ctx, cmd) }

func (b *Bath) q(ctx context.Context) query.Querier { return conn{bath: b, ctx: ctx} }

// set issues a set command and verifies the "OK" acknowledgment.
func (b *Bath) set(ctx context.Context, cmd string) error {
	reply, err := b.ask(ctx, cmd)
	if err != nil {
		return err
	}
	if !wire.IsOK(reply) {
		return fmt.Errorf("isotemp: %q refused: %q", cmd, reply)
	}
	return nil
}

// Connect verifies the firmware checksum reply looks like an Isotemp 6200
// and sets two-decimal temperature resolution.
func (b *Bath) Connect(ctx context.Context) error {
	sum, err := query.String(b.q(ctx), "RSUM")
	if err != nil {
		return err
	}
	if len(sum) != 4 {
		return fmt.Errorf("isotemp: firmware checksum %q is not 4 characters", sum)
	}
	if err := b.set(ctx, "STR 2"); err != nil {
		return err
	}
	b.log.Info().Str("checksum", sum).Msg("bath online")
	return nil
}

// TempInternal reads the bath's own loop temperature.
func (b *Bath) TempInternal(ctx context.Context) (float64, error) {
	return query.Float64(b.q(ctx), "RT")
}

// TempExternal reads the external probe.
func (b *Bath) TempExternal(ctx context.Context) (float64, error) {
	return query.Float64(b.q(ctx), "RT2")
}

// Setpoint reads the displayed setpoint.
func (b *Bath) Setpoint(ctx context.Context) (float64, error) {
	return query.Float64(b.q(ctx), "RS")
}

// SetSetpoint programs the displayed setpoint in Celsius.
func (b *Bath) SetSetpoint(ctx context.Context, celsius float64) error {
	return b.set(ctx, fmt.Sprintf("SS %.2f", celsius))
}

// On switches the circulator on or off.
func (b *Bath) On(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return b.set(ctx, fmt.Sprintf("SO %d", v))
}

// IsOn reports whether the circulator is running.
func (b *Bath) IsOn(ctx context.Context) (bool, error) {
	reply, err := query.String(b.q(ctx), "RO")
	if err != nil {
		return false, err
	}
	return reply == "1", nil
}

// UseExternalProbe selects which sensor closes the control loop.
func (b *Bath) UseExternalProbe(ctx context.Context, ext bool) error {
	v := 0
	if ext {
		v = 1
	}
	return b.set(ctx, fmt.Sprintf("SE %d", v))
}

// PID reads the heating or cooling band triple.
func (b *Bath) PID(ctx context.Context, heat bool) (Bands, error) {
	side := "C"
	if heat {
		side = "H"
	}
	var bands Bands
	var err error
	q := b.q(ctx)
	if bands.P, err = query.Float64(q, "RP"+side); err != nil {
		return bands, err
	}
	if bands.I, err = query.Float64(q, "RI"+side); err != nil {
		return bands, err
	}
	bands.D, err = query.Float64(q, "RD"+side)
	return bands, err
}

// SetPID programs the heating or cooling band triple.
func (b *Bath) SetPID(ctx context.Context, heat bool, bands Bands) error {
	side := "C"
	if heat {
		side = "H"
	}
	if err := b.set(ctx, fmt.Sprintf("SP%s %.1f", side, bands.P)); err != nil {
		return err
	}
	if err := b.set(ctx, fmt.Sprintf("SI%s %.2f", side, bands.I)); err != nil {
		return err
	}
	return b.set(ctx, fmt.Sprintf("SD%s %.1f", side, bands.D))
}

// Sample reads the temperatures the scheduler watches. T_act is the
// external probe corrected by the calibration.
func (b *Bath) Sample(ctx context.Context) (poll.Fields, error) {
	tInt, err := b.TempInternal(ctx)
	if err != nil {
		return nil, err
	}
	tExt, err := b.TempExternal(ctx)
	if err != nil {
		return nil, err
	}
	return poll.Fields{
		"T_int": poll.Num(tInt),
		"T_ext": poll.Num(tExt),
		"T_act": poll.Num(b.cal.RefToAct(tExt)),
	}, nil
}
