// Package isco drives an ISCO syringe pump over its DASNET serial frame
// protocol. The pump holds hydrostatic pressure on the sample line and
// carries the digital output that switches the air-bleed valve.
package isco

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/units"
	"github.com/octopode/spectackler/pkg/wire"
)

// AirValve is the pump digital output wired to the pressure-line air bleed.
const AirValve = 0

// Status is one full controller report, from the G& command.
type Status struct {
	Pressure float64 // bar
	Volume   float64 // mL remaining in the cylinder
	Air      bool    // digital output 0 state
}

// Pump is one ISCO controller on a DASNET line.
type Pump struct {
	link     *device.Link
	dest     int
	source   int
	attempts int
	log      zerolog.Logger
}

// New addresses the controller at the given DASNET unit number.
func New(link *device.Link, unit int, log zerolog.Logger) *Pump {
	return &Pump{
		link:     link,
		dest:     unit,
		source:   0,
		attempts: device.DefaultAttempts,
		log:      log.With().Str("device", "pump").Logger(),
	}
}

// Name identifies the pump to the polling layer.
func (p *Pump) Name() string { return "pump" }

// Gate returns the free/busy gate for this pump's line.
func (p *Pump) Gate() *device.Gate { return p.link.Gate() }

func (p *Pump) query(ctx context.Context, msg string) (string, error) {
	var reply string
	err := device.Retry(ctx, p.log, p.attempts, func() error {
		return p.link.Txn(ctx, func(c *device.Conn) error {
			if err := c.Write(wire.EncodeDASNET(p.dest, p.source, msg)); err != nil {
				return err
			}
			raw, err := c.ReadUntil(wire.CR, 256)
			if err != nil {
				return err
			}
			reply, err = wire.DecodeDASNET(raw)
			return err
		})
	})
	if err != nil {
		return "", fmt.Errorf("isco: %q: %w", msg, err)
	}
	return reply, nil
}

// Connect takes remote control of the pump and confirms it answers a
// status query.
func (p *Pump) Connect(ctx context.Context) error {
	if _, err := p.query(ctx, "REMOTE"); err != nil {
		return err
	}
	st, err := p.Status(ctx)
	if err != nil {
		return err
	}
	p.log.Info().Float64("pressure_bar", st.Pressure).Float64("vol_ml", st.Volume).Msg("pump online")
	return nil
}

// Status queries the controller's combined pressure/volume/digital report.
func (p *Pump) Status(ctx context.Context) (Status, error) {
	reply, err := p.query(ctx, "G&")
	if err != nil {
		return Status{}, err
	}
	return parseStatus(reply)
}

// parseStatus decodes "P=<fifth-psi>,V=<mL>,D0=<0|1>".
func parseStatus(reply string) (Status, error) {
	var st Status
	seen := 0
	for _, part := range strings.Split(reply, ",") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Status{}, fmt.Errorf("isco: bad status field %q", part)
		}
		switch key {
		case "P":
			raw, err := strconv.Atoi(val)
			if err != nil {
				return Status{}, fmt.Errorf("isco: bad pressure %q: %w", val, err)
			}
			st.Pressure = units.PSIToBar(units.FifthPSI.Decode(raw))
			seen++
		case "V":
			vol, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Status{}, fmt.Errorf("isco: bad volume %q: %w", val, err)
			}
			st.Volume = vol
			seen++
		case "D0":
			st.Air = val == "1"
			seen++
		default:
			return Status{}, fmt.Errorf("isco: unknown status field %q", key)
		}
	}
	if seen != 3 {
		return Status{}, fmt.Errorf("isco: incomplete status %q", reply)
	}
	return st, nil
}

// SetPressure programs the target pressure in bar. The controller takes
// fifth-psi integer units.
func (p *Pump) SetPressure(ctx context.Context, bar float64) error {
	raw := units.FifthPSI.Encode(units.BarToPSI(bar))
	_, err := p.query(ctx, fmt.Sprintf("P=%d", raw))
	return err
}

// Pressure reads back the current pressure in bar.
func (p *Pump) Pressure(ctx context.Context) (float64, error) {
	st, err := p.Status(ctx)
	return st.Pressure, err
}

// Volume reads the remaining cylinder volume in mL.
func (p *Pump) Volume(ctx context.Context) (float64, error) {
	st, err := p.Status(ctx)
	return st.Volume, err
}

// Digital switches one of the controller's digital outputs.
func (p *Pump) Digital(ctx context.Context, out int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := p.query(ctx, fmt.Sprintf("D%d=%d", out, v))
	return err
}

// Air switches the air-bleed valve on digital output 0.
func (p *Pump) Air(ctx context.Context, on bool) error {
	return p.Digital(ctx, AirValve, on)
}

// Run starts the pump toward its programmed pressure.
func (p *Pump) Run(ctx context.Context) error {
	_, err := p.query(ctx, "RUN")
	return err
}

// Pause stops pump motion without dropping remote mode.
func (p *Pump) Pause(ctx context.Context) error {
	_, err := p.query(ctx, "STOP")
	return err
}

// Clear acknowledges a fault condition on the controller.
func (p *Pump) Clear(ctx context.Context) error {
	_, err := p.query(ctx, "CLEAR")
	return err
}

// Local returns the front panel to the operator.
func (p *Pump) Local(ctx context.Context) error {
	_, err := p.query(ctx, "LOCAL")
	return err
}

// Sample reads everything the scheduler watches on the pump.
func (p *Pump) Sample(ctx context.Context) (poll.Fields, error) {
	st, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	return poll.Fields{
		"P_act": poll.Num(st.Pressure),
		"vol":   poll.Num(st.Volume),
		"air":   poll.Bool(st.Air),
	}, nil
}
