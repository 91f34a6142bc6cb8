// Package neslab drives a NESLAB RTE-series circulating bath over its
// binary framed protocol. Every command is echoed back in the reply leader,
// which the decoder checks before trusting the data bytes.
package neslab

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/units"
	"github.com/octopode/spectackler/pkg/wire"
)

// Controller command bytes.
const (
	cmdStatus      = 0x09
	cmdTempInt     = 0x20
	cmdTempExt     = 0x21
	cmdFaultLoGet  = 0x40
	cmdFaultHiGet  = 0x60
	cmdSetpointGet = 0x70
	cmdPIDGet      = 0x71 // +0 P, +1 I, +2 D; +3 for cooling drive
	cmdSetStatus   = 0x81
	cmdFaultLoSet  = 0xC0
	cmdFaultHiSet  = 0xE0
	cmdSetpointSet = 0xF0
	cmdPIDSet      = 0xF1
)

const coolShift = 3

// Bands holds one proportional/integral/derivative triple. P is percent,
// I repeats per minute, D minutes.
type Bands struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// Switches selects controller switch positions for a status write. Nil
// fields are left as they are.
type Switches struct {
	UnitOn        *bool
	ProbeExt      *bool
	Faults        *bool
	Mute          *bool
	AutoRestart   *bool
	PrecisionHi   *bool
	FullRangeCool *bool
	Remote        *bool
}

func (s Switches) encode() []byte {
	dat := make([]byte, 8)
	for i, f := range []*bool{
		s.UnitOn, s.ProbeExt, s.Faults, s.Mute,
		s.AutoRestart, s.PrecisionHi, s.FullRangeCool, s.Remote,
	} {
		switch {
		case f == nil:
			dat[i] = 0x02 // no change
		case *f:
			dat[i] = 0x01
		default:
			dat[i] = 0x00
		}
	}
	return dat
}

// Bath is one NESLAB controller on a serial line.
type Bath struct {
	link      *device.Link
	multidrop bool
	addr      byte
	cal       device.Linear
	attempts  int
	log       zerolog.Logger
}

// New wraps a point-to-point RS-232 link. cal maps the external-probe
// reading to the temperature at the measurement point.
func New(link *device.Link, cal device.Linear, log zerolog.Logger) *Bath {
	return &Bath{
		link:     link,
		addr:     1,
		cal:      cal,
		attempts: device.DefaultAttempts,
		log:      log.With().Str("device", "bath").Logger(),
	}
}

// NewMultidrop wraps an RS-485 party line, addressing the controller at
// addr (1-64).
func NewMultidrop(link *device.Link, addr byte, cal device.Linear, log zerolog.Logger) *Bath {
	b := New(link, cal, log)
	b.multidrop = true
	b.addr = addr
	return b
}

// Name identifies the bath to the polling layer.
func (b *Bath) Name() string { return "bath" }

// Gate returns the free/busy gate for this bath's line.
func (b *Bath) Gate() *device.Gate { return b.link.Gate() }

// query runs one framed command cycle, verifying the echoed leader and
// checksum, and retrying on garbled replies.
func (b *Bath) query(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	sent, err := wire.EncodeNeslab(b.multidrop, b.addr, cmd, data)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = device.Retry(ctx, b.log, b.attempts, func() error {
		return b.link.Txn(ctx, func(c *device.Conn) error {
			if err := c.Write(sent); err != nil {
				return err
			}
			// leader, address pair, command, then the data count
			head, err := c.ReadN(5)
			if err != nil {
				return err
			}
			rest, err := c.ReadN(int(head[4]) + 1)
			if err != nil {
				return err
			}
			out, err = wire.DecodeNeslab(sent, append(head, rest...))
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("neslab: cmd %02X: %w", cmd, err)
	}
	return out, nil
}

func (b *Bath) queryValue(ctx context.Context, cmd byte, data []byte) (float64, error) {
	reply, err := b.query(ctx, cmd, data)
	if err != nil {
		return 0, err
	}
	return wire.DecodeNeslabValue(reply)
}

// Connect confirms the controller answers a status query.
func (b *Bath) Connect(ctx context.Context) error {
	st, err := b.Status(ctx)
	if err != nil {
		return err
	}
	b.log.Info().Bool("unit_on", st["unit_on"]).Bool("faulted", st["unit_faulted"]).Msg("bath online")
	return nil
}

// Status reads the controller's full switch and fault array.
func (b *Bath) Status(ctx context.Context) (map[string]bool, error) {
	reply, err := b.query(ctx, cmdStatus, nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeNeslabStatus(reply)
}

// SetSwitches writes switch positions. The controller echoes the written
// array; a mismatch means the write did not take.
func (b *Bath) SetSwitches(ctx context.Context, sw Switches) error {
	dat := sw.encode()
	reply, err := b.query(ctx, cmdSetStatus, dat)
	if err != nil {
		return err
	}
	if len(reply) != len(dat) {
		return fmt.Errorf("neslab: switch write echoed %d bytes, sent %d", len(reply), len(dat))
	}
	for i := range dat {
		if reply[i] != dat[i] {
			return fmt.Errorf("neslab: switch %d wrote %02X, controller reports %02X", i, dat[i], reply[i])
		}
	}
	return nil
}

// On switches the circulator on or off.
func (b *Bath) On(ctx context.Context, on bool) error {
	return b.SetSwitches(ctx, Switches{UnitOn: &on})
}

// IsOn reports whether the circulator is running.
func (b *Bath) IsOn(ctx context.Context) (bool, error) {
	st, err := b.Status(ctx)
	if err != nil {
		return false, err
	}
	return st["unit_on"], nil
}

// UseExternalProbe selects which sensor closes the control loop.
func (b *Bath) UseExternalProbe(ctx context.Context, ext bool) error {
	return b.SetSwitches(ctx, Switches{ProbeExt: &ext})
}

// TempInternal reads the bath's own loop temperature.
func (b *Bath) TempInternal(ctx context.Context) (float64, error) {
	return b.queryValue(ctx, cmdTempInt, nil)
}

// TempExternal reads the external probe.
func (b *Bath) TempExternal(ctx context.Context) (float64, error) {
	return b.queryValue(ctx, cmdTempExt, nil)
}

// Setpoint reads the programmed setpoint.
func (b *Bath) Setpoint(ctx context.Context) (float64, error) {
	return b.queryValue(ctx, cmdSetpointGet, nil)
}

// SetSetpoint programs the setpoint in Celsius. The controller echoes the
// value it accepted; a mismatch beyond its resolution is an error.
func (b *Bath) SetSetpoint(ctx context.Context, celsius float64) error {
	got, err := b.queryValue(ctx, cmdSetpointSet, wire.EncodeInt16(units.CentiCelsius.Encode(celsius)))
	if err != nil {
		return err
	}
	if math.Abs(got-celsius) > units.DeciCelsius.Quantum() {
		return fmt.Errorf("neslab: setpoint wrote %.2f, controller reports %.2f", celsius, got)
	}
	return nil
}

// FaultLow reads or sets the low-temperature fault limit.
func (b *Bath) FaultLow(ctx context.Context) (float64, error) {
	return b.queryValue(ctx, cmdFaultLoGet, nil)
}

func (b *Bath) SetFaultLow(ctx context.Context, celsius float64) error {
	_, err := b.queryValue(ctx, cmdFaultLoSet, wire.EncodeInt16(units.DeciCelsius.Encode(celsius)))
	return err
}

// FaultHigh reads or sets the high-temperature fault limit.
func (b *Bath) FaultHigh(ctx context.Context) (float64, error) {
	return b.queryValue(ctx, cmdFaultHiGet, nil)
}

func (b *Bath) SetFaultHigh(ctx context.Context, celsius float64) error {
	_, err := b.queryValue(ctx, cmdFaultHiSet, wire.EncodeInt16(units.DeciCelsius.Encode(celsius)))
	return err
}

func driveShift(heat bool) byte {
	if heat {
		return 0
	}
	return coolShift
}

// PID reads the heating or cooling drive's band triple.
func (b *Bath) PID(ctx context.Context, heat bool) (Bands, error) {
	base := cmdPIDGet + driveShift(heat)
	var bands Bands
	var err error
	if bands.P, err = b.queryValue(ctx, base, nil); err != nil {
		return bands, err
	}
	if bands.I, err = b.queryValue(ctx, base+1, nil); err != nil {
		return bands, err
	}
	bands.D, err = b.queryValue(ctx, base+2, nil)
	return bands, err
}

// SetPID programs the heating or cooling drive's band triple.
func (b *Bath) SetPID(ctx context.Context, heat bool, bands Bands) error {
	base := cmdPIDSet + driveShift(heat)
	if _, err := b.queryValue(ctx, base, wire.EncodeInt16(units.Deci.Encode(bands.P))); err != nil {
		return err
	}
	if _, err := b.queryValue(ctx, base+1, wire.EncodeInt16(units.Centi.Encode(bands.I))); err != nil {
		return err
	}
	_, err := b.queryValue(ctx, base+2, wire.EncodeInt16(units.Deci.Encode(bands.D)))
	return err
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
