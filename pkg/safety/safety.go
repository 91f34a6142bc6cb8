// Package safety watches every merged sample for hazards: a leaking
// pressure line, detected as cumulative syringe volume loss, and
// condensation on the cold cuvette, countered by a dry-air purge valve.
package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/poll"
)

// ErrLeak aborts the run: the pump has displaced more volume than any
// legitimate compression could account for.
var ErrLeak = errors.New("safety: pressure line is leaking")

// Dewpoint estimates the dewpoint in Celsius from relative humidity in
// percent and air temperature in Celsius, using the linear approximation
// good to about one degree above 50 % RH.
func Dewpoint(rh, temp float64) float64 {
	return temp - (100-rh)/5
}

// Monitor applies the safety checks to each merged sample.
type Monitor struct {
	// MaxVolumeDelta is the syringe volume loss in mL that is declared a
	// leak.
	MaxVolumeDelta float64
	// DewMargin is how many degrees above the chamber dewpoint the cuvette
	// must stay before the purge valve is allowed to close.
	DewMargin float64
	// Valve switches the dry-air purge valve.
	Valve func(ctx context.Context, open bool) error
	Log   zerolog.Logger

	volStart   float64
	volTracked bool
	valveOpen  *bool
}

// Check inspects one merged sample. It returns ErrLeak when the volume
// budget is blown; valve trouble is returned as an ordinary error.
func (m *Monitor) Check(ctx context.Context, fields poll.Fields) error {
	if err := m.checkVolume(fields); err != nil {
		return err
	}
	return m.checkDew(ctx, fields)
}

func (m *Monitor) checkVolume(fields poll.Fields) error {
	vol, ok := fields["vol"].Float()
	if !ok {
		return nil
	}
	if !m.volTracked {
		m.volStart = vol
		m.volTracked = true
		return nil
	}
	if delta := vol - m.volStart; delta > m.MaxVolumeDelta {
		return fmt.Errorf("%w: %.1f mL displaced since start (budget %.1f)", ErrLeak, delta, m.MaxVolumeDelta)
	}
	return nil
}

func (m *Monitor) checkDew(ctx context.Context, fields poll.Fields) error {
	rh, okRH := fields["RH"].Float()
	tAmb, okAmb := fields["T_amb"].Float()
	tAct, okAct := fields["T_act"].Float()
	if !okRH || !okAmb || !okAct || m.Valve == nil {
		return nil
	}
	dewpt := Dewpoint(rh, tAmb)
	want := tAct <= dewpt+m.DewMargin
	if m.valveOpen != nil && *m.valveOpen == want {
		return nil
	}
	if err := m.Valve(ctx, want); err != nil {
		return fmt.Errorf("safety: purge valve: %w", err)
	}
	m.Log.Info().Bool("open", want).Float64("dewpoint", dewpt).Float64("cuvette", tAct).Msg("purge valve switched")
	m.valveOpen = &want
	return nil
}
