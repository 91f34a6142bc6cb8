// Package auxmcu drives the Arduino that handles auxiliary functions around
// the sample chamber: the excitation and emission filter wheels, the lamp
// interlock, and the ambient temperature and humidity sensor.
//
// Commands are LF-terminated ASCII; replies are short fixed-format lines.
package auxmcu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/wire"
)

const LF = '\n'

// MCU is the auxiliary microcontroller on its own serial line.
type MCU struct {
	link     *device.Link
	attempts int
	log      zerolog.Logger
}

// New wraps a link to the microcontroller.
func New(link *device.Link, log zerolog.Logger) *MCU {
	return &MCU{
		link:     link,
		attempts: device.DefaultAttempts,
		log:      log.With().Str("device", "auxmcu").Logger(),
	}
}

// Name identifies the controller to the polling layer.
func (m *MCU) Name() string { return "auxmcu" }

// Gate returns the free/busy gate for this controller's line.
func (m *MCU) Gate() *device.Gate { return m.link.Gate() }

func (m *MCU) ask(ctx context.Context, cmd string) (string, error) {
	var reply string
	err := device.Retry(ctx, m.log, m.attempts, func() error {
		return m.link.Txn(ctx, func(c *device.Conn) error {
			if err := c.Write([]byte(cmd + string(LF))); err != nil {
				return err
			}
			raw, err := c.ReadUntil(LF, 16)
			if err != nil {
				return err
			}
			reply = strings.TrimSpace(string(raw))
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("auxmcu: %q: %w", cmd, err)
	}
	return reply, nil
}

// Wake asserts a serial break to grab the microcontroller's attention if
// its firmware is blocked in a read.
func (m *MCU) Wake() error {
	return m.link.Break(200 * time.Millisecond)
}

// Connect forces the lamp interlock off and thereby confirms the firmware
// answers.
func (m *MCU) Connect(ctx context.Context) error {
	if err := m.Lamp(ctx, false); err != nil {
		return err
	}
	m.log.Info().Msg("auxmcu online")
	return nil
}

// wheel moves one filter wheel and returns the position it reports.
func (m *MCU) wheel(ctx context.Context, cmd byte, pos int) (int, error) {
	reply, err := m.ask(ctx, fmt.Sprintf("%c%d", cmd, pos))
	if err != nil {
		return 0, err
	}
	// reply echoes the wheel letter followed by the position digit
	if len(reply) < 2 || reply[0] != cmd {
		return 0, fmt.Errorf("auxmcu: wheel %c answered %q", cmd, reply)
	}
	return int(reply[1] - '0'), nil
}

// Ex drives the excitation filter wheel to pos.
func (m *MCU) Ex(ctx context.Context, pos int) (int, error) {
	return m.wheel(ctx, 'X', pos)
}

// Em drives the emission filter wheel to pos.
func (m *MCU) Em(ctx context.Context, pos int) (int, error) {
	return m.wheel(ctx, 'M', pos)
}

// Lamp switches the spectrophotometer lamp interlock.
func (m *MCU) Lamp(ctx context.Context, on bool) error {
	cmd := "LOF"
	if on {
		cmd = "LON"
	}
	reply, err := m.ask(ctx, cmd)
	if err != nil {
		return err
	}
	got := reply == "1"
	if got != on {
		return fmt.Errorf("auxmcu: lamp commanded %v, reports %v", on, got)
	}
	return nil
}

// Temp reads the ambient temperature in the sample chamber, in Celsius.
func (m *MCU) Temp(ctx context.Context) (float64, error) {
	reply, err := m.ask(ctx, "TEM")
	if err != nil {
		return 0, err
	}
	return wire.ParseNumber(reply)
}

// Humidity reads the relative humidity in the sample chamber, in percent.
func (m *MCU) Humidity(ctx context.Context) (float64, error) {
	reply, err := m.ask(ctx, "HUM")
	if err != nil {
		return 0, err
	}
	return wire.ParseNumber(reply)
}

// Sample reads the chamber climate for the polling layer.
func (m *MCU) Sample(ctx context.Context) (poll.Fields, error) {
	temp, err := m.Temp(ctx)
	if err != nil {
		return nil, err
	}
	rh, err := m.Humidity(ctx)
	if err != nil {
		return nil, err
	}
	return poll.Fields{
		"T_amb": poll.Num(temp),
		"RH":    poll.Num(rh),
	}, nil
}
