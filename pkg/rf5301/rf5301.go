// Package rf5301 drives a Shimadzu RF-5301PC spectrofluorophotometer.
//
// The instrument runs a software handshake around every framed command:
//
//	host: ENQ            -> instrument: ACK
//	host: STX msg ETX ck -> instrument: ACK
//	host: EOT            -> instrument: ENQ
//	host: ACK            -> instrument: data blocks, EOT
//
// Each data block ends in ETB (more to come) or ETX (final) plus a check
// byte, and is acknowledged individually. Reply payloads arrive with the
// high bit set on some characters and are masked down to ASCII.
package rf5301

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

// WLPair is one of the instrument's preprogrammed excitation/emission
// wavelength pairs. The monochromators move together, so pairs are set as
// a unit.
type WLPair string

const (
	PairNADH       WLPair = "nadh"        // ex 340 / em 445
	PairDPH        WLPair = "dph"         // ex 350 / em 420
	PairLaurdanBlu WLPair = "laurdan_blu" // ex 340 / em 440
	PairLaurdanRed WLPair = "laurdan_red" // ex 340 / em 490
)

// wlPairMsgs holds the instrument's combined set-wavelength frames. The
// encoding of arbitrary pairs is not understood, so the command set is
// closed; the check bytes for these frames are in the wire table.
var wlPairMsgs = map[WLPair][]byte{
	PairNADH:       {0x57, 0xC1, 0xB0, 0xC4, 0x34, 0x38, 0x31, 0x31, 0xB6, 0x32},
	PairDPH:        {0x57, 0xC1, 0xB0, 0xC4, 0xC1, 0x43, 0x31, 0xB0, 0xB6, 0x38},
	PairLaurdanBlu: {0x57, 0xC1, 0xB0, 0xC4, 0x34, 0x38, 0x31, 0x31, 0xB3, 0xB0},
	PairLaurdanRed: {0x57, 0xC1, 0xB0, 0xC4, 0x34, 0x38, 0x31, 0xB3, 0x32, 0x34},
}

// Wavelengths returns the pair's nominal excitation and emission in nm.
func (p WLPair) Wavelengths() (ex, em float64) {
	switch p {
	case PairNADH:
		return 340, 445
	case PairDPH:
		return 350, 420
	case PairLaurdanBlu:
		return 340, 440
	case PairLaurdanRed:
		return 340, 490
	}
	return 0, 0
}

// Valid reports whether the pair names a known frame.
func (p WLPair) Valid() bool {
	_, ok := wlPairMsgs[p]
	return ok
}

// Spec is one RF-5301 on a serial line.
type Spec struct {
	link     *device.Link
	attempts int
	log      zerolog.Logger
}

// New wraps a link to the instrument.
func New(link *device.Link, log zerolog.Logger) *Spec {
	return &Spec{
		link:     link,
		attempts: device.DefaultAttempts,
		log:      log.With().Str("device", "spec").Logger(),
	}
}

// Name identifies the instrument to the polling layer.
func (s *Spec) Name() string { return "spec" }

// Gate returns the free/busy gate for this instrument's line.
func (s *Spec) Gate() *device.Gate { return s.link.Gate() }

// awaitByte discards stray bytes until want arrives. The per-byte read
// timeout bounds the wait.
func awaitByte(c *device.Conn, want byte) error {
	for i := 0; i < 64; i++ {
		b, err := c.ReadByte()
		if err != nil {
			return err
		}
		if b == want {
			return nil
		}
	}
	return fmt.Errorf("rf5301: byte %02X never arrived", want)
}

// readBlock collects one reply block through its ETB/ETX terminator and
// check byte.
func readBlock(c *device.Conn) ([]byte, error) {
	block := make([]byte, 0, 16)
	for {
		b, err := c.ReadByte()
		if err != nil {
			return nil, err
		}
		block = append(block, b)
		if b == wire.ETB || b == wire.ETX {
			ck, err := c.ReadByte()
			if err != nil {
				return nil, err
			}
			return append(block, ck), nil
		}
		if len(block) > 256 {
			return nil, fmt.Errorf("%w: RF-5301 block never terminated", wire.ErrMalformedFrame)
		}
	}
}

// query runs the full handshake for one command and returns the decoded
// reply blocks.
func (s *Spec) query(ctx context.Context, msg []byte) ([]string, error) {
	frame, err := wire.EncodeShim(msg)
	if err != nil {
		return nil, err
	}
	var blocks []string
	err = device.Retry(ctx, s.log, s.attempts, func() error {
		return s.link.Txn(ctx, func(c *device.Conn) error {
			blocks = blocks[:0]
			if err := c.Write([]byte{wire.ENQ}); err != nil {
				return err
			}
			if err := awaitByte(c, wire.ACK); err != nil {
				return err
			}
			if err := c.Write(frame); err != nil {
				return err
			}
			if err := awaitByte(c, wire.ACK); err != nil {
				return err
			}
			if err := c.Write([]byte{wire.EOT}); err != nil {
				return err
			}
			if err := awaitByte(c, wire.ENQ); err != nil {
				return err
			}
			if err := c.Write([]byte{wire.ACK}); err != nil {
				return err
			}
			for {
				raw, err := readBlock(c)
				if err != nil {
					return err
				}
				if err := c.Write([]byte{wire.ACK}); err != nil {
					return err
				}
				text, err := wire.DecodeShimBlock(raw)
				if err != nil {
					return err
				}
				blocks = append(blocks, text)
				if wire.LastShimBlock(raw) {
					break
				}
			}
			return awaitByte(c, wire.EOT)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("rf5301: cmd % X: %w", msg, err)
	}
	return blocks, nil
}

// stripEcho removes the leading "0" receipt flag and the masked command
// echo from a reply.
func stripEcho(reply string, msg []byte) (string, error) {
	echo := make([]byte, len(msg))
	for i, b := range msg {
		echo[i] = b & 0x7F
	}
	want := "0" + string(echo)
	if !strings.HasPrefix(reply, want) {
		return "", fmt.Errorf("%w: RF-5301 echoed %q, want prefix %q", wire.ErrMalformedFrame, reply, want)
	}
	return strings.TrimPrefix(reply, want), nil
}

// ask sends one command and strips the echo off a single-block reply.
func (s *Spec) ask(ctx context.Context, msg []byte) (string, error) {
	blocks, err := s.query(ctx, msg)
	if err != nil {
		return "", err
	}
	return stripEcho(blocks[0], msg)
}

// statusReply checks the instrument's numeric success flag: zero is good.
func statusReply(reply string) error {
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return fmt.Errorf("rf5301: unreadable status %q: %w", reply, err)
	}
	if n != 0 {
		return fmt.Errorf("rf5301: command refused with status %d", n)
	}
	return nil
}

// Connect clears the line and ensures the power-on self-test has run,
// running it if the instrument was just switched on.
func (s *Spec) Connect(ctx context.Context) error {
	if err := s.drainLine(ctx); err != nil {
		return err
	}
	done, err := s.PostDone(ctx)
	if err != nil {
		return err
	}
	if done {
		s.log.Info().Msg("spec online, self-test already run")
		return nil
	}
	results, err := s.Post(ctx)
	if err != nil {
		return err
	}
	var failed []string
	for name, ok := range results {
		if !ok {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("rf5301: self-test failed: %s", strings.Join(failed, ", "))
	}
	s.log.Info().Int("checks", len(results)).Msg("spec online, self-test passed")
	return nil
}

// drainLine answers any pending ENQs left over from an interrupted
// handshake, then stops at the first quiet read.
func (s *Spec) drainLine(ctx context.Context) error {
	return s.link.Txn(ctx, func(c *device.Conn) error {
		for i := 0; i < 64; i++ {
			b, err := c.ReadByte()
			if err != nil {
				return nil // line is quiet
			}
			if b == wire.ENQ {
				if err := c.Write([]byte{wire.ACK}); err != nil {
					return err
				}
			}
		}
		return fmt.Errorf("rf5301: line would not go quiet")
	})
}

// PostDone reports whether the power-on self-test has already completed.
func (s *Spec) PostDone(ctx context.Context) (bool, error) {
	reply, err := s.ask(ctx, []byte{0x23})
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return false, fmt.Errorf("rf5301: unreadable POST flag %q: %w", reply, err)
	}
	// 1 means the instrument was just powered on
	return n == 0, nil
}

// Post runs the full self-test battery and returns named pass/fail results.
func (s *Spec) Post(ctx context.Context) (map[string]bool, error) {
	results := make(map[string]bool)

	memOK, err := s.MemCheck(ctx)
	if err != nil {
		return nil, err
	}
	results["mem_chk"] = memOK

	sn, err := s.SerialNumber(ctx)
	if err != nil {
		return nil, err
	}
	results["ser_num"] = sn != ""

	optical, err := s.OptCheck(ctx)
	if err != nil {
		return nil, err
	}
	for name, ok := range optical {
		results[name] = ok
	}

	hrs, err := s.XenonHours(ctx)
	if err != nil {
		return nil, err
	}
	results["xen_hrs"] = hrs >= 0
	s.log.Info().Str("serial", sn).Int("xenon_hours", hrs).Msg("self-test complete")
	return results, nil
}

// SerialNumber reads the instrument serial number.
func (s *Spec) SerialNumber(ctx context.Context) (string, error) {
	return s.ask(ctx, []byte{0xD6})
}

// ROMVersion reads the firmware version.
func (s *Spec) ROMVersion(ctx context.Context) (float64, error) {
	reply, err := s.ask(ctx, []byte{0x43, 0x52})
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(reply), 64)
}

// MemCheck verifies ROM, RAM and EEPROM.
func (s *Spec) MemCheck(ctx context.Context) (bool, error) {
	reply, err := s.ask(ctx, []byte{0x43})
	if err != nil {
		return false, err
	}
	return reply == "R1", nil
}

// optCheckpoints decodes the optical bench report's checkpoint codes.
var optCheckpoints = map[byte]string{
	'O': "ex_slit_min",
	'A': "ex_slit_max",
	'E': "em_slit_min",
	'S': "em_slit_max",
	'L': "ex_mono_min",
	'X': "ex_mono_max",
	'M': "em_mono_min",
	'B': "em_mono_max",
}

// OptCheck exercises the slits and monochromators, returning pass/fail per
// checkpoint. The instrument streams one block per checkpoint after the
// receipt block.
func (s *Spec) OptCheck(ctx context.Context) (map[string]bool, error) {
	msg := []byte{0x49}
	blocks, err := s.query(ctx, msg)
	if err != nil {
		return nil, err
	}
	if len(blocks) < 2 {
		return nil, fmt.Errorf("%w: optical check returned %d blocks", wire.ErrMalformedFrame, len(blocks))
	}
	results := make(map[string]bool, len(blocks)-1)
	for _, block := range blocks[1:] {
		body := strings.TrimPrefix(block, "I")
		if body == "" {
			return nil, fmt.Errorf("%w: empty optical checkpoint block", wire.ErrMalformedFrame)
		}
		name, ok := optCheckpoints[body[0]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown optical checkpoint %q", wire.ErrMalformedFrame, body)
		}
		results[name] = body[len(body)-1] == '0'
	}
	return results, nil
}

// XenonHours reads the hour count on the xenon lamp.
func (s *Spec) XenonHours(ctx context.Context) (int, error) {
	reply, err := s.ask(ctx, []byte{0x45})
	if err != nil {
		return 0, err
	}
	return wire.DecodeSigned24(strings.TrimSpace(reply))
}

// Shutter opens or closes the excitation shutter.
func (s *Spec) Shutter(ctx context.Context, open bool) error {
	msg := []byte{0xCE, 0x32}
	if open {
		msg[1] = 0x31
	}
	blocks, err := s.query(ctx, msg)
	if err != nil {
		return err
	}
	return statusReply(blocks[0])
}

// ExWavelength reads the excitation monochromator position in nm.
func (s *Spec) ExWavelength(ctx context.Context) (float64, error) {
	return s.wavelength(ctx, []byte{0x57, 0x58})
}

// EmWavelength reads the emission monochromator position in nm.
func (s *Spec) EmWavelength(ctx context.Context) (float64, error) {
	return s.wavelength(ctx, []byte{0x57, 0xCD})
}

func (s *Spec) wavelength(ctx context.Context, msg []byte) (float64, error) {
	reply, err := s.ask(ctx, msg)
	if err != nil {
		return 0, err
	}
	raw, err := wire.DecodeSigned24(strings.TrimSpace(reply))
	if err != nil {
		return 0, err
	}
	return units.DeciNanometre.Decode(raw), nil
}

// SetPair drives both monochromators to a preprogrammed wavelength pair.
func (s *Spec) SetPair(ctx context.Context, pair WLPair) error {
	msg, ok := wlPairMsgs[pair]
	if !ok {
		return fmt.Errorf("%w: wavelength pair %q", wire.ErrUnknownCommand, pair)
	}
	blocks, err := s.query(ctx, msg)
	if err != nil {
		return err
	}
	if err := statusReply(blocks[0]); err != nil {
		return err
	}
	ex, em := pair.Wavelengths()
	s.log.Info().Float64("ex_nm", ex).Float64("em_nm", em).Str("pair", string(pair)).Msg("wavelengths set")
	return nil
}

// Fluorescence requests one intensity reading. The instrument reports
// thousandths in the last six hex digits of the reply.
func (s *Spec) Fluorescence(ctx context.Context) (float64, error) {
	blocks, err := s.query(ctx, []byte{0x52})
	if err != nil {
		return 0, err
	}
	reply := blocks[0]
	if len(reply) < 6 {
		return 0, fmt.Errorf("%w: fluorescence reply %q too short", wire.ErrMalformedFrame, reply)
	}
	raw, err := wire.DecodeSigned24(reply[len(reply)-6:])
	if err != nil {
		return 0, err
	}
	return float64(raw) / 1000, nil
}

// Sample reads the headline intensity for the polling layer.
func (s *Spec) Sample(ctx context.Context) (poll.Fields, error) {
	intensity, err := s.Fluorescence(ctx)
	if err != nil {
		return nil, err
	}
	return poll.Fields{"intensity": poll.Num(intensity)}, nil
}
