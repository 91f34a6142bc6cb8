package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/octopode/spectackler/pkg/units"
)

// Lead characters for the NESLAB binary protocol.
const (
	LeadRS232 = 0xCA
	LeadRS485 = 0xCC
)

// Temperature qualifier bytes in three-byte replies. 0x10/0x11 mean the
// value is in tenths, anything else hundredths.
const (
	qualDeci10 = 0x10
	qualDeci11 = 0x11
)

// NeslabChecksum is the bitwise inversion of the byte sum: (sum ^ 0xFF) % 256.
// It covers address through data, excluding the lead character.
func NeslabChecksum(b []byte) byte {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return byte((sum ^ 0xFF) % 256)
}

// EncodeNeslab frames a command with its data bytes for the controller at
// addr. RS-232 point-to-point links use addr 1 and the 0xCA lead byte;
// multidrop RS-485 uses 0xCC and addresses 1-64.
func EncodeNeslab(multidrop bool, addr byte, cmd byte, data []byte) ([]byte, error) {
	lead := byte(LeadRS232)
	if multidrop {
		lead = LeadRS485
		if addr < 1 || addr > 64 {
			return nil, fmt.Errorf("%w: multidrop address %d out of range [1,64]", ErrMalformedFrame, addr)
		}
	} else {
		addr = 0x01
	}
	frame := make([]byte, 0, 6+len(data))
	frame = append(frame, lead, 0x00, addr, cmd, byte(len(data)))
	frame = append(frame, data...)
	return append(frame, NeslabChecksum(frame[1:])), nil
}

// DecodeNeslab validates a reply against the frame that was sent. The
// reply's 4-byte leader (lead, address, command) must echo the query's,
// which protects against misaligned reads, and the trailing checksum must
// match. On success the data bytes are returned.
func DecodeNeslab(sent, reply []byte) ([]byte, error) {
	if len(reply) < 6 {
		return nil, fmt.Errorf("%w: NESLAB reply too short (%d bytes)", ErrMalformedFrame, len(reply))
	}
	if len(sent) < 4 {
		return nil, fmt.Errorf("%w: NESLAB query too short to compare", ErrMalformedFrame)
	}
	for i := 0; i < 4; i++ {
		if reply[i] != sent[i] {
			return nil, fmt.Errorf("%w: sent % X, read % X", ErrLeaderMismatch, sent[:4], reply[:4])
		}
	}
	n := int(reply[4])
	if len(reply) != 6+n {
		return nil, fmt.Errorf("%w: NESLAB declares %d data bytes, frame carries %d", ErrMalformedFrame, n, len(reply)-6)
	}
	want := NeslabChecksum(reply[1 : len(reply)-1])
	if got := reply[len(reply)-1]; got != want {
		return nil, fmt.Errorf("%w: NESLAB expected %02X, read %02X", ErrChecksum, want, got)
	}
	return reply[5 : 5+n], nil
}

// DecodeNeslabValue converts the controller's three-byte quantity format
// (qualifier, int16 big-endian) to a float.
func DecodeNeslabValue(data []byte) (float64, error) {
	if len(data) != 3 {
		return 0, fmt.Errorf("%w: NESLAB value wants 3 bytes, got %d", ErrMalformedFrame, len(data))
	}
	raw := int(int16(binary.BigEndian.Uint16(data[1:])))
	if data[0] == qualDeci10 || data[0] == qualDeci11 {
		return units.DeciCelsius.Decode(raw), nil
	}
	return units.CentiCelsius.Decode(raw), nil
}

// EncodeInt16 packs a signed scaled value as the 2-byte big-endian payload
// used by NESLAB set commands.
func EncodeInt16(v int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(int16(v)))
	return b
}

// neslabStatusBits names the controller's status bits in wire order,
// per Table 2 of the RTE manual.
var neslabStatusBits = []string{
	"rtd1_open_fault", "rtd1_short_fault", "rtd1_open", "rtd1_short",
	"rtd3_open_fault", "rtd3_short_fault", "rtd3_open", "rtd3_short",
	"rtd2_open_fault", "rtd2_short_fault", "rtd2_open_warn", "rtd2_short_warn",
	"rtd2_open", "rtd2_short", "refrig_hi_temp", "htc_fault",
	"hi_fixed_temp_fault", "lo_fixed_temp_fault", "hi_temp_fault", "lo_temp_fault",
	"lo_level_fault", "hi_temp_warn", "lo_temp_warn", "lo_level_warn",
	"buzzer_on", "alarm_muted", "unit_faulted", "unit_stopping",
	"unit_on", "pump_on", "comp_on", "heat_on",
	"rtd2_controlling", "heat_led_flashing", "heat_led_on",
	"cool_led_flashing", "cool_led_on",
}

// DecodeNeslabStatus expands the controller's 5-byte status array into named
// booleans, MSB first.
func DecodeNeslabStatus(data []byte) (map[string]bool, error) {
	if len(data) != 5 {
		return nil, fmt.Errorf("%w: NESLAB status wants 5 bytes, got %d", ErrMalformedFrame, len(data))
	}
	status := make(map[string]bool, len(neslabStatusBits))
	for i, name := range neslabStatusBits {
		byteIdx, bitIdx := i/8, uint(7-i%8)
		status[name] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return status, nil
}
