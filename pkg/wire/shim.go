package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Control bytes for the RF-5301 handshake protocol. The spectrophotometer
// sets the high bit on several standard ASCII controls.
const (
	STX byte = 0x02
	EOT byte = 0x04
	ETX byte = 0x83
	ENQ byte = 0x85
	ACK byte = 0x86
	ETB byte = 0x97
)

// shimChecksums maps each supported command frame (STX..ETX) to its trailing
// check byte. The instrument's checksum algorithm was never derived from
// captures, so the command set is closed: frames not in this table cannot be
// transmitted. See DESIGN.md.
var shimChecksums = map[string]byte{
	// power-on self-test status
	"\x02\x23\x83": 0x20,
	// serial number
	"\x02\xd6\x83": 0xd5,
	// ROM version
	"\x02CR\x83": 0x92,
	// memory check
	"\x02C\x83": 0x40,
	// optical bench check
	"\x02I\x83": 0x4a,
	// xenon lamp hours
	"\x02E\x83": 0x46,
	// shutter open / close
	"\x02\xce1\x83": 0x7c,
	"\x02\xce2\x83": 0x7f,
	// fluorescence data request
	"\x02R\x83": 0x51,
	// wavelength queries: excitation, emission
	"\x02WX\x83":     0x8c,
	"\x02W\xcd\x83":  0x19,
	// wavelength pair presets: NADH 340/445, DPH 350/420,
	// laurdan blue 340/440, laurdan red 340/490
	"\x02W\xc1\xb0\xc44811\xb62\x83":       0xe9,
	"\x02W\xc1\xb0\xc4\xc1C1\xb0\xb68\x83": 0xec,
	"\x02W\xc1\xb0\xc44811\xb3\xb0\x83":    0x6e,
	"\x02W\xc1\xb0\xc4481\xb324\x83":       0xe9,
}

// EncodeShim wraps a message as STX + message + ETX + check byte. Messages
// outside the documented command set return ErrUnknownCommand.
func EncodeShim(msg []byte) ([]byte, error) {
	frame := make([]byte, 0, len(msg)+3)
	frame = append(frame, STX)
	frame = append(frame, msg...)
	frame = append(frame, ETX)
	ck, ok := shimChecksums[string(frame)]
	if !ok {
		return nil, fmt.Errorf("%w: RF-5301 message % X", ErrUnknownCommand, msg)
	}
	return append(frame, ck), nil
}

// DecodeShimBlock strips a received block down to its text payload. A block
// is STX + payload + (ETB|ETX) + check byte; the payload arrives with the
// high bit set on some characters and is masked to 7 bits. The received
// check byte cannot be verified (no known algorithm) and is discarded.
func DecodeShimBlock(block []byte) (string, error) {
	if len(block) < 4 {
		return "", fmt.Errorf("%w: RF-5301 block too short (% X)", ErrMalformedFrame, block)
	}
	if block[0] != STX {
		return "", fmt.Errorf("%w: RF-5301 block starts %02X, want STX", ErrMalformedFrame, block[0])
	}
	term := block[len(block)-2]
	if term != ETB && term != ETX {
		return "", fmt.Errorf("%w: RF-5301 block terminator %02X, want ETB or ETX", ErrMalformedFrame, term)
	}
	payload := block[1 : len(block)-2]
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b & 0x7F
	}
	return strings.TrimSpace(string(masked)), nil
}

// LastShimBlock reports whether a block is the final one of a reply, i.e.
// terminated with ETX rather than ETB.
func LastShimBlock(block []byte) bool {
	return len(block) >= 2 && block[len(block)-2] == ETX
}

// DecodeSigned24 parses the instrument's 24-bit two's-complement hex
// quantity (used for intensities and wavelengths).
func DecodeSigned24(hex string) (int, error) {
	raw, err := strconv.ParseUint(strings.TrimSpace(hex), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: RF-5301 hex quantity %q", ErrMalformedFrame, hex)
	}
	v := int(raw & 0x7FFFFF)
	if raw&0x800000 != 0 {
		v -= 0x800000
	}
	return v, nil
}
