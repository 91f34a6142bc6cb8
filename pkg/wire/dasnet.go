// Package wire implements the framing and checksum schemes of the serial
// instruments: the pump's DASNET ASCII protocol, the NESLAB binary protocol,
// the RF-5301 handshake framing, and the plain CR-terminated ASCII variant.
//
// Frames are built and verified here only; transport and retries live in
// pkg/device and the per-instrument packages.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel decode errors shared by all protocols.
var (
	ErrChecksum       = errors.New("wire: checksum mismatch")
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrLeaderMismatch = errors.New("wire: echoed leader mismatch")
	ErrUnknownCommand = errors.New("wire: command not in table")
)

// CR terminates DASNET and plain-ASCII frames.
const CR = '\r'

// DASNETChecksum computes the 2-digit hex checksum of a DASNET frame body:
// (256 - sum of character codes mod 256) mod 256.
func DASNETChecksum(body string) byte {
	sum := 0
	for _, c := range []byte(body) {
		sum += int(c)
	}
	return byte((256 - sum%256) % 256)
}

// EncodeDASNET frames a message for the unit at dest, from source.
// Layout: dest digit, 'R' acknowledgment field, source digit, 2-digit hex
// message length, message, 2-digit hex checksum, CR. Letters are upper-cased
// on the wire.
func EncodeDASNET(dest, source int, msg string) []byte {
	body := strings.ToUpper(fmt.Sprintf("%dR%d%02x%s", dest, source, len(msg), msg))
	return []byte(fmt.Sprintf("%s%02X%c", body, DASNETChecksum(body), CR))
}

// DecodeDASNET validates a CR-terminated DASNET frame and returns its
// message. The declared length and the recomputed checksum must both match.
func DecodeDASNET(frame []byte) (string, error) {
	s := string(frame)
	s = strings.TrimSuffix(s, string(CR))
	// dest + ack + source + 2 length digits + 2 checksum digits
	if len(s) < 7 {
		return "", fmt.Errorf("%w: DASNET frame too short (%d bytes)", ErrMalformedFrame, len(s))
	}
	body, ck := s[:len(s)-2], s[len(s)-2:]
	want := fmt.Sprintf("%02X", DASNETChecksum(body))
	if !strings.EqualFold(ck, want) {
		return "", fmt.Errorf("%w: DASNET expected %s, read %s", ErrChecksum, want, ck)
	}
	n, err := strconv.ParseUint(body[3:5], 16, 8)
	if err != nil {
		return "", fmt.Errorf("%w: bad DASNET length field %q", ErrMalformedFrame, body[3:5])
	}
	msg := body[5:]
	if int(n) != len(msg) {
		return "", fmt.Errorf("%w: DASNET declares %d message bytes, frame carries %d", ErrMalformedFrame, n, len(msg))
	}
	return msg, nil
}
