package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// OK is the success sentinel returned by the Isotemp circulator's set
// commands.
const OK = "OK"

// EncodeASCII terminates a plain command with CR.
func EncodeASCII(cmd string) []byte {
	return append([]byte(cmd), CR)
}

// IsOK reports whether a CR-terminated reply is the success sentinel.
func IsOK(reply string) bool {
	return strings.TrimSpace(reply) == OK
}

// ParseNumber extracts the numeric part of a reply that may carry units or
// stray whitespace, e.g. "25.03C\r" -> 25.03.
func ParseNumber(reply string) (float64, error) {
	var b strings.Builder
	for _, r := range reply {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: no number in reply %q", ErrMalformedFrame, strings.TrimSpace(reply))
	}
	return v, nil
}
