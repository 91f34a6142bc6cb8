// Package units defines the scaled integer representations the instruments
// use on the wire, so that conversion factors live in one place instead of
// as bare multipliers at call sites.
package units

import "math"

// Scale converts between a physical value and the scaled integer a protocol
// carries. A Scale of 10 means the wire value is in tenths.
type Scale float64

// Wire representations used by the supported instruments.
const (
	// DeciCelsius is the NESLAB low-precision temperature format (0.1 °C).
	DeciCelsius Scale = 10
	// CentiCelsius is the NESLAB high-precision temperature format (0.01 °C).
	CentiCelsius Scale = 100
	// DeciNanometre is the RF-5301 monochromator wavelength format (0.1 nm).
	DeciNanometre Scale = 10
	// FifthPSI is the ISCO pressure format (counts of 0.2 psi).
	FifthPSI Scale = 5
	// Deci and Centi cover dimensionless wire values such as PID bands.
	Deci  Scale = 10
	Centi Scale = 100
)

// Encode converts a physical value to its wire integer, rounding half away
// from zero.
func (s Scale) Encode(v float64) int {
	return int(math.Round(v * float64(s)))
}

// Decode converts a wire integer back to a physical value.
func (s Scale) Decode(raw int) float64 {
	return float64(raw) / float64(s)
}

// Quantum returns the smallest physical step representable at this scale,
// useful as a read-back comparison tolerance.
func (s Scale) Quantum() float64 {
	return 1 / float64(s)
}

// PSIPerBar converts between the pump's native PSI and the bar setpoints
// used in experiment plans.
const PSIPerBar = 14.5037738

// BarToPSI converts bar to psi.
func BarToPSI(bar float64) float64 { return bar * PSIPerBar }

// PSIToBar converts psi to bar.
func PSIToBar(psi float64) float64 { return psi / PSIPerBar }
