package device

// Linear maps a reference reading to an actual process value, correcting a
// sensor that reads the controlled loop rather than the point of interest.
// The identity calibration is Linear{Slope: 1}.
type Linear struct {
	Slope     float64 `yaml:"slope"`
	Intercept float64 `yaml:"intercept"`
}

// Identity returns a pass-through calibration.
func Identity() Linear { return Linear{Slope: 1} }

// RefToAct converts a reference-sensor reading to the actual value.
func (l Linear) RefToAct(ref float64) float64 {
	return l.Slope*ref + l.Intercept
}

// ActToRef inverts the calibration, giving the reference value that
// corresponds to a desired actual value.
func (l Linear) ActToRef(act float64) float64 {
	return (act - l.Intercept) / l.Slope
}
