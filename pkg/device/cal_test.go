package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearRoundTrip(t *testing.T) {
	cal := Linear{Slope: 1.341635, Intercept: -5.255324}
	for _, ref := range []float64{0, 10, 25.5, 40} {
		act := cal.RefToAct(ref)
		assert.InDelta(t, ref, cal.ActToRef(act), 1e-9)
	}
}

func TestIdentity(t *testing.T) {
	cal := Identity()
	assert.InDelta(t, 25.0, cal.RefToAct(25.0), 1e-12)
	assert.InDelta(t, 25.0, cal.ActToRef(25.0), 1e-12)
}
