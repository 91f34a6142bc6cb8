package isotemp

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/device/devicetest"
)

func exchange(cmd, reply string) devicetest.Exchange {
	return devicetest.Exchange{
		Expect: []byte(cmd + "\r"),
		Reply:  []byte(reply + "\r"),
	}
}

func testBath(t *testing.T, cal device.Linear, script ...devicetest.Exchange) (*Bath, *devicetest.Port) {
	t.Helper()
	port := devicetest.NewPort(script...)
	link := device.NewLink("bath", port, 100*time.Millisecond, zerolog.Nop())
	return New(link, cal, zerolog.Nop()), port
}

func TestConnect(t *testing.T) {
	bath, port := testBath(t, device.Identity(),
		exchange("RSUM", "A1B2"),
		exchange("STR 2", "OK"),
	)
	require.NoError(t, bath.Connect(context.Background()))
	assert.True(t, port.Done())
}

func TestConnectRejectsBadChecksum(t *testing.T) {
	bath, _ := testBath(t, device.Identity(), exchange("RSUM", "HELLO"))
	assert.Error(t, bath.Connect(context.Background()))
}

func TestTempReadsStripUnits(t *testing.T) {
	bath, _ := testBath(t, device.Identity(),
		exchange("RT", "25.03C"),
		exchange("RT2", "24.87C"),
		exchange("RS", "25.00C"),
	)
	ctx := context.Background()

	ti, err := bath.TempInternal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 25.03, ti, 1e-9)

	te, err := bath.TempExternal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 24.87, te, 1e-9)

	sp, err := bath.Setpoint(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 25.00, sp, 1e-9)
}

func TestSetSetpoint(t *testing.T) {
	bath, port := testBath(t, device.Identity(), exchange("SS 25.50", "OK"))
	require.NoError(t, bath.SetSetpoint(context.Background(), 25.5))
	assert.True(t, port.Done())
}

func TestSetRefusal(t *testing.T) {
	bath, _ := testBath(t, device.Identity(), exchange("SS 999.00", "F1"))
	assert.Error(t, bath.SetSetpoint(context.Background(), 999))
}

func TestOnOff(t *testing.T) {
	bath, port := testBath(t, device.Identity(),
		exchange("SO 1", "OK"),
		exchange("RO", "1"),
		exchange("SO 0", "OK"),
	)
	ctx := context.Background()
	require.NoError(t, bath.On(ctx, true))
	on, err := bath.IsOn(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	require.NoError(t, bath.On(ctx, false))
	assert.True(t, port.Done())
}

func TestPIDRoundTrip(t *testing.T) {
	bath, port := testBath(t, device.Identity(),
		exchange("SPH 0.8", "OK"),
		exchange("SIH 0.30", "OK"),
		exchange("SDH 0.0", "OK"),
		exchange("RPH", "0.8"),
		exchange("RIH", "0.30"),
		exchange("RDH", "0.0"),
	)
	ctx := context.Background()
	want := Bands{P: 0.8, I: 0.3, D: 0}
	require.NoError(t, bath.SetPID(ctx, true, want))
	got, err := bath.PID(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, port.Done())
}

func TestSampleAppliesCalibration(t *testing.T) {
	cal := device.Linear{Slope: 1.341635, Intercept: -5.255324}
	bath, _ := testBath(t, cal,
		exchange("RT", "25.00C"),
		exchange("RT2", "24.00C"),
	)

	fields, err := bath.Sample(context.Background())
	require.NoError(t, err)

	tAct, ok := fields["T_act"].Float()
	require.True(t, ok)
	assert.InDelta(t, cal.RefToAct(24.0), tAct, 1e-9)
	tInt, _ := fields["T_int"].Float()
	assert.InDelta(t, 25.0, tInt, 1e-9)
}
