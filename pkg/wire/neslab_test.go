package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeslabChecksum(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want byte
	}{
		{name: "internal temp query", in: []byte{0x00, 0x01, 0x20, 0x00}, want: 0xDE},
		{name: "empty", in: nil, want: 0xFF},
		{name: "wraps", in: []byte{0xFF, 0xFF}, want: byte((0x1FE ^ 0xFF) % 256)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeslabChecksum(tt.in))
		})
	}
}

func TestEncodeNeslab(t *testing.T) {
	frame, err := EncodeNeslab(false, 0, 0x20, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0x00, 0x01, 0x20, 0x00, 0xDE}, frame)
}

func TestEncodeNeslabMultidropAddress(t *testing.T) {
	_, err := EncodeNeslab(true, 65, 0x20, nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	frame, err := EncodeNeslab(true, 12, 0x20, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(LeadRS485), frame[0])
	assert.Equal(t, byte(12), frame[2])
}

func TestDecodeNeslabRoundTrip(t *testing.T) {
	sent, err := EncodeNeslab(false, 0, 0x70, nil)
	require.NoError(t, err)

	// reply echoes the leader and carries a three-byte quantity
	data := []byte{0x11, 0x01, 0x2C} // 30.0 in tenths
	reply := []byte{0xCA, 0x00, 0x01, 0x70, byte(len(data))}
	reply = append(reply, data...)
	reply = append(reply, NeslabChecksum(reply[1:]))

	got, err := DecodeNeslab(sent, reply)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDecodeNeslabRejectsAnySingleBitFlip(t *testing.T) {
	sent, err := EncodeNeslab(false, 0, 0x70, nil)
	require.NoError(t, err)
	reply := []byte{0xCA, 0x00, 0x01, 0x70, 0x03, 0x11, 0x01, 0x2C}
	reply = append(reply, NeslabChecksum(reply[1:]))

	for i := range reply {
		mut := make([]byte, len(reply))
		copy(mut, reply)
		mut[i] ^= 0x40
		_, err := DecodeNeslab(sent, mut)
		assert.Errorf(t, err, "flip at byte %d accepted", i)
	}
}

func TestDecodeNeslabLeaderMismatch(t *testing.T) {
	sent, err := EncodeNeslab(false, 0, 0x70, nil)
	require.NoError(t, err)
	// response to a different command, otherwise valid
	reply := []byte{0xCA, 0x00, 0x01, 0x20, 0x00}
	reply = append(reply, NeslabChecksum(reply[1:]))

	_, err = DecodeNeslab(sent, reply)
	assert.ErrorIs(t, err, ErrLeaderMismatch)
}

func TestDecodeNeslabValue(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{name: "tenths qualifier 0x10", data: []byte{0x10, 0x01, 0x2C}, want: 30.0},
		{name: "tenths qualifier 0x11", data: []byte{0x11, 0x00, 0xFA}, want: 25.0},
		{name: "hundredths", data: []byte{0x20, 0x09, 0xC4}, want: 25.0},
		{name: "negative hundredths", data: []byte{0x20, 0xFF, 0x38}, want: -2.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeNeslabValue(tt.data)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := DecodeNeslabValue([]byte{0x10, 0x00})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncodeInt16(t *testing.T) {
	assert.Equal(t, []byte{0x09, 0xC4}, EncodeInt16(2500))
	assert.Equal(t, []byte{0xFF, 0x38}, EncodeInt16(-200))
}

func TestDecodeNeslabStatus(t *testing.T) {
	// bit 28 (unit_on) and bit 29 (pump_on) set: byte 3 = 0b00001100
	status, err := DecodeNeslabStatus([]byte{0x00, 0x00, 0x00, 0x0C, 0x00})
	require.NoError(t, err)
	assert.True(t, status["unit_on"])
	assert.True(t, status["pump_on"])
	assert.False(t, status["unit_faulted"])
	assert.Len(t, status, 37)

	_, err = DecodeNeslabStatus([]byte{0x00})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
