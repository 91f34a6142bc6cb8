package device

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopode/spectackler/pkg/device/devicetest"
)

func testLink(t *testing.T, script ...devicetest.Exchange) (*Link, *devicetest.Port) {
	t.Helper()
	port := devicetest.NewPort(script...)
	return NewLink("test", port, 100*time.Millisecond, zerolog.Nop()), port
}

func TestTxnRoundTrip(t *testing.T) {
	link, port := testLink(t, devicetest.Exchange{
		Expect: []byte("RT\r"),
		Reply:  []byte("25.03C\r"),
	})

	var got []byte
	err := link.Txn(context.Background(), func(c *Conn) error {
		if err := c.Write([]byte("RT\r")); err != nil {
			return err
		}
		var err error
		got, err = c.ReadUntil('\r', 64)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("25.03C\r"), got)
	assert.True(t, port.Done())
}

func TestTxnReadTimeout(t *testing.T) {
	link, _ := testLink(t, devicetest.Exchange{
		Expect: []byte("G\r"),
		Reply:  nil, // instrument stays silent
	})

	err := link.Txn(context.Background(), func(c *Conn) error {
		if err := c.Write([]byte("G\r")); err != nil {
			return err
		}
		_, err := c.ReadByte()
		return err
	})
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestTxnContextCancelled(t *testing.T) {
	link, _ := testLink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := link.Txn(ctx, func(c *Conn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadN(t *testing.T) {
	link, _ := testLink(t, devicetest.Exchange{
		Expect: []byte{0x01},
		Reply:  []byte{0xCA, 0x00, 0x01, 0x20},
	})

	err := link.Txn(context.Background(), func(c *Conn) error {
		if err := c.Write([]byte{0x01}); err != nil {
			return err
		}
		got, err := c.ReadN(4)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xCA, 0x00, 0x01, 0x20}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	link, port := testLink(t)
	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	assert.True(t, port.Closed())

	err := link.Txn(context.Background(), func(c *Conn) error { return nil })
	assert.ErrorIs(t, err, ErrPortClosed)
}
