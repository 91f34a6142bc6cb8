package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/timeutil"
)

func TestValueKinds(t *testing.T) {
	n := Num(25.03)
	f, ok := n.Float()
	require.True(t, ok)
	assert.InDelta(t, 25.03, f, 1e-9)
	_, ok = n.Flag()
	assert.False(t, ok)
	assert.Equal(t, "25.03", n.String())

	b := Bool(true)
	flag, ok := b.Flag()
	require.True(t, ok)
	assert.True(t, flag)
	assert.Equal(t, "1", b.String())

	assert.Equal(t, "SN123", Str("SN123").String())
}

func TestZeroValueIsNoReading(t *testing.T) {
	var missing Value
	_, ok := missing.Float()
	assert.False(t, ok)
	_, ok = missing.Flag()
	assert.False(t, ok)
	assert.Equal(t, "", missing.String())

	// a map miss must not read as a real zero
	_, ok = Fields{}["vol"].Float()
	assert.False(t, ok)
	assert.False(t, missing.Equal(Num(0)))
}

func TestValueEqualDistinguishesKind(t *testing.T) {
	assert.True(t, Num(1).Equal(Num(1)))
	assert.False(t, Num(1).Equal(Num(2)))
	assert.False(t, Num(1).Equal(Str("1")))
	assert.False(t, Bool(true).Equal(Num(1)))
}

func TestFieldsMerge(t *testing.T) {
	f := Fields{"T_act": Num(25), "P_act": Num(100)}
	f.Merge(Fields{"P_act": Num(110), "vol": Num(50)})
	assert.Equal(t, Num(110), f["P_act"])
	assert.Equal(t, Num(50), f["vol"])
	assert.Equal(t, Num(25), f["T_act"])
}

func TestMailboxKeepsLatestOnly(t *testing.T) {
	var m Mailbox
	_, ok := m.Latest()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		m.Put(Sample{Fields: Fields{"seq": Num(float64(i))}})
	}
	got, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, Num(5), got.Fields["seq"])
}

type countingSampler struct {
	calls  atomic.Int64
	failAt int64
	cancel context.CancelFunc
	stopAt int64
}

func (s *countingSampler) Name() string { return "counter" }

func (s *countingSampler) Sample(context.Context) (Fields, error) {
	n := s.calls.Add(1)
	if n >= s.stopAt {
		s.cancel()
	}
	if n == s.failAt {
		return nil, errors.New("garbled")
	}
	return Fields{"seq": Num(float64(n))}, nil
}

func TestPollerDeliversAndSkipsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := &countingSampler{failAt: 3, stopAt: 3, cancel: cancel}
	var box Mailbox
	p := &Poller{
		Sampler:  sampler,
		Gate:     device.NewGate(),
		Box:      &box,
		Interval: time.Millisecond,
		Clock:    timeutil.RealClock{},
		Log:      zerolog.Nop(),
	}
	p.Run(ctx)

	// pass 3 failed, so the mailbox still holds pass 2
	got, ok := box.Latest()
	require.True(t, ok)
	assert.Equal(t, Num(2), got.Fields["seq"])
}

func TestPollerWaitsOnGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := device.NewGate()
	gate.Hold()

	sampler := &countingSampler{stopAt: 1, cancel: cancel}
	var box Mailbox
	p := &Poller{
		Sampler:  sampler,
		Gate:     gate,
		Box:      &box,
		Interval: time.Millisecond,
		Clock:    timeutil.RealClock{},
		Log:      zerolog.Nop(),
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), sampler.calls.Load())

	gate.Release()
	<-done
	_, ok := box.Latest()
	assert.True(t, ok)
}
