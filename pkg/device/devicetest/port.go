// Package devicetest provides a scripted in-memory serial port for
// adapter tests.
package devicetest

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// Exchange pairs one expected outbound frame with the bytes the fake
// instrument feeds back.
type Exchange struct {
	Expect []byte
	Reply  []byte
}

// Port is a scripted serial port. Writes are matched against the script in
// order; each match queues that exchange's reply for subsequent reads.
// Unexpected writes and reads past the queued replies surface as errors so
// a misbehaving adapter fails its test instead of hanging.
type Port struct {
	mu     sync.Mutex
	script []Exchange
	next   int
	inbuf  bytes.Buffer
	breaks int
	closed bool
	errs   []error
}

// NewPort returns a port that will serve the given script.
func NewPort(script ...Exchange) *Port {
	return &Port{script: script}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.script) {
		err := fmt.Errorf("unscripted write %q", b)
		p.errs = append(p.errs, err)
		return 0, err
	}
	ex := p.script[p.next]
	if !bytes.Equal(b, ex.Expect) {
		err := fmt.Errorf("write %q, script expects %q", b, ex.Expect)
		p.errs = append(p.errs, err)
		return 0, err
	}
	p.next++
	p.inbuf.Write(ex.Reply)
	return len(b), nil
}

// Read returns at most one byte per call, mimicking a slow serial line.
// With nothing queued it returns (0, nil) the way a timed-out serial read
// does.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inbuf.Len() == 0 {
		return 0, nil
	}
	c, _ := p.inbuf.ReadByte()
	b[0] = c
	return 1, nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbuf.Reset()
	return nil
}

func (p *Port) ResetOutputBuffer() error { return nil }

func (p *Port) Break(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breaks++
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Breaks reports how many serial breaks were asserted.
func (p *Port) Breaks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breaks
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Done reports whether every scripted exchange was consumed.
func (p *Port) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next == len(p.script)
}

// Errs returns every scripting violation seen so far.
func (p *Port) Errs() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}
