// Package device owns the serial transport shared by every instrument
// adapter: exclusive command access, input flushing, bounded reads, the
// free/busy gate that keeps pollers off the wire during direct commands,
// a bounded retry helper, and linear sensor calibration.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Transport errors.
var (
	ErrReadTimeout = errors.New("device: read timed out")
	ErrPortClosed  = errors.New("device: port closed")
)

// Port is the subset of serial.Port the link drives. Tests substitute a
// scripted in-memory implementation.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Break(time.Duration) error
}

// Config holds the serial parameters required at construction. There is no
// hot-reconfiguration; changing parameters means reopening the link.
type Config struct {
	Port        string
	Baud        int
	Parity      string // "none", "even", "odd"
	ReadTimeout time.Duration
}

func (c Config) parity() (serial.Parity, error) {
	switch strings.ToLower(c.Parity) {
	case "", "none":
		return serial.NoParity, nil
	case "even":
		return serial.EvenParity, nil
	case "odd":
		return serial.OddParity, nil
	}
	return serial.NoParity, fmt.Errorf("device: unknown parity %q", c.Parity)
}

// Link is one point-to-point serial connection. All command/response cycles
// on a link are serialized by its mutex: at most one frame is in flight at
// any instant.
type Link struct {
	name        string
	port        Port
	mu          sync.Mutex
	gate        *Gate
	readTimeout time.Duration
	log         zerolog.Logger
}

// Open opens the configured serial port and wraps it in a Link.
func Open(name string, cfg Config, log zerolog.Logger) (*Link, error) {
	parity, err := cfg.parity()
	if err != nil {
		return nil, err
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = 9600
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: baud,
		Parity:   parity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("device: failed to open %s: %w", cfg.Port, err)
	}
	timeout := cfg.ReadTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	// cap the blocking time of each Read so the per-byte deadline loop in
	// Conn stays responsive to context cancellation
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("device: failed to set read timeout on %s: %w", cfg.Port, err)
	}
	return NewLink(name, port, timeout, log), nil
}

// NewLink wraps an already-open port. Used directly by tests.
func NewLink(name string, port Port, readTimeout time.Duration, log zerolog.Logger) *Link {
	return &Link{
		name:        name,
		port:        port,
		gate:        NewGate(),
		readTimeout: readTimeout,
		log:         log.With().Str("link", name).Logger(),
	}
}

// Name returns the link's identifying name.
func (l *Link) Name() string { return l.name }

// Gate returns the free/busy gate pollers wait on.
func (l *Link) Gate() *Gate { return l.gate }

// Txn runs one command/response cycle with the link held exclusively.
// Stale input is flushed before fn runs.
func (l *Link) Txn(ctx context.Context, fn func(c *Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return ErrPortClosed
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("device: %s input flush: %w", l.name, err)
	}
	return fn(&Conn{port: l.port, timeout: l.readTimeout, ctx: ctx})
}

// Break asserts a serial break, used to get the attention of instruments
// that block on their own reads.
func (l *Link) Break(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return ErrPortClosed
	}
	return l.port.Break(d)
}

// Close drains both buffers and releases the port.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		l.log.Warn().Err(err).Msg("input drain on close")
	}
	if err := l.port.ResetOutputBuffer(); err != nil {
		l.log.Warn().Err(err).Msg("output drain on close")
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// Conn exposes bounded reads and writes inside a Txn.
type Conn struct {
	port    Port
	timeout time.Duration
	ctx     context.Context
}

// Write sends the whole frame.
func (c *Conn) Write(frame []byte) error {
	n, err := c.port.Write(frame)
	if err != nil {
		return fmt.Errorf("device: write: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("device: short write: %d of %d bytes", n, len(frame))
	}
	return nil
}

// ReadByte reads a single byte, bounded by the link's read timeout and the
// transaction context.
func (c *Conn) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	deadline := time.Now().Add(c.timeout)
	for {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := c.port.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("device: read: %w", err)
		}
		if n == 1 {
			return buf[0], nil
		}
		if time.Now().After(deadline) {
			return 0, ErrReadTimeout
		}
	}
}

// ReadN reads exactly n bytes.
func (c *Conn) ReadN(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		b, err := c.ReadByte()
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ReadUntil reads up to and including delim, failing once max bytes have
// been consumed without seeing it.
func (c *Conn) ReadUntil(delim byte, max int) ([]byte, error) {
	out := make([]byte, 0, 32)
	for {
		b, err := c.ReadByte()
		if err != nil {
			return out, err
		}
		out = append(out, b)
		if b == delim {
			return out, nil
		}
		if len(out) >= max {
			return out, fmt.Errorf("device: no terminator %02X within %d bytes", delim, max)
		}
	}
}
