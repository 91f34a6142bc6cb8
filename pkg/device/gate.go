package device

import (
	"context"
	"sync"
)

// Gate marks a device free or busy. The scheduler holds the gate while it
// applies setpoints so that the device's poller does not interleave status
// queries with command traffic. A gate starts free.
type Gate struct {
	mu   sync.Mutex
	free chan struct{} // closed while free
}

// NewGate returns a free gate.
func NewGate() *Gate {
	free := make(chan struct{})
	close(free)
	return &Gate{free: free}
}

// Hold marks the device busy. Holding an already-busy gate is a no-op.
func (g *Gate) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.free:
		g.free = make(chan struct{})
	default:
	}
}

// Release marks the device free again.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.free:
	default:
		close(g.free)
	}
}

// Wait blocks until the device is free or the context is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	free := g.free
	g.mu.Unlock()
	select {
	case <-free:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
