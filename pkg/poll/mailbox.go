package poll

import "sync"

// Source is anything the scheduler can pull the freshest sample from.
type Source interface {
	Latest() (Sample, bool)
}

// Mailbox is a single-slot latest-value store. Put replaces whatever is
// there; Latest never blocks.
type Mailbox struct {
	mu     sync.Mutex
	sample Sample
	filled bool
}

// Put deposits a sample, displacing any previous one.
func (m *Mailbox) Put(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sample = s
	m.filled = true
}

// Latest returns the most recent sample, if any has arrived.
func (m *Mailbox) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sample, m.filled
}
