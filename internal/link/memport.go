package link

import (
	"io"
	"sync"
)

// MemPort is an in-memory Port. Bytes given to Inject come out of Read as if
// the device had sent them; bytes passed to Write are recorded and handed to
// OnWrite, which plays the device side.
type MemPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	rx      [][]byte
	written []byte
	closed  bool

	// OnWrite, if set, is called with a copy of every write after it is
	// recorded. It may call Inject.
	OnWrite func(b []byte)
}

func NewMemPort() *MemPort {
	m := &MemPort{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Read blocks until injected bytes are available or the port is closed.
// Each Read returns bytes from a single Inject call, so a burst injected at
// once is never merged with or split from another (unless p is too short).
func (m *MemPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.rx) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, io.EOF
	}
	n := copy(p, m.rx[0])
	if n == len(m.rx[0]) {
		m.rx = m.rx[1:]
	} else {
		m.rx[0] = m.rx[0][n:]
	}
	return n, nil
}

func (m *MemPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	m.written = append(m.written, p...)
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return len(p), nil
}

func (m *MemPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *MemPort) ResetInputBuffer() error {
	m.mu.Lock()
	m.rx = nil
	m.mu.Unlock()
	return nil
}

// Inject queues bytes for the host to read.
func (m *MemPort) Inject(b []byte) {
	if len(b) == 0 {
		return
	}
	m.mu.Lock()
	m.rx = append(m.rx, append([]byte(nil), b...))
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Written returns a copy of everything written so far.
func (m *MemPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}
