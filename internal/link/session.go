package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrNotConnected is returned for any I/O attempted while the port is closed.
	ErrNotConnected = errors.New("link: port not open")
	// ErrTimeout is returned by Take when the requested bytes never arrive.
	ErrTimeout = errors.New("link: timed out waiting for data")
)

// Port is the subset of serial.Port a Session needs. serial.Port and
// *MemPort both satisfy it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Config holds the physical parameters of one serial link.
type Config struct {
	PortPath      string `yaml:"port_path" json:"portPath"`
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	DataBits      int    `yaml:"data_bits" json:"dataBits"`
	Parity        string `yaml:"parity" json:"parity"` // "none", "even", "odd"
	StopBits      int    `yaml:"stop_bits" json:"stopBits"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	Debug         bool   `yaml:"debug" json:"debug"` // hex-dump every write
}

const (
	chunkBacklog = 64  // chunks buffered between reader and dispatcher
	readBufSize  = 256 // bytes per port read
)

// Session owns one duplex serial link and its receive queue.
//
// A reader goroutine pulls bytes off the port and hands them over a bounded
// channel to a dispatcher goroutine, which appends them to the queue and then
// calls onData. Everything that touches the queue (the dispatcher, onData
// passes and transaction waits) goes through the same mutex, so only one
// consumer mutates it at a time.
type Session struct {
	name   string
	cfg    Config
	onData func()

	portMu    sync.Mutex
	port      Port
	connected bool
	stop      chan struct{}
	wg        sync.WaitGroup

	mu     sync.Mutex
	queue  []byte
	notify chan struct{}
}

// NewSession creates a closed session. onData may be nil; when set it is
// called from the dispatcher goroutine after every append.
func NewSession(name string, cfg Config, onData func()) *Session {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.Parity == "" {
		cfg.Parity = "none"
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.ReadTimeoutMs == 0 {
		cfg.ReadTimeoutMs = 1000
	}
	return &Session{
		name:   name,
		cfg:    cfg,
		onData: onData,
		notify: make(chan struct{}, 1),
	}
}

func (s *Session) Name() string   { return s.name }
func (s *Session) Config() Config { return s.cfg }

// Connect opens the configured serial port and starts the receive goroutines.
func (s *Session) Connect() error {
	parity, err := parseParity(s.cfg.Parity)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	stopBits := serial.OneStopBit
	if s.cfg.StopBits == 2 {
		stopBits = serial.TwoStopBits
	}
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: s.cfg.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}
	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("%s: failed to open %s: %w", s.name, s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(time.Duration(s.cfg.ReadTimeoutMs) * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("%s: failed to set timeout: %w", s.name, err)
	}
	port.ResetInputBuffer()

	s.Attach(port)
	log.Printf("[%s] opened %s at %d baud (%d/%s/%d)",
		s.name, s.cfg.PortPath, s.cfg.BaudRate, s.cfg.DataBits, s.cfg.Parity, s.cfg.StopBits)
	return nil
}

// Attach adopts an already-open port (a MemPort in demo mode and tests).
// Any previously attached port is closed first.
func (s *Session) Attach(p Port) {
	s.Close()

	s.mu.Lock()
	s.queue = s.queue[:0]
	s.mu.Unlock()

	chunks := make(chan []byte, chunkBacklog)
	stop := make(chan struct{})

	s.portMu.Lock()
	s.port = p
	s.connected = true
	s.stop = stop
	s.portMu.Unlock()

	s.wg.Add(2)
	go s.readLoop(p, chunks, stop)
	go s.dispatch(chunks)
}

// Close stops the receive goroutines and closes the port. It must not be
// called from onData.
func (s *Session) Close() error {
	s.portMu.Lock()
	p := s.port
	if p == nil {
		s.portMu.Unlock()
		return nil
	}
	s.port = nil
	s.connected = false
	close(s.stop)
	s.portMu.Unlock()

	err := p.Close()
	s.wg.Wait()
	s.signal()
	return err
}

// IsConnected reports whether a port is attached and its reader is alive.
func (s *Session) IsConnected() bool {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.connected
}

// Write sends raw bytes. It fails fast with ErrNotConnected when no port is open.
func (s *Session) Write(b []byte) error {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port == nil || !s.connected {
		return ErrNotConnected
	}
	if s.cfg.Debug {
		log.Printf("[%s] tx % X", s.name, b)
	}
	if _, err := s.port.Write(b); err != nil {
		return fmt.Errorf("%s: write: %w", s.name, err)
	}
	return nil
}

// ClearQueue discards every buffered byte.
func (s *Session) ClearQueue() {
	s.mu.Lock()
	s.queue = s.queue[:0]
	s.mu.Unlock()
}

// Process runs fn over the queue under the queue lock; fn returns what is
// left after consuming.
func (s *Session) Process(fn func(queue []byte) []byte) {
	s.mu.Lock()
	s.queue = fn(s.queue)
	s.mu.Unlock()
}

// Len returns the number of buffered bytes.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Take blocks until n bytes are buffered, then removes and returns them.
// It returns ErrTimeout if they do not arrive within timeout.
func (s *Session) Take(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) >= n {
			out := make([]byte, n)
			copy(out, s.queue)
			s.queue = s.queue[:copy(s.queue, s.queue[n:])]
			s.mu.Unlock()
			return out, nil
		}
		have := len(s.queue)
		s.mu.Unlock()

		if !s.IsConnected() {
			return nil, ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w (have %d of %d bytes)", ErrTimeout, have, n)
		case <-s.notify:
		}
	}
}

func (s *Session) readLoop(p Port, chunks chan<- []byte, stop <-chan struct{}) {
	defer s.wg.Done()
	defer close(chunks)

	buf := make([]byte, readBufSize)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case <-stop:
			default:
				log.Printf("[%s] read error, link down: %v", s.name, err)
				s.portMu.Lock()
				s.connected = false
				s.portMu.Unlock()
				s.signal()
			}
			return
		}
		// go.bug.st/serial returns (0, nil) on read timeout
		select {
		case <-stop:
			return
		default:
		}
	}
}

func (s *Session) dispatch(chunks <-chan []byte) {
	defer s.wg.Done()
	for chunk := range chunks {
		s.mu.Lock()
		s.queue = append(s.queue, chunk...)
		s.mu.Unlock()

		s.signal()
		if s.onData != nil {
			s.onData()
		}
	}
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func parseParity(p string) (serial.Parity, error) {
	switch strings.ToLower(p) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	}
	return serial.NoParity, fmt.Errorf("unknown parity %q", p)
}
