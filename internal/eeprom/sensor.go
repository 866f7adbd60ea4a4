package eeprom

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/link"
)

const (
	defaultReadTimeout = 1000 * time.Millisecond
	defaultWriteDelay  = 10 * time.Millisecond
	defaultModeDelay   = 50 * time.Millisecond
)

// ErrReadTimeout is returned when no read response for the requested
// address arrives in time.
var ErrReadTimeout = errors.New("eeprom: read timeout")

// Config holds sensor link settings.
type Config struct {
	Link          link.Config `yaml:"link" json:"link"`
	ReadTimeoutMs int         `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	WriteDelayMs  int         `yaml:"write_delay_ms" json:"writeDelayMs"`
	ModeDelayMs   int         `yaml:"mode_delay_ms" json:"modeDelayMs"`
}

// Sensor talks to the temperature sensor board that also fronts the
// receiver's calibration EEPROM.
type Sensor struct {
	link        *link.Session
	readTimeout time.Duration
	writeDelay  time.Duration
	modeDelay   time.Duration
	cache       *Cache

	txMu sync.Mutex

	waitMu sync.Mutex
	waiter *readWaiter

	tempMu   sync.RWMutex
	latest   float64
	haveTemp bool
	sampleAt time.Time

	subMu      sync.RWMutex
	onSample   []func(float64)
	onResponse []func(Response)
}

type readWaiter struct {
	addr uint16
	ch   chan byte
}

// NewSensor creates a Sensor with a closed link.
func NewSensor(cfg Config) *Sensor {
	if cfg.Link.BaudRate == 0 {
		cfg.Link.BaudRate = 115200
	}
	if cfg.ReadTimeoutMs <= 0 {
		cfg.ReadTimeoutMs = int(defaultReadTimeout / time.Millisecond)
	}
	if cfg.WriteDelayMs <= 0 {
		cfg.WriteDelayMs = int(defaultWriteDelay / time.Millisecond)
	}
	if cfg.ModeDelayMs <= 0 {
		cfg.ModeDelayMs = int(defaultModeDelay / time.Millisecond)
	}
	s := &Sensor{
		readTimeout: time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		writeDelay:  time.Duration(cfg.WriteDelayMs) * time.Millisecond,
		modeDelay:   time.Duration(cfg.ModeDelayMs) * time.Millisecond,
		cache:       NewCache(),
	}
	s.link = link.NewSession("eeprom", cfg.Link, s.drain)
	return s
}

func (s *Sensor) Name() string       { return "EEPROM/temperature sensor" }
func (s *Sensor) Connect() error     { return s.link.Connect() }
func (s *Sensor) Attach(p link.Port) { s.link.Attach(p) }
func (s *Sensor) Close() error       { return s.link.Close() }
func (s *Sensor) IsConnected() bool  { return s.link.IsConnected() }

// Cache returns the address->value mirror of every byte read or written.
func (s *Sensor) Cache() *Cache { return s.cache }

// OnSample registers fn for every valid temperature sample.
func (s *Sensor) OnSample(fn func(celsius float64)) {
	s.subMu.Lock()
	s.onSample = append(s.onSample, fn)
	s.subMu.Unlock()
}

// OnResponse registers fn for every decoded command frame.
func (s *Sensor) OnResponse(fn func(Response)) {
	s.subMu.Lock()
	s.onResponse = append(s.onResponse, fn)
	s.subMu.Unlock()
}

// Temperature returns the latest ambient reading and when it arrived.
func (s *Sensor) Temperature() (celsius float64, at time.Time, ok bool) {
	s.tempMu.RLock()
	defer s.tempMu.RUnlock()
	return s.latest, s.sampleAt, s.haveTemp
}

func (s *Sensor) drain() {
	var msgs []Message
	s.link.Process(func(q []byte) []byte {
		var rest []byte
		msgs, rest = Decode(q)
		return rest
	})

	for _, m := range msgs {
		if m.IsFrame {
			s.handleResponse(m.Frame)
			continue
		}
		s.tempMu.Lock()
		s.latest = m.Celsius
		s.haveTemp = true
		s.sampleAt = time.Now()
		s.tempMu.Unlock()

		s.subMu.RLock()
		for _, fn := range s.onSample {
			fn(m.Celsius)
		}
		s.subMu.RUnlock()
	}
}

func (s *Sensor) handleResponse(r Response) {
	if r.Command == CmdRead {
		s.cache.Set(r.Address, r.Value)

		s.waitMu.Lock()
		w := s.waiter
		if w != nil && w.addr == r.Address {
			select {
			case w.ch <- r.Value:
			default:
			}
		}
		s.waitMu.Unlock()
	}

	s.subMu.RLock()
	for _, fn := range s.onResponse {
		fn(r)
	}
	s.subMu.RUnlock()
}

// ReadByte requests one EEPROM byte and blocks until the response for the
// same address arrives. Telemetry keeps flowing while it waits, so the
// queue is not cleared.
func (s *Sensor) ReadByte(ctx context.Context, addr uint16) (byte, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	w := &readWaiter{addr: addr, ch: make(chan byte, 1)}
	s.waitMu.Lock()
	s.waiter = w
	s.waitMu.Unlock()
	defer func() {
		s.waitMu.Lock()
		s.waiter = nil
		s.waitMu.Unlock()
	}()

	if err := s.link.Write(EncodeRead(addr)); err != nil {
		return 0, fmt.Errorf("eeprom: read 0x%04X: %w", addr, err)
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()
	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, fmt.Errorf("%w: address 0x%04X after %v", ErrReadTimeout, addr, s.readTimeout)
	}
}

// WriteByte writes one EEPROM byte. The protocol has no ack; the call
// returns after the write delay.
func (s *Sensor) WriteByte(ctx context.Context, addr uint16, v byte) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.link.Write(EncodeWrite(addr, v)); err != nil {
		return fmt.Errorf("eeprom: write 0x%04X: %w", addr, err)
	}
	s.cache.Set(addr, v)
	return sleepCtx(ctx, s.writeDelay)
}

func (s *Sensor) EnterProgramming(ctx context.Context) error {
	return s.sendMode(ctx, ModeEnterProgramming)
}

func (s *Sensor) ExitProgramming(ctx context.Context) error {
	return s.sendMode(ctx, ModeExitProgramming)
}

func (s *Sensor) SuspendTelemetry(ctx context.Context) error {
	return s.sendMode(ctx, ModeSuspendTelemetry)
}

func (s *Sensor) ResumeTelemetry(ctx context.Context) error {
	return s.sendMode(ctx, ModeResumeTelemetry)
}

// Batch suspends telemetry and enters programming mode around fn, restoring
// both afterwards even if fn fails.
func (s *Sensor) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.SuspendTelemetry(ctx); err != nil {
		return err
	}
	if err := s.EnterProgramming(ctx); err != nil {
		s.ResumeTelemetry(context.Background())
		return err
	}

	err := fn(ctx)

	if exitErr := s.ExitProgramming(context.Background()); exitErr != nil && err == nil {
		err = exitErr
	}
	if resErr := s.ResumeTelemetry(context.Background()); resErr != nil && err == nil {
		err = resErr
	}
	return err
}

func (s *Sensor) sendMode(ctx context.Context, mode byte) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.link.Write(EncodeMode(mode)); err != nil {
		return fmt.Errorf("eeprom: mode 0x%02X: %w", mode, err)
	}
	log.Printf("[eeprom] mode 0x%02X sent", mode)
	return sleepCtx(ctx, s.modeDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Cache mirrors EEPROM contents seen on the link.
type Cache struct {
	mu   sync.RWMutex
	vals map[uint16]byte
}

func NewCache() *Cache {
	return &Cache{vals: make(map[uint16]byte)}
}

func (c *Cache) Set(addr uint16, v byte) {
	c.mu.Lock()
	c.vals[addr] = v
	c.mu.Unlock()
}

func (c *Cache) Get(addr uint16) (byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vals[addr]
	return v, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vals)
}

// Snapshot returns a copy keyed by address.
func (c *Cache) Snapshot() map[uint16]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uint16]byte, len(c.vals))
	for k, v := range c.vals {
		out[k] = v
	}
	return out
}
