package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/link"
)

var (
	// ErrTimeout is returned when a response never completes.
	ErrTimeout = errors.New("modbus: response timeout")
	// ErrCRC is returned when a response fails its CRC check.
	ErrCRC = errors.New("modbus: bad response CRC")
	// ErrResponse is returned for a well-formed response that does not
	// answer the request (wrong slave, function, echo or byte count).
	ErrResponse = errors.New("modbus: unexpected response")
)

const defaultTimeout = 3000 * time.Millisecond

// Config holds RTU master settings.
type Config struct {
	Link      link.Config `yaml:"link" json:"link"`
	SlaveID   byte        `yaml:"slave_id" json:"slaveId"`
	TimeoutMs int         `yaml:"timeout_ms" json:"timeoutMs"`
}

// Master is a Modbus RTU master over one serial link. Requests are
// serialized; each one clears the receive queue, writes the request and
// reads the response incrementally, header first.
type Master struct {
	link    *link.Session
	slave   byte
	timeout time.Duration
	mu      sync.Mutex
}

// NewMaster creates a Master with a closed link. The link defaults to
// 38400 8E1, slave 1.
func NewMaster(cfg Config) *Master {
	if cfg.Link.BaudRate == 0 {
		cfg.Link.BaudRate = 38400
	}
	if cfg.Link.Parity == "" {
		cfg.Link.Parity = "even"
	}
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 1
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = int(defaultTimeout / time.Millisecond)
	}
	return &Master{
		link:    link.NewSession("modbus", cfg.Link, nil),
		slave:   cfg.SlaveID,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}
}

func (m *Master) Name() string       { return fmt.Sprintf("Modbus RTU (slave %d)", m.slave) }
func (m *Master) Connect() error     { return m.link.Connect() }
func (m *Master) Attach(p link.Port) { m.link.Attach(p) }
func (m *Master) Close() error       { return m.link.Close() }
func (m *Master) IsConnected() bool  { return m.link.IsConnected() }

// ReadHoldingRegisters reads qty registers starting at addr.
func (m *Master) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	if qty == 0 || qty > 125 {
		return nil, fmt.Errorf("modbus: read quantity %d out of range", qty)
	}
	data, err := m.transact(ctx, BuildRequest(m.slave, FuncReadHoldingRegisters, addr, qty))
	if err != nil {
		return nil, err
	}
	if len(data) != int(qty)*2 {
		return nil, fmt.Errorf("%w: byte count %d for %d registers", ErrResponse, len(data), qty)
	}
	regs := make([]uint16, qty)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return regs, nil
}

// WriteSingleRegister writes value to addr.
func (m *Master) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	_, err := m.transact(ctx, BuildRequest(m.slave, FuncWriteSingleRegister, addr, value))
	return err
}

// WriteSingleCoil sets or clears the coil at addr.
func (m *Master) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	v := uint16(CoilOff)
	if on {
		v = CoilOn
	}
	_, err := m.transact(ctx, BuildRequest(m.slave, FuncWriteSingleCoil, addr, v))
	return err
}

// transact sends req and returns the response data: the register bytes for
// a read, the 4-byte echo for a write.
func (m *Master) transact(ctx context.Context, req []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.link.ClearQueue()
	if err := m.link.Write(req); err != nil {
		return nil, fmt.Errorf("modbus: write request: %w", err)
	}
	deadline := time.Now().Add(m.timeout)

	take := func(n int) ([]byte, error) {
		b, err := m.link.Take(ctx, n, time.Until(deadline))
		if errors.Is(err, link.ErrTimeout) {
			return nil, fmt.Errorf("%w: function 0x%02X: %v", ErrTimeout, req[1], err)
		}
		return b, err
	}

	// SLAVE FUNC
	resp, err := take(2)
	if err != nil {
		return nil, err
	}

	fn := req[1]
	switch {
	case resp[1] == fn|exceptionBit:
		// CODE CRC_LO CRC_HI
		tail, err := take(3)
		if err != nil {
			return nil, err
		}
		resp = append(resp, tail...)
		if err := m.check(resp); err != nil {
			return nil, err
		}
		exc := &ExceptionError{Function: fn, Code: resp[2]}
		log.Printf("[modbus] %v", exc)
		return nil, exc

	case resp[1] != fn:
		return nil, fmt.Errorf("%w: function 0x%02X, want 0x%02X", ErrResponse, resp[1], fn)

	case fn == FuncReadHoldingRegisters:
		// COUNT DATA[COUNT] CRC_LO CRC_HI
		count, err := take(1)
		if err != nil {
			return nil, err
		}
		resp = append(resp, count...)
		tail, err := take(int(count[0]) + 2)
		if err != nil {
			return nil, err
		}
		resp = append(resp, tail...)
		if err := m.check(resp); err != nil {
			return nil, err
		}
		return resp[3 : len(resp)-2], nil

	default:
		// ADDR_HI ADDR_LO VALUE_HI VALUE_LO CRC_LO CRC_HI
		tail, err := take(6)
		if err != nil {
			return nil, err
		}
		resp = append(resp, tail...)
		if err := m.check(resp); err != nil {
			return nil, err
		}
		echo := resp[2:6]
		if string(echo) != string(req[2:6]) {
			return nil, fmt.Errorf("%w: echo % X, want % X", ErrResponse, echo, req[2:6])
		}
		return echo, nil
	}
}

func (m *Master) check(resp []byte) error {
	if !CheckCRC(resp) {
		return fmt.Errorf("%w: % X", ErrCRC, resp)
	}
	if resp[0] != m.slave {
		return fmt.Errorf("%w: slave %d, want %d", ErrResponse, resp[0], m.slave)
	}
	return nil
}
