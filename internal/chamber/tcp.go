package chamber

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// TCPConfig addresses a chamber behind a Modbus TCP gateway.
type TCPConfig struct {
	Address   string `yaml:"address" json:"address"` // host:port
	SlaveID   byte   `yaml:"slave_id" json:"slaveId"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
}

// TCPBackend reaches the chamber through a serial-to-Ethernet gateway.
// The goburrow client is not context-aware; ctx is only checked before
// each request.
type TCPBackend struct {
	mu      sync.Mutex
	cfg     TCPConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func NewTCPBackend(cfg TCPConfig) *TCPBackend {
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 1
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 3000
	}
	h := modbus.NewTCPClientHandler(cfg.Address)
	h.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	h.SlaveId = cfg.SlaveID
	return &TCPBackend{
		cfg:     cfg,
		handler: h,
		client:  modbus.NewClient(h),
	}
}

func (t *TCPBackend) Name() string {
	return fmt.Sprintf("Modbus TCP %s (slave %d)", t.cfg.Address, t.cfg.SlaveID)
}

func (t *TCPBackend) Connect() error {
	if t.cfg.Address == "" {
		return errors.New("chamber: tcp address required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.handler.Connect(); err != nil {
		return fmt.Errorf("chamber: connect %s: %w", t.cfg.Address, err)
	}
	return nil
}

func (t *TCPBackend) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler.Close()
}

func (t *TCPBackend) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := t.client.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, err
	}
	if len(b) != int(qty)*2 {
		return nil, fmt.Errorf("chamber: got %d bytes for %d registers", len(b), qty)
	}
	regs := make([]uint16, qty)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return regs, nil
}

func (t *TCPBackend) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.client.WriteSingleRegister(addr, value)
	return err
}

func (t *TCPBackend) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := uint16(0x0000)
	if on {
		v = 0xFF00
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.client.WriteSingleCoil(addr, v)
	return err
}
