package chamber

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/modbus"
)

// ErrOutOfRange is returned by SetTemperature for set-points outside the
// configured limits.
var ErrOutOfRange = errors.New("chamber: temperature out of range")

// Backend is a Modbus master reaching the chamber controller. *modbus.Master
// (RTU) and *TCPBackend both implement it.
type Backend interface {
	Name() string
	Connect() error
	Close() error
	ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error)
	WriteSingleRegister(ctx context.Context, addr, value uint16) error
	WriteSingleCoil(ctx context.Context, addr uint16, on bool) error
}

var (
	_ Backend = (*modbus.Master)(nil)
	_ Backend = (*TCPBackend)(nil)
)

// Registers is the chamber controller's register map.
type Registers struct {
	Temperature uint16 `yaml:"temperature" json:"temperature"` // read, x100 °C signed
	Status      uint16 `yaml:"status" json:"status"`           // read, non-zero while running
	SetPoint    uint16 `yaml:"set_point" json:"setPoint"`      // write, x100 °C signed
	Run         uint16 `yaml:"run" json:"run"`                 // write 1 start, 0 stop
	StartCoil   uint16 `yaml:"start_coil" json:"startCoil"`
	StopCoil    uint16 `yaml:"stop_coil" json:"stopCoil"`
}

// DefaultRegisters matches the bench chamber's controller.
func DefaultRegisters() Registers {
	return Registers{
		Temperature: 0x07D5,
		Status:      0x01F5,
		SetPoint:    0x0038,
		Run:         0x01F4,
		StartCoil:   0x0000,
		StopCoil:    0x0001,
	}
}

// Config holds chamber settings.
type Config struct {
	Type      string        `yaml:"type" json:"type"` // "rtu", "tcp", "demo" or "disabled"
	RTU       modbus.Config `yaml:"rtu" json:"rtu"`
	TCP       TCPConfig     `yaml:"tcp" json:"tcp"`
	Registers Registers     `yaml:"registers" json:"registers"`
	StartStop string        `yaml:"start_stop" json:"startStop"` // "register" or "coil"
	MinTemp   float64       `yaml:"min_temp" json:"minTemp"`
	MaxTemp   float64       `yaml:"max_temp" json:"maxTemp"`
	PollMs    int           `yaml:"poll_ms" json:"pollMs"`
}

// Status is one chamber poll.
type Status struct {
	Temperature float64   `json:"temperature"`
	Running     bool      `json:"running"`
	Raw         uint16    `json:"raw"`
	Timestamp   time.Time `json:"timestamp"`
}

// Controller exposes the chamber operations over a Backend.
type Controller struct {
	backend  Backend
	regs     Registers
	useCoils bool
	min, max float64
}

// New wraps backend. Zero limits default to -58..150 °C.
func New(backend Backend, cfg Config) *Controller {
	if cfg.MinTemp == 0 && cfg.MaxTemp == 0 {
		cfg.MinTemp, cfg.MaxTemp = -58, 150
	}
	if cfg.Registers == (Registers{}) {
		cfg.Registers = DefaultRegisters()
	}
	return &Controller{
		backend:  backend,
		regs:     cfg.Registers,
		useCoils: cfg.StartStop == "coil",
		min:      cfg.MinTemp,
		max:      cfg.MaxTemp,
	}
}

func (c *Controller) Name() string   { return c.backend.Name() }
func (c *Controller) Connect() error { return c.backend.Connect() }
func (c *Controller) Close() error   { return c.backend.Close() }

// Limits returns the accepted set-point range.
func (c *Controller) Limits() (min, max float64) { return c.min, c.max }

// ReadTemperature returns the chamber temperature in °C.
func (c *Controller) ReadTemperature(ctx context.Context) (float64, error) {
	regs, err := c.backend.ReadHoldingRegisters(ctx, c.regs.Temperature, 1)
	if err != nil {
		return 0, fmt.Errorf("chamber: read temperature: %w", err)
	}
	return float64(int16(regs[0])) / 100, nil
}

// ReadStatus returns the raw run-status register.
func (c *Controller) ReadStatus(ctx context.Context) (uint16, error) {
	regs, err := c.backend.ReadHoldingRegisters(ctx, c.regs.Status, 1)
	if err != nil {
		return 0, fmt.Errorf("chamber: read status: %w", err)
	}
	return regs[0], nil
}

// Ping checks the controller answers by reading its status register.
func (c *Controller) Ping(ctx context.Context) error {
	_, err := c.ReadStatus(ctx)
	return err
}

// Poll reads temperature and status together.
func (c *Controller) Poll(ctx context.Context) (*Status, error) {
	t, err := c.ReadTemperature(ctx)
	if err != nil {
		return nil, err
	}
	st, err := c.ReadStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Temperature: t, Running: st != 0, Raw: st, Timestamp: time.Now()}, nil
}

// SetTemperature writes a new set-point after checking it against the limits.
func (c *Controller) SetTemperature(ctx context.Context, celsius float64) error {
	if celsius < c.min || celsius > c.max {
		return fmt.Errorf("%w: %.2f not in [%.1f, %.1f]", ErrOutOfRange, celsius, c.min, c.max)
	}
	raw := int16(math.Round(celsius * 100))
	if err := c.backend.WriteSingleRegister(ctx, c.regs.SetPoint, uint16(raw)); err != nil {
		return fmt.Errorf("chamber: set temperature: %w", err)
	}
	log.Printf("[chamber] set-point %.2f °C", celsius)
	return nil
}

// Start starts the chamber program.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	if c.useCoils {
		err = c.backend.WriteSingleCoil(ctx, c.regs.StartCoil, true)
	} else {
		err = c.backend.WriteSingleRegister(ctx, c.regs.Run, 1)
	}
	if err != nil {
		return fmt.Errorf("chamber: start: %w", err)
	}
	log.Printf("[chamber] started")
	return nil
}

// Stop stops the chamber program.
func (c *Controller) Stop(ctx context.Context) error {
	var err error
	if c.useCoils {
		err = c.backend.WriteSingleCoil(ctx, c.regs.StopCoil, true)
	} else {
		err = c.backend.WriteSingleRegister(ctx, c.regs.Run, 0)
	}
	if err != nil {
		return fmt.Errorf("chamber: stop: %w", err)
	}
	log.Printf("[chamber] stopped")
	return nil
}

// WaitForTemperature polls every interval until the chamber has stayed
// within tolerance of target for hold.
func (c *Controller) WaitForTemperature(ctx context.Context, target, tolerance float64, hold, interval time.Duration) error {
	var inBandSince time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := c.ReadTemperature(ctx)
		if err != nil {
			return err
		}
		if math.Abs(t-target) <= tolerance {
			if inBandSince.IsZero() {
				inBandSince = time.Now()
				log.Printf("[chamber] %.2f °C reached, holding %v", t, hold)
			}
			if time.Since(inBandSince) >= hold {
				return nil
			}
		} else {
			inBandSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
