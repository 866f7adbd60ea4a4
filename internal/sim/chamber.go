package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/chamber"
)

const (
	ambient     = 25.0
	chamberTau  = 10.0 // seconds
	chamberName = "Chamber (Simulated)"
)

// Chamber is a chamber.Backend whose temperature follows a first-order
// response towards the set-point while running and drifts back to
// ambient otherwise.
type Chamber struct {
	mu       sync.Mutex
	regs     chamber.Registers
	temp     float64
	setPoint float64
	running  bool
	speed    float64 // virtual seconds per wall second
	last     time.Time
	rng      *rand.Rand
}

var _ chamber.Backend = (*Chamber)(nil)

func newChamber(speed float64, rng *rand.Rand) *Chamber {
	if speed <= 0 {
		speed = 1
	}
	return &Chamber{
		regs:     chamber.DefaultRegisters(),
		temp:     ambient,
		setPoint: ambient,
		speed:    speed,
		last:     time.Now(),
		rng:      rng,
	}
}

func (c *Chamber) Name() string   { return chamberName }
func (c *Chamber) Connect() error { return nil }
func (c *Chamber) Close() error   { return nil }

// Temperature returns the current chamber temperature.
func (c *Chamber) Temperature() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step()
	return c.temp
}

// SetTemperature jumps straight to celsius, for tests.
func (c *Chamber) SetTemperature(celsius float64) {
	c.mu.Lock()
	c.temp = celsius
	c.setPoint = celsius
	c.last = time.Now()
	c.mu.Unlock()
}

// step advances the model to now. Runs with mu held.
func (c *Chamber) step() {
	now := time.Now()
	dt := now.Sub(c.last).Seconds() * c.speed
	c.last = now
	target := ambient
	if c.running {
		target = c.setPoint
	}
	c.temp += (target - c.temp) * (1 - math.Exp(-dt/chamberTau))
}

func (c *Chamber) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step()

	out := make([]uint16, qty)
	for i := range out {
		switch addr + uint16(i) {
		case c.regs.Temperature:
			noise := (c.rng.Float64() - 0.5) * 0.02
			out[i] = uint16(int16(math.Round((c.temp + noise) * 100)))
		case c.regs.Status:
			if c.running {
				out[i] = 1
			}
		case c.regs.SetPoint:
			out[i] = uint16(int16(math.Round(c.setPoint * 100)))
		}
	}
	return out, nil
}

func (c *Chamber) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step()

	switch addr {
	case c.regs.SetPoint:
		c.setPoint = float64(int16(value)) / 100
	case c.regs.Run:
		c.running = value != 0
	default:
		return fmt.Errorf("sim: chamber: register 0x%04X is read-only", addr)
	}
	return nil
}

func (c *Chamber) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step()

	if !on {
		return nil
	}
	switch addr {
	case c.regs.StartCoil:
		c.running = true
	case c.regs.StopCoil:
		c.running = false
	default:
		return fmt.Errorf("sim: chamber: no coil at 0x%04X", addr)
	}
	return nil
}
