// Package sim is a simulated calibration bench: tooling board, EEPROM
// chip with temperature telemetry, climate chamber and VNA. The board and
// chip sit behind in-memory ports so the real drivers run unchanged.
package sim

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
)

// Config holds simulator settings.
type Config struct {
	Channels     calib.ChannelCount `yaml:"channels" json:"channels"`
	Seed         int64              `yaml:"seed" json:"seed"`
	TelemetryMs  int                `yaml:"telemetry_ms" json:"telemetryMs"`
	ChamberSpeed float64            `yaml:"chamber_speed" json:"chamberSpeed"` // virtual seconds per second
}

// Bench wires the simulated devices together.
type Bench struct {
	Channels calib.ChannelCount
	Board    *Board
	Chip     *Chip
	Chamber  *Chamber
	VNA      *VNA

	telemetry time.Duration
}

// NewBench builds a seeded bench. Zero Seed uses the clock.
func NewBench(cfg Config) (*Bench, error) {
	if cfg.Channels == 0 {
		cfg.Channels = calib.Five
	}
	if cfg.Channels != calib.Five && cfg.Channels != calib.Eight {
		return nil, fmt.Errorf("sim: %w: channel count %d", calib.ErrLocation, cfg.Channels)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.TelemetryMs <= 0 {
		cfg.TelemetryMs = 200
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	b := &Bench{
		Channels:  cfg.Channels,
		Board:     newBoard(),
		Chamber:   newChamber(cfg.ChamberSpeed, rand.New(rand.NewSource(cfg.Seed+1))),
		telemetry: time.Duration(cfg.TelemetryMs) * time.Millisecond,
	}
	b.Chip = newChip(b.Chamber.Temperature)
	b.VNA = newVNA(cfg.Channels, b.Board, b.Chip, b.Chamber, rng)
	b.VNA.seed()
	log.Printf("[sim] %v bench ready (seed %d)", cfg.Channels, cfg.Seed)
	return b, nil
}

// Start begins chip telemetry.
func (b *Bench) Start() { b.Chip.startTelemetry(b.telemetry) }

// Stop ends chip telemetry.
func (b *Bench) Stop() { b.Chip.stopTelemetry() }
