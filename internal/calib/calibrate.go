package calib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Registers is the EEPROM access the calibrator needs. *eeprom.Sensor
// implements it.
type Registers interface {
	Writer
	ReadByte(ctx context.Context, addr uint16) (byte, error)
}

// batcher is implemented by register stores that bracket bulk access,
// e.g. programming mode with telemetry suspended.
type batcher interface {
	Batch(ctx context.Context, fn func(ctx context.Context) error) error
}

// Bench switches the RF path. *toolboard.Board implements it.
type Bench interface {
	SelectChannel(ctx context.Context, ch int) error
	SetFrequency(ctx context.Context, index int) error
	EnterNormalMode(ctx context.Context) error
	EnterAntennaMode(ctx context.Context) error
}

// Measurer supplies the measurement for each phase.
type Measurer struct {
	Amplitude MeasureFunc
	Phase     MeasureFunc
}

// ErrNoMeasurer is returned when no measurement instrument is configured.
var ErrNoMeasurer = errors.New("calib: no measurement instrument")

// Initial holds starting register values. A Request without one reads them
// back from the EEPROM.
type Initial struct {
	AmpHigh   byte `yaml:"amp_high" json:"ampHigh"`
	AmpLow    byte `yaml:"amp_low" json:"ampLow"`
	PhaseHigh byte `yaml:"phase_high" json:"phaseHigh"`
	PhaseLow  byte `yaml:"phase_low" json:"phaseLow"`
}

// Request is one channel calibration.
type Request struct {
	Location
	TargetAmplitude float64
	TargetPhase     float64
	Initial         *Initial
	// MirrorDb36 also writes converged normal-mode values into the 36 dB
	// table. Ignored where no such table exists.
	MirrorDb36 bool
}

// Result aggregates both phases.
type Result struct {
	Location   Location    `json:"-"`
	Addresses  Addresses   `json:"addresses"`
	Amplitude  PhaseResult `json:"amplitude"`
	Phase      PhaseResult `json:"phase"`
	Iterations int         `json:"iterations"`
	Mirrored   bool        `json:"mirrored"`
	Duration   string      `json:"duration"`
}

// Calibrator runs Calibrate and Verify over a set of collaborators.
type Calibrator struct {
	Engine    *Engine
	Registers Registers
	Measure   Measurer
	// Bench is optional; when set, Calibrate switches mode, channel and
	// frequency before measuring.
	Bench Bench
}

// NewCalibrator wires an Engine writing through regs.
func NewCalibrator(regs Registers, m Measurer, bench Bench, s Settings, onEvent func(Event)) *Calibrator {
	return &Calibrator{
		Engine:    NewEngine(regs, s, onEvent),
		Registers: regs,
		Measure:   m,
		Bench:     bench,
	}
}

// Calibrate tunes amplitude, then phase if amplitude converged. A phase
// that does not converge aborts the run with its *PhaseError; the partial
// Result is returned alongside.
func (c *Calibrator) Calibrate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if c.Measure.Amplitude == nil || c.Measure.Phase == nil {
		return nil, ErrNoMeasurer
	}
	addrs, err := Resolve(req.Location)
	if err != nil {
		return nil, err
	}
	res := &Result{Location: req.Location, Addresses: addrs}
	log.Printf("[calib] calibrating %v: amplitude 0x%04X/0x%04X phase 0x%04X/0x%04X",
		req.Location, addrs.AmpHigh, addrs.AmpLow, addrs.PhaseHigh, addrs.PhaseLow)

	if c.Bench != nil {
		if err := c.prepare(ctx, req.Location); err != nil {
			return res, err
		}
	}

	initial := req.Initial
	if initial == nil {
		if initial, err = c.readInitial(ctx, addrs); err != nil {
			return res, err
		}
	}

	amp, err := c.Engine.Run(ctx, PhaseSpec{
		Quantity: Amplitude,
		Strategy: AmplitudeStrategy(req.Mode),
		Target:   req.TargetAmplitude,
		Measure:  c.Measure.Amplitude,
		Trim:     Trim{High: initial.AmpHigh, Low: initial.AmpLow, AddrHigh: addrs.AmpHigh, AddrLow: addrs.AmpLow},
	})
	res.Amplitude = amp
	res.Iterations = amp.Iterations
	if err != nil {
		return res, err
	}

	ph, err := c.Engine.Run(ctx, PhaseSpec{
		Quantity: Phase,
		Strategy: CarryChainedPair,
		Target:   req.TargetPhase,
		Measure:  c.Measure.Phase,
		Trim:     Trim{High: initial.PhaseHigh, Low: initial.PhaseLow, AddrHigh: addrs.PhaseHigh, AddrLow: addrs.PhaseLow},
	})
	res.Phase = ph
	res.Iterations += ph.Iterations
	if err != nil {
		return res, err
	}

	if req.MirrorDb36 {
		if res.Mirrored, err = c.mirror(ctx, req.Location, res); err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(start).Round(time.Millisecond).String()
	log.Printf("[calib] %v done: amplitude %.3f phase %.3f, %d iterations in %s",
		req.Location, amp.Value, ph.Value, res.Iterations, res.Duration)
	return res, nil
}

func (c *Calibrator) prepare(ctx context.Context, l Location) error {
	var err error
	if l.Mode == Antenna {
		err = c.Bench.EnterAntennaMode(ctx)
	} else {
		err = c.Bench.EnterNormalMode(ctx)
	}
	if err != nil {
		return fmt.Errorf("calib: set %v mode: %w", l.Mode, err)
	}
	if err := c.Bench.SelectChannel(ctx, l.Channel); err != nil {
		return fmt.Errorf("calib: select channel %d: %w", l.Channel, err)
	}
	if err := c.Bench.SetFrequency(ctx, l.FreqIndex); err != nil {
		return fmt.Errorf("calib: select frequency %d: %w", l.FreqIndex, err)
	}
	return nil
}

// readInitial reads the current trim bytes, inside a batch when the
// register store supports one.
func (c *Calibrator) readInitial(ctx context.Context, a Addresses) (*Initial, error) {
	initial := &Initial{}
	read := func(ctx context.Context) error {
		for _, r := range []struct {
			addr uint16
			dst  *byte
		}{
			{a.AmpHigh, &initial.AmpHigh},
			{a.AmpLow, &initial.AmpLow},
			{a.PhaseHigh, &initial.PhaseHigh},
			{a.PhaseLow, &initial.PhaseLow},
		} {
			if r.addr == 0 {
				continue
			}
			v, err := c.Registers.ReadByte(ctx, r.addr)
			if err != nil {
				return fmt.Errorf("calib: read initial 0x%04X: %w", r.addr, err)
			}
			*r.dst = v
		}
		return nil
	}

	var err error
	if b, ok := c.Registers.(batcher); ok {
		err = b.Batch(ctx, read)
	} else {
		err = read(ctx)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[calib] initial amplitude 0x%02X/0x%02X phase 0x%02X/0x%02X",
		initial.AmpHigh, initial.AmpLow, initial.PhaseHigh, initial.PhaseLow)
	return initial, nil
}

// mirror copies the converged values into the 36 dB table. It reports
// false without error for variants that have no such table.
func (c *Calibrator) mirror(ctx context.Context, l Location, res *Result) (bool, error) {
	db, err := Db36Addresses(l)
	if err != nil {
		log.Printf("[calib] no 36 dB mirror for %v", l)
		return false, nil
	}
	for _, w := range []struct {
		addr uint16
		v    byte
	}{
		{db.AmpHigh, res.Amplitude.Trim.High},
		{db.AmpLow, res.Amplitude.Trim.Low},
		{db.PhaseHigh, res.Phase.Trim.High},
		{db.PhaseLow, res.Phase.Trim.Low},
	} {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := c.Registers.WriteByte(ctx, w.addr, w.v); err != nil {
			return false, fmt.Errorf("calib: mirror 0x%04X: %w", w.addr, err)
		}
	}
	log.Printf("[calib] mirrored into 36 dB table at 0x%04X", db.AmpHigh)
	return true, nil
}
