package calib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

var (
	// ErrExhausted is returned when a phase runs out of iterations.
	ErrExhausted = errors.New("calib: iterations exhausted")
	// ErrBlocked is returned when the trim register cannot move any further
	// in the required direction.
	ErrBlocked = errors.New("calib: trim register at limit")
)

// Quantity is what a phase tunes.
type Quantity int

const (
	Amplitude Quantity = iota
	Phase
)

func (q Quantity) String() string {
	if q == Phase {
		return "phase"
	}
	return "amplitude"
}

// State of a phase.
type State int

const (
	StateInit State = iota
	StateDirectionProbe
	StateConverging
	StateConverged
	StateExhausted
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDirectionProbe:
		return "direction-probe"
	case StateConverging:
		return "converging"
	case StateConverged:
		return "converged"
	case StateExhausted:
		return "exhausted"
	case StateBlocked:
		return "blocked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MeasureFunc reads the quantity being tuned, e.g. a VNA marker.
type MeasureFunc func(ctx context.Context) (float64, error)

// Writer is the EEPROM write primitive.
type Writer interface {
	WriteByte(ctx context.Context, addr uint16, v byte) error
}

// Settings tunes the search. Zero values take defaults; a negative
// PostWriteDelayMs disables the settle wait.
type Settings struct {
	MaxIterations      int     `yaml:"max_iterations" json:"maxIterations"`
	AmplitudeTolerance float64 `yaml:"amplitude_tolerance" json:"amplitudeTolerance"`
	PhaseTolerance     float64 `yaml:"phase_tolerance" json:"phaseTolerance"`
	PostWriteDelayMs   int     `yaml:"post_write_delay_ms" json:"postWriteDelayMs"`
	InitialStep        int     `yaml:"initial_step" json:"initialStep"`
}

// DefaultSettings returns the bench defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:      50,
		AmplitudeTolerance: 0.2,
		PhaseTolerance:     0.4,
		PostWriteDelayMs:   1000,
		InitialStep:        5,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.AmplitudeTolerance <= 0 {
		s.AmplitudeTolerance = d.AmplitudeTolerance
	}
	if s.PhaseTolerance <= 0 {
		s.PhaseTolerance = d.PhaseTolerance
	}
	switch {
	case s.PostWriteDelayMs == 0:
		s.PostWriteDelayMs = d.PostWriteDelayMs
	case s.PostWriteDelayMs < 0:
		s.PostWriteDelayMs = 0
	}
	if s.InitialStep <= 0 {
		s.InitialStep = d.InitialStep
	}
	return s
}

// Event reports engine progress.
type Event struct {
	Quantity  Quantity  `json:"quantity"`
	State     State     `json:"state"`
	Iteration int       `json:"iteration"`
	Value     float64   `json:"value"`
	Target    float64   `json:"target"`
	Step      int       `json:"step"`
	Direction int       `json:"direction"`
	Trim      Trim      `json:"trim"`
	Time      time.Time `json:"time"`
}

// PhaseSpec describes one phase run.
type PhaseSpec struct {
	Quantity  Quantity
	Strategy  Strategy
	Target    float64
	Tolerance float64
	Measure   MeasureFunc
	Trim      Trim
}

// PhaseResult is the outcome of one phase. Iterations counts adjustment
// steps written; a phase already in tolerance at Init reports zero.
type PhaseResult struct {
	Quantity   Quantity `json:"quantity"`
	State      State    `json:"state"`
	Iterations int      `json:"iterations"`
	Value      float64  `json:"value"`
	Direction  int      `json:"direction"`
	Trim       Trim     `json:"trim"`
}

// PhaseError is a phase that ended Exhausted or Blocked.
type PhaseError struct {
	Result PhaseResult
	Err    error
}

func (e *PhaseError) Error() string {
	r := e.Result
	return fmt.Sprintf("calib: %v %v after %d iterations (value %.3f, %v)",
		r.Quantity, r.State, r.Iterations, r.Value, r.Trim)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Engine runs the direction-learning search for one trim register at a time.
type Engine struct {
	settings Settings
	writer   Writer
	onEvent  func(Event)
}

// NewEngine creates an Engine writing through w. onEvent may be nil.
func NewEngine(w Writer, s Settings, onEvent func(Event)) *Engine {
	return &Engine{settings: s.withDefaults(), writer: w, onEvent: onEvent}
}

func (e *Engine) Settings() Settings { return e.settings }

// Tolerance returns the configured tolerance for q.
func (e *Engine) Tolerance(q Quantity) float64 {
	if q == Phase {
		return e.settings.PhaseTolerance
	}
	return e.settings.AmplitudeTolerance
}

// Run drives one phase through Init, DirectionProbe and Converging. It
// returns a *PhaseError wrapping ErrExhausted or ErrBlocked for a phase that
// does not converge, and ctx.Err() when cancelled. Cancellation is checked
// between writes; a write already issued is not rolled back.
func (e *Engine) Run(ctx context.Context, p PhaseSpec) (PhaseResult, error) {
	if p.Tolerance <= 0 {
		p.Tolerance = e.Tolerance(p.Quantity)
	}
	res := PhaseResult{Quantity: p.Quantity, State: StateInit, Trim: p.Trim}

	value, err := e.measure(ctx, p)
	if err != nil {
		return res, err
	}
	res.Value = value
	e.emit(p, res, 0)
	log.Printf("[calib] %v init %.3f (target %.3f, %v)", p.Quantity, value, p.Target, p.Trim)

	if math.Abs(p.Target-value) <= p.Tolerance {
		res.State = StateConverged
		e.emit(p, res, 0)
		return res, nil
	}

	// DirectionProbe
	res.State = StateDirectionProbe
	dir, err := e.learnDirection(ctx, p, value)
	if err != nil {
		return res, err
	}
	res.Direction = dir
	e.emit(p, res, 0)

	// Converging
	res.State = StateConverging
	trim := p.Trim
	step := e.settings.InitialStep
	lastErr := math.NaN()
	noImprove := 0

	for i := 0; ; i++ {
		errNow := p.Target - value
		if math.Abs(errNow) <= p.Tolerance {
			res.State = StateConverged
			log.Printf("[calib] %v converged %.3f after %d iterations (%v)", p.Quantity, value, i, trim)
			e.emit(p, res, step)
			return res, nil
		}
		if i >= e.settings.MaxIterations {
			res.State = StateExhausted
			e.emit(p, res, step)
			return res, &PhaseError{Result: res, Err: ErrExhausted}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if !math.IsNaN(lastErr) && math.Abs(errNow) >= math.Abs(lastErr) {
			noImprove++
		} else {
			noImprove = 0
		}
		if noImprove >= 2 {
			noImprove = 0
			if step > 1 {
				step--
			}
		}

		signed := -step
		if errNow*float64(dir) > 0 {
			signed = step
		}

		next, blocked := p.Strategy.Apply(trim, signed)
		if blocked {
			res.State = StateBlocked
			log.Printf("[calib] %v blocked at %v", p.Quantity, trim)
			e.emit(p, res, signed)
			return res, &PhaseError{Result: res, Err: ErrBlocked}
		}
		if err := e.write(ctx, trim, next); err != nil {
			return res, err
		}
		trim = next
		res.Trim = trim
		res.Iterations = i + 1

		if err := e.settle(ctx); err != nil {
			return res, err
		}
		if value, err = e.measure(ctx, p); err != nil {
			return res, err
		}
		res.Value = value
		lastErr = errNow
		e.emit(p, res, signed)
	}
}

// learnDirection nudges the primary byte, measures, and restores the register. It
// returns the sign of the change, or 0 when the nudge was clamped away.
func (e *Engine) learnDirection(ctx context.Context, p PhaseSpec, initial float64) (int, error) {
	nudged := p.Strategy.Nudge(p.Trim)
	if nudged == p.Trim {
		log.Printf("[calib] %v nudge clamped at %v, direction unknown", p.Quantity, p.Trim)
		return 0, nil
	}
	if err := e.write(ctx, p.Trim, nudged); err != nil {
		return 0, err
	}
	if err := e.settle(ctx); err != nil {
		return 0, err
	}
	v, err := e.measure(ctx, p)
	if err != nil {
		return 0, err
	}
	if err := e.write(ctx, nudged, p.Trim); err != nil {
		return 0, err
	}
	if err := e.settle(ctx); err != nil {
		return 0, err
	}

	dir := 0
	switch {
	case v > initial:
		dir = 1
	case v < initial:
		dir = -1
	}
	log.Printf("[calib] %v nudge %.3f -> %.3f, direction %+d", p.Quantity, initial, v, dir)
	return dir, nil
}

// write writes the bytes of to that differ from from.
func (e *Engine) write(ctx context.Context, from, to Trim) error {
	if to.High != from.High && to.AddrHigh != 0 {
		if err := e.writer.WriteByte(ctx, to.AddrHigh, to.High); err != nil {
			return fmt.Errorf("calib: write high 0x%04X: %w", to.AddrHigh, err)
		}
	}
	if to.Low != from.Low && to.AddrLow != 0 {
		if err := e.writer.WriteByte(ctx, to.AddrLow, to.Low); err != nil {
			return fmt.Errorf("calib: write low 0x%04X: %w", to.AddrLow, err)
		}
	}
	return nil
}

func (e *Engine) measure(ctx context.Context, p PhaseSpec) (float64, error) {
	v, err := p.Measure(ctx)
	if err != nil {
		return 0, fmt.Errorf("calib: measure %v: %w", p.Quantity, err)
	}
	return v, nil
}

func (e *Engine) settle(ctx context.Context) error {
	return sleepCtx(ctx, time.Duration(e.settings.PostWriteDelayMs)*time.Millisecond)
}

func (e *Engine) emit(p PhaseSpec, r PhaseResult, step int) {
	if e.onEvent == nil {
		return
	}
	e.onEvent(Event{
		Quantity:  r.Quantity,
		State:     r.State,
		Iteration: r.Iterations,
		Value:     r.Value,
		Target:    p.Target,
		Step:      step,
		Direction: r.Direction,
		Trim:      r.Trim,
		Time:      time.Now(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
