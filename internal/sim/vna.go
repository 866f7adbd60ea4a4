package sim

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
)

// Nominal readings at the optimum trim.
const (
	NominalAmplitude = -5.0 // dB
	NominalPhase     = 45.0 // degrees
)

// Response slopes. A step of five keeps each move inside the default
// tolerance windows.
const (
	ampSlopeNormal  = 0.03 // dB per unit of high+low
	ampSlopeAntenna = 0.06 // dB per unit of high
	phaseSlope      = 0.12 // degrees per LSB of the phase word
	noise           = 0.01
)

// optimum is the trim that reads nominal at one location.
type optimum struct {
	amp   int // high+low in normal mode, high in antenna mode
	phase int // high<<8 | low
}

// VNA reads the current location off the board, the chamber and the
// chip, and answers marker queries for it.
type VNA struct {
	channels calib.ChannelCount
	board    *Board
	chip     *Chip
	chamber  *Chamber

	mu   sync.Mutex
	rng  *rand.Rand
	opts map[calib.Addresses]optimum
}

func newVNA(channels calib.ChannelCount, board *Board, chip *Chip, ch *Chamber, rng *rand.Rand) *VNA {
	return &VNA{
		channels: channels,
		board:    board,
		chip:     chip,
		chamber:  ch,
		rng:      rng,
		opts:     map[calib.Addresses]optimum{},
	}
}

// Location is what the VNA is currently looking at.
func (v *VNA) Location() calib.Location {
	st := v.board.State()
	mode := calib.Normal
	if st.Antenna {
		mode = calib.Antenna
	}
	return calib.Location{
		Channels:  v.channels,
		Mode:      mode,
		Channel:   st.Channel,
		FreqIndex: st.FreqIndex,
		TempIndex: calib.TemperatureIndexFor(v.chamber.Temperature()),
	}
}

// Amplitude is the Trc2 marker reading.
func (v *VNA) Amplitude(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	loc := v.Location()
	a, err := calib.Resolve(loc)
	if err != nil {
		return v.jitter(NominalAmplitude - 20), nil
	}
	v.mu.Lock()
	opt, ok := v.opts[a]
	v.mu.Unlock()
	if !ok {
		return v.jitter(NominalAmplitude), nil
	}

	h := int(v.chip.Peek(a.AmpHigh))
	if loc.Mode == calib.Antenna {
		return v.jitter(NominalAmplitude + ampSlopeAntenna*float64(h-opt.amp)), nil
	}
	l := int(v.chip.Peek(a.AmpLow))
	return v.jitter(NominalAmplitude + ampSlopeNormal*float64(h+l-opt.amp)), nil
}

// Phase is the Trc1 marker reading.
func (v *VNA) Phase(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a, err := calib.Resolve(v.Location())
	if err != nil {
		return v.jitter(0), nil
	}
	v.mu.Lock()
	opt, ok := v.opts[a]
	v.mu.Unlock()
	if !ok {
		return v.jitter(NominalPhase), nil
	}
	word := int(v.chip.Peek(a.PhaseHigh))<<8 | int(v.chip.Peek(a.PhaseLow))
	return v.jitter(NominalPhase + phaseSlope*float64(word-opt.phase)), nil
}

func (v *VNA) jitter(x float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return x + (v.rng.Float64()-0.5)*2*noise
}

// seed writes factory trims for every location into the chip and picks an
// optimum a short walk away from each.
func (v *VNA) seed() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, mode := range []calib.Mode{calib.Normal, calib.Antenna} {
		for ch := 1; ch <= int(v.channels); ch++ {
			for f := 1; f <= 4; f++ {
				for t := 1; t <= 31; t++ {
					a, err := calib.Resolve(calib.Location{
						Channels: v.channels, Mode: mode, Channel: ch, FreqIndex: f, TempIndex: t,
					})
					if err != nil {
						continue
					}
					v.seedOne(mode, a)
				}
			}
		}
	}
}

// seedOne runs with mu held.
func (v *VNA) seedOne(mode calib.Mode, a calib.Addresses) {
	var opt optimum
	if mode == calib.Antenna {
		h := 0x40 + v.rng.Intn(0x80)
		v.chip.Poke(a.AmpHigh, byte(h))
		opt.amp = h + v.rng.Intn(41) - 20
	} else {
		h := 0x04 + v.rng.Intn(0x08)
		l := 0x40 + v.rng.Intn(0x80)
		v.chip.Poke(a.AmpHigh, byte(h))
		v.chip.Poke(a.AmpLow, byte(l))
		opt.amp = h + l + v.rng.Intn(41) - 20
	}
	ph := 0x10 + v.rng.Intn(0x20)
	pl := 0x20 + v.rng.Intn(0xC0)
	v.chip.Poke(a.PhaseHigh, byte(ph))
	v.chip.Poke(a.PhaseLow, byte(pl))
	opt.phase = (ph<<8 | pl) + v.rng.Intn(61) - 30
	v.opts[a] = opt
}
