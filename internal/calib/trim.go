package calib

import "fmt"

// Byte limits of the trim registers.
const (
	minHigh        = 0x01
	maxHighNormal  = 0x0F
	maxHighAntenna = 0xFF
	minLow         = 0x00
	maxLow         = 0xFF
)

// Trim is a two-byte trim register with its EEPROM addresses. AddrLow is
// zero when the register has no low byte.
type Trim struct {
	High     byte   `json:"high"`
	Low      byte   `json:"low"`
	AddrHigh uint16 `json:"addrHigh"`
	AddrLow  uint16 `json:"addrLow"`
}

func (t Trim) String() string {
	return fmt.Sprintf("high=0x%02X low=0x%02X", t.High, t.Low)
}

// Strategy is how a signed step is applied to a Trim.
type Strategy int

const (
	// SingleByte adjusts the high byte only, clamped to [1,0xFF].
	// Amplitude in antenna mode.
	SingleByte Strategy = iota
	// CoupledPair moves high [1,0x0F] and low [0,0xFF] by the same step,
	// each clamped on its own. Amplitude in normal mode.
	CoupledPair
	// CarryChainedPair steps the low byte and carries into the high byte
	// [1,0xFF] like an odometer. Phase in both modes.
	CarryChainedPair
)

func (s Strategy) String() string {
	switch s {
	case SingleByte:
		return "single-byte"
	case CoupledPair:
		return "coupled-pair"
	case CarryChainedPair:
		return "carry-chained-pair"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// AmplitudeStrategy returns the amplitude strategy for mode.
func AmplitudeStrategy(m Mode) Strategy {
	if m == Antenna {
		return SingleByte
	}
	return CoupledPair
}

func (s Strategy) maxHigh() int {
	if s == CoupledPair {
		return maxHighNormal
	}
	return maxHighAntenna
}

// Nudge returns t with its primary byte raised by +1 and clamped: the low
// byte for CarryChainedPair, the high byte otherwise. The result equals t
// when the byte is already at its upper limit.
func (s Strategy) Nudge(t Trim) Trim {
	if s == CarryChainedPair {
		t.Low = byte(clamp(int(t.Low)+1, minLow, maxLow))
		return t
	}
	t.High = byte(clamp(int(t.High)+1, minHigh, s.maxHigh()))
	return t
}

// Apply moves t by step. blocked is true when a CarryChainedPair register is
// already at its extreme in the direction of step; t is returned unchanged.
func (s Strategy) Apply(t Trim, step int) (next Trim, blocked bool) {
	switch s {
	case SingleByte:
		t.High = byte(clamp(int(t.High)+step, minHigh, maxHighAntenna))
		return t, false

	case CoupledPair:
		t.High = byte(clamp(int(t.High)+step, minHigh, maxHighNormal))
		t.Low = byte(clamp(int(t.Low)+step, minLow, maxLow))
		return t, false

	case CarryChainedPair:
		return carry(t, step)
	}
	return t, false
}

func carry(t Trim, step int) (Trim, bool) {
	low := int(t.Low) + step
	switch {
	case step > 0 && low > maxLow:
		if t.High >= maxHighAntenna {
			if t.Low >= maxLow {
				return t, true
			}
			t.Low = maxLow
			return t, false
		}
		t.High++
		t.Low = minLow
	case step < 0 && low < minLow:
		if t.High <= minHigh {
			if t.Low <= minLow {
				return t, true
			}
			t.Low = minLow
			return t, false
		}
		t.High--
		t.Low = maxLow
	default:
		t.Low = byte(low)
	}
	return t, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
