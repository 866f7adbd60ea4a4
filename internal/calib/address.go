package calib

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
)

// ErrLocation is returned for out-of-range channel, frequency or
// temperature indices and for unsupported table variants.
var ErrLocation = errors.New("calib: invalid location")

// ChannelCount is the receiver variant.
type ChannelCount int

const (
	Five  ChannelCount = 5
	Eight ChannelCount = 8
)

// ParseChannelCount accepts 5, 8, "CH5" or "CH8".
func ParseChannelCount(s string) (ChannelCount, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "5", "CH5":
		return Five, nil
	case "8", "CH8":
		return Eight, nil
	}
	return 0, fmt.Errorf("%w: channel count %q", ErrLocation, s)
}

func (c ChannelCount) String() string { return fmt.Sprintf("CH%d", int(c)) }

// Mode selects the normal or antenna trim tables.
type Mode int

const (
	Normal Mode = iota
	Antenna
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return Normal, nil
	case "antenna":
		return Antenna, nil
	}
	return 0, fmt.Errorf("calib: unknown mode %q", s)
}

func (m Mode) String() string {
	if m == Antenna {
		return "antenna"
	}
	return "normal"
}

const (
	numFrequencies = 4
	numTemperature = 31
)

// Location identifies one channel's trim registers.
type Location struct {
	Channels  ChannelCount
	Mode      Mode
	Channel   int // 1-based
	FreqIndex int // 1..4
	TempIndex int // 1..31
}

func (l Location) String() string {
	return fmt.Sprintf("%v/%v ch%d f%d t%d", l.Channels, l.Mode, l.Channel, l.FreqIndex, l.TempIndex)
}

// Addresses are the EEPROM addresses of one channel's trim bytes. AmpLow is
// zero in antenna mode, which has no amplitude low byte.
type Addresses struct {
	AmpHigh   uint16 `json:"ampHigh"`
	AmpLow    uint16 `json:"ampLow"`
	PhaseHigh uint16 `json:"phaseHigh"`
	PhaseLow  uint16 `json:"phaseLow"`
}

// table is one block of per-frequency, per-temperature records.
type table struct {
	base int
	size int
}

var (
	table5Normal  = table{base: 0, size: 20}
	table5Antenna = table{base: 4340, size: 15}
	table5Db36    = table{base: 33480, size: 20}
	table8Normal  = table{base: 0, size: 64}
	table8Antenna = table{base: 15872, size: 64}
)

// addr = base + size*31*(freq-1) + size*(temp-1) + index
func (t table) addr(freq, temp, index int) uint16 {
	return uint16(t.base + t.size*numTemperature*(freq-1) + t.size*(temp-1) + index)
}

// antenna5 holds the 5-channel antenna record indices per channel:
// amplitude high, phase high, phase low.
var antenna5 = map[int][3]int{
	1: {2, 8, 9},
	2: {3, 10, 11},
	3: {1, 6, 7},
	4: {4, 12, 13},
	5: {5, 14, 15},
}

// antenna8Remap is the 8-channel antenna record order.
var antenna8Remap = map[int]int{1: 2, 2: 3, 3: 4, 4: 1}

func (l Location) validate() error {
	if l.Channels != Five && l.Channels != Eight {
		return fmt.Errorf("%w: channel count %d", ErrLocation, l.Channels)
	}
	if l.Channel < 1 || l.Channel > int(l.Channels) {
		return fmt.Errorf("%w: channel %d for %v", ErrLocation, l.Channel, l.Channels)
	}
	if l.FreqIndex < 1 || l.FreqIndex > numFrequencies {
		return fmt.Errorf("%w: frequency index %d", ErrLocation, l.FreqIndex)
	}
	if l.TempIndex < 1 || l.TempIndex > numTemperature {
		return fmt.Errorf("%w: temperature index %d", ErrLocation, l.TempIndex)
	}
	return nil
}

// Resolve maps a location to its trim register addresses.
func Resolve(l Location) (Addresses, error) {
	if err := l.validate(); err != nil {
		return Addresses{}, err
	}
	f, t := l.FreqIndex, l.TempIndex

	switch {
	case l.Channels == Five && l.Mode == Normal:
		i := (l.Channel-1)*2 + 1
		tb := table5Normal
		return Addresses{
			AmpHigh:   tb.addr(f, t, i),
			AmpLow:    tb.addr(f, t, i+1),
			PhaseHigh: tb.addr(f, t, i+10),
			PhaseLow:  tb.addr(f, t, i+11),
		}, nil

	case l.Channels == Five && l.Mode == Antenna:
		idx := antenna5[l.Channel]
		tb := table5Antenna
		return Addresses{
			AmpHigh:   tb.addr(f, t, idx[0]),
			PhaseHigh: tb.addr(f, t, idx[1]),
			PhaseLow:  tb.addr(f, t, idx[2]),
		}, nil

	case l.Channels == Eight && l.Mode == Normal:
		i := (l.Channel-1)*2 + 1
		p := (l.Channel-1)*2 + 17
		tb := table8Normal
		return Addresses{
			AmpHigh:   tb.addr(f, t, i),
			AmpLow:    tb.addr(f, t, i+1),
			PhaseHigh: tb.addr(f, t, p),
			PhaseLow:  tb.addr(f, t, p+1),
		}, nil

	default:
		m := l.Channel
		if r, ok := antenna8Remap[m]; ok {
			m = r
		}
		p := m*2 + 7
		tb := table8Antenna
		return Addresses{
			AmpHigh:   tb.addr(f, t, m),
			PhaseHigh: tb.addr(f, t, p),
			PhaseLow:  tb.addr(f, t, p+1),
		}, nil
	}
}

// Db36Addresses maps a normal-mode location to its mirror in the 36 dB
// table. Only the 5-channel board carries that table.
func Db36Addresses(l Location) (Addresses, error) {
	if err := l.validate(); err != nil {
		return Addresses{}, err
	}
	if l.Channels != Five || l.Mode != Normal {
		return Addresses{}, fmt.Errorf("%w: no 36 dB table for %v %v", ErrLocation, l.Channels, l.Mode)
	}
	i := (l.Channel-1)*2 + 1
	tb := table5Db36
	f, t := l.FreqIndex, l.TempIndex
	return Addresses{
		AmpHigh:   tb.addr(f, t, i),
		AmpLow:    tb.addr(f, t, i+1),
		PhaseHigh: tb.addr(f, t, i+10),
		PhaseLow:  tb.addr(f, t, i+11),
	}, nil
}

// =============================================================================
// Temperature and frequency indices
// =============================================================================

// TemperatureRanges labels the 16 ten-degree ranges, coldest first.
var TemperatureRanges = [...]string{
	"T<=-50", "-50<T<=-40", "-40<T<=-30", "-30<T<=-20", "-20<T<=-10", "-10<T<=0",
	"0<T<=10", "10<T<=20", "20<T<=30", "30<T<=40", "40<T<=50", "50<T<=60",
	"60<T<=70", "70<T<=80", "80<T<=90", "90<T",
}

// RangeIndex returns the TemperatureRanges index containing celsius.
func RangeIndex(celsius float64) int {
	if celsius <= -50 {
		return 0
	}
	for i := 1; i < len(TemperatureRanges)-1; i++ {
		upper := float64(-50 + 10*i)
		if celsius <= upper {
			return i
		}
	}
	return len(TemperatureRanges) - 1
}

// TemperatureIndex maps a range index to the table's temperature index:
// 0 -> 1, 1 -> 2, n -> 2n.
func TemperatureIndex(rangeIndex int) int {
	switch rangeIndex {
	case 0:
		return 1
	case 1:
		return 2
	}
	return 2 * rangeIndex
}

// TemperatureIndexFor is TemperatureIndex(RangeIndex(celsius)).
func TemperatureIndexFor(celsius float64) int {
	return TemperatureIndex(RangeIndex(celsius))
}

// FrequencyMHz returns the LO frequency for index 1..4.
func FrequencyMHz(index int) (int, error) {
	if index < 1 || index > len(toolboard.FrequenciesMHz) {
		return 0, fmt.Errorf("%w: frequency index %d", ErrLocation, index)
	}
	return toolboard.FrequenciesMHz[index-1], nil
}
