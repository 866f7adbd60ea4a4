package calib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	for _, tc := range []struct {
		name string
		loc  Location
		want Addresses
	}{
		{"5ch normal first record", Location{Five, Normal, 1, 1, 1}, Addresses{1, 2, 11, 12}},
		{"5ch normal offset", Location{Five, Normal, 3, 2, 5}, Addresses{705, 706, 715, 716}},
		{"5ch normal last channel", Location{Five, Normal, 5, 1, 1}, Addresses{9, 10, 19, 20}},
		{"5ch antenna ch3", Location{Five, Antenna, 3, 1, 1}, Addresses{4341, 0, 4346, 4347}},
		{"5ch antenna far corner", Location{Five, Antenna, 1, 4, 31}, Addresses{6187, 0, 6193, 6194}},
		{"8ch normal ch8", Location{Eight, Normal, 8, 1, 1}, Addresses{15, 16, 31, 32}},
		{"8ch normal offset", Location{Eight, Normal, 2, 3, 2}, Addresses{4035, 4036, 4051, 4052}},
		{"8ch antenna remapped ch4", Location{Eight, Antenna, 4, 1, 1}, Addresses{15873, 0, 15881, 15882}},
		{"8ch antenna ch6", Location{Eight, Antenna, 6, 2, 3}, Addresses{17990, 0, 18003, 18004}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.loc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveRejects(t *testing.T) {
	for _, loc := range []Location{
		{Five, Normal, 6, 1, 1},
		{Eight, Normal, 0, 1, 1},
		{Five, Normal, 1, 0, 1},
		{Five, Normal, 1, 5, 1},
		{Five, Antenna, 1, 1, 0},
		{Eight, Antenna, 1, 1, 32},
		{ChannelCount(6), Normal, 1, 1, 1},
	} {
		_, err := Resolve(loc)
		assert.ErrorIs(t, err, ErrLocation, "%v", loc)
	}
}

func TestResolveAddressesDistinct(t *testing.T) {
	for _, cc := range []ChannelCount{Five, Eight} {
		for _, m := range []Mode{Normal, Antenna} {
			seen := map[uint16]Location{}
			for ch := 1; ch <= int(cc); ch++ {
				for f := 1; f <= 4; f++ {
					for tmp := 1; tmp <= 31; tmp++ {
						loc := Location{cc, m, ch, f, tmp}
						a, err := Resolve(loc)
						require.NoError(t, err)
						for _, addr := range []uint16{a.AmpHigh, a.AmpLow, a.PhaseHigh, a.PhaseLow} {
							if addr == 0 {
								continue
							}
							prev, dup := seen[addr]
							require.False(t, dup, "0x%04X shared by %v and %v", addr, prev, loc)
							seen[addr] = loc
						}
					}
				}
			}
		}
	}
}

func TestDb36Addresses(t *testing.T) {
	got, err := Db36Addresses(Location{Five, Normal, 2, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, Addresses{33483, 33484, 33493, 33494}, got)

	_, err = Db36Addresses(Location{Eight, Normal, 2, 1, 1})
	assert.ErrorIs(t, err, ErrLocation)
	_, err = Db36Addresses(Location{Five, Antenna, 2, 1, 1})
	assert.ErrorIs(t, err, ErrLocation)
}

func TestTemperatureIndex(t *testing.T) {
	for _, tc := range []struct {
		celsius   float64
		rangeIdx  int
		tempIndex int
	}{
		{-60, 0, 1},
		{-50, 0, 1},
		{-45, 1, 2},
		{-40, 1, 2},
		{0, 5, 10},
		{0.5, 6, 12},
		{25, 8, 16},
		{90, 14, 28},
		{95, 15, 30},
	} {
		assert.Equal(t, tc.rangeIdx, RangeIndex(tc.celsius), "range of %v", tc.celsius)
		assert.Equal(t, tc.tempIndex, TemperatureIndexFor(tc.celsius), "index of %v", tc.celsius)
	}
	assert.Equal(t, "20<T<=30", TemperatureRanges[RangeIndex(25)])
}

func TestFrequencyMHz(t *testing.T) {
	mhz, err := FrequencyMHz(1)
	require.NoError(t, err)
	assert.Equal(t, 3330, mhz)
	mhz, _ = FrequencyMHz(4)
	assert.Equal(t, 3390, mhz)
	_, err = FrequencyMHz(5)
	assert.ErrorIs(t, err, ErrLocation)
}

func TestParseVariants(t *testing.T) {
	c, err := ParseChannelCount("ch8")
	require.NoError(t, err)
	assert.Equal(t, Eight, c)
	_, err = ParseChannelCount("6")
	assert.Error(t, err)

	m, err := ParseMode("Antenna")
	require.NoError(t, err)
	assert.Equal(t, Antenna, m)
	m, _ = ParseMode("")
	assert.Equal(t, Normal, m)
	_, err = ParseMode("36db")
	assert.Error(t, err)
}
