package eeprom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrames(t *testing.T) {
	assert.Equal(t, []byte{0xAA, 0x55, 0x08, 0x01, 0x12, 0x34, 0x00, 0xED}, EncodeRead(0x1234))
	assert.Equal(t, []byte{0xAA, 0x55, 0x08, 0x00, 0x00, 0x15, 0x7F, 0xED}, EncodeWrite(0x0015, 0x7F))
	assert.Equal(t, []byte{0xAA, 0x55, 0x09, 0xFF, 0xED}, EncodeMode(ModeSuspendTelemetry))
	assert.Equal(t, []byte{0xAA, 0x55, 0x09, 0x01, 0xED}, EncodeMode(ModeEnterProgramming))
}

func TestDecodeCommandFrame(t *testing.T) {
	msgs, rest := Decode([]byte{0xAA, 0x55, 0x08, 0x01, 0x82, 0xC9, 0x3C, 0xED})
	require.Len(t, msgs, 1)
	assert.Empty(t, rest)
	assert.True(t, msgs[0].IsFrame)
	assert.Equal(t, Response{Command: CmdRead, Address: 0x82C9, Value: 0x3C}, msgs[0].Frame)
}

func TestSamples(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   []byte
		want float64
		ok   bool
	}{
		{"one degree", []byte{0x00, 0x10}, 1.0, true},
		{"minus one", []byte{0xFF, 0xF0}, -1.0, true},
		{"fraction", []byte{0x01, 0x98}, 25.5, true},
		{"upper bound", []byte{0x06, 0x40}, 100.0, true},
		{"lower bound", []byte{0xFC, 0x40}, -60.0, true},
		{"no reading", []byte{0xFE, 0xFE}, 0, false},
		{"too hot", []byte{0x06, 0x41}, 0, false},
		{"too cold", []byte{0xFC, 0x3F}, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			msgs, rest := Decode(tc.in)
			assert.Empty(t, rest)
			if !tc.ok {
				assert.Empty(t, msgs)
				return
			}
			require.Len(t, msgs, 1)
			assert.False(t, msgs[0].IsFrame)
			assert.InDelta(t, tc.want, msgs[0].Celsius, 1e-9)
		})
	}
}

func TestDecodeInterleaved(t *testing.T) {
	stream := []byte{0x00, 0x10}
	stream = append(stream, 0xAA, 0x55, 0x08, 0x01, 0x00, 0x02, 0x09, 0xED)
	stream = append(stream, 0xFE, 0xFE, 0xFF, 0xF0, 0x00)

	msgs, rest := Decode(stream)
	require.Len(t, msgs, 3)
	assert.InDelta(t, 1.0, msgs[0].Celsius, 1e-9)
	assert.True(t, msgs[1].IsFrame)
	assert.Equal(t, uint16(0x0002), msgs[1].Frame.Address)
	assert.InDelta(t, -1.0, msgs[2].Celsius, 1e-9)
	assert.Equal(t, []byte{0x00}, rest)
}

func TestDecodeShortFrameHeadIsSamples(t *testing.T) {
	// AA 55 is out of range and dropped, 00 10 is 1.0 °C.
	msgs, rest := Decode([]byte{0xAA, 0x55, 0x00, 0x10})
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsFrame)
	assert.InDelta(t, 1.0, msgs[0].Celsius, 1e-9)
	assert.Empty(t, rest)

	// A response split across reads loses the frame cadence.
	frame := []byte{0xAA, 0x55, 0x08, 0x01, 0x00, 0x02, 0x09, 0xED}
	msgs, rest = Decode(frame[:5])
	for _, m := range msgs {
		assert.False(t, m.IsFrame)
	}
	assert.Equal(t, frame[4:5], rest)

	msgs, rest = Decode(append(rest, frame[5:]...))
	for _, m := range msgs {
		assert.False(t, m.IsFrame)
	}
	assert.Empty(t, rest)
}

func TestDecodeHasNoResync(t *testing.T) {
	// One stray byte ahead of a frame shifts everything into sample pairs.
	stream := []byte{0x00, 0xAA, 0x55, 0x08, 0x01, 0x00, 0x02, 0x09, 0xED, 0x00}
	msgs, rest := Decode(stream)
	assert.Empty(t, rest)
	for _, m := range msgs {
		assert.False(t, m.IsFrame)
	}
}

func TestEncodeSample(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x90}, EncodeSample(25.0))
	assert.Equal(t, []byte{0xFF, 0xF0}, EncodeSample(-1.0))

	_, c, ok := ParseSample(EncodeSample(-42.5))
	assert.True(t, ok)
	assert.Equal(t, -42.5, c)
}
