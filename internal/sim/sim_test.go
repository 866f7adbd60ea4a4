package sim

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
	"github.com/shaunagostinho/rfcal-bench/internal/chamber"
	"github.com/shaunagostinho/rfcal-bench/internal/eeprom"
	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
)

type rig struct {
	bench  *Bench
	board  *toolboard.Board
	sensor *eeprom.Sensor
}

func newRig(t *testing.T, channels calib.ChannelCount) *rig {
	t.Helper()
	bench, err := NewBench(Config{Channels: channels, Seed: 7, TelemetryMs: 20})
	require.NoError(t, err)
	bench.Chamber.SetTemperature(ambient)

	board := toolboard.New(toolboard.Config{AckTimeoutMs: 200, RetryDelayMs: 10})
	board.Attach(bench.Board.Port())
	sensor := eeprom.NewSensor(eeprom.Config{ReadTimeoutMs: 500, WriteDelayMs: 1, ModeDelayMs: 1})
	sensor.Attach(bench.Chip.Port())
	bench.Start()

	t.Cleanup(func() {
		bench.Stop()
		board.Close()
		sensor.Close()
	})
	return &rig{bench: bench, board: board, sensor: sensor}
}

func (r *rig) calibrator() *calib.Calibrator {
	s := calib.DefaultSettings()
	s.PostWriteDelayMs = -1
	m := calib.Measurer{Amplitude: r.bench.VNA.Amplitude, Phase: r.bench.VNA.Phase}
	return calib.NewCalibrator(r.sensor, m, r.board, s, nil)
}

func TestCalibrateAgainstSimulatedBench(t *testing.T) {
	for _, tc := range []struct {
		name string
		loc  calib.Location
	}{
		{"5ch normal", calib.Location{Channels: calib.Five, Mode: calib.Normal, Channel: 3, FreqIndex: 2}},
		{"5ch antenna", calib.Location{Channels: calib.Five, Mode: calib.Antenna, Channel: 1, FreqIndex: 4}},
		{"8ch normal", calib.Location{Channels: calib.Eight, Mode: calib.Normal, Channel: 7, FreqIndex: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, tc.loc.Channels)
			tc.loc.TempIndex = calib.TemperatureIndexFor(ambient)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			res, err := r.calibrator().Calibrate(ctx, calib.Request{
				Location:        tc.loc,
				TargetAmplitude: NominalAmplitude,
				TargetPhase:     NominalPhase,
				MirrorDb36:      true,
			})
			require.NoError(t, err)
			assert.Equal(t, calib.StateConverged, res.Amplitude.State)
			assert.Equal(t, calib.StateConverged, res.Phase.State)

			// the chip holds what the engine reports
			a := res.Addresses
			assert.Equal(t, res.Amplitude.Trim.High, r.bench.Chip.Peek(a.AmpHigh))
			assert.Equal(t, res.Phase.Trim.High, r.bench.Chip.Peek(a.PhaseHigh))
			assert.Equal(t, res.Phase.Trim.Low, r.bench.Chip.Peek(a.PhaseLow))

			assert.Equal(t, tc.loc, r.bench.VNA.Location())
			amp, err := r.bench.VNA.Amplitude(ctx)
			require.NoError(t, err)
			assert.InDelta(t, NominalAmplitude, amp, 0.25)
			ph, err := r.bench.VNA.Phase(ctx)
			require.NoError(t, err)
			assert.InDelta(t, NominalPhase, ph, 0.45)

			wantMirror := tc.loc.Channels == calib.Five && tc.loc.Mode == calib.Normal
			assert.Equal(t, wantMirror, res.Mirrored)
			if wantMirror {
				db36, err := calib.Db36Addresses(tc.loc)
				require.NoError(t, err)
				assert.Equal(t, res.Phase.Trim.Low, r.bench.Chip.Peek(db36.PhaseLow))
			}

			assert.False(t, r.bench.Chip.Programming())
			modes := r.bench.Chip.Modes()
			require.GreaterOrEqual(t, len(modes), 4)
			assert.Equal(t, []byte{eeprom.ModeSuspendTelemetry, eeprom.ModeEnterProgramming}, modes[:2])
		})
	}
}

func TestBoardRetriesDroppedAck(t *testing.T) {
	r := newRig(t, calib.Five)
	r.bench.Board.DropAcks(1)

	require.NoError(t, r.board.SelectChannel(context.Background(), 4))
	assert.Equal(t, 4, r.bench.Board.State().Channel)
}

func TestBoardModes(t *testing.T) {
	r := newRig(t, calib.Five)
	ctx := context.Background()

	require.NoError(t, r.board.EnterAntennaMode(ctx))
	st := r.bench.Board.State()
	assert.True(t, st.Antenna)
	assert.True(t, st.Source)
	assert.True(t, st.SwitchHigh)

	require.NoError(t, r.board.EnterNormalMode(ctx))
	st = r.bench.Board.State()
	assert.False(t, st.Antenna)
	assert.False(t, st.Source)
	assert.False(t, st.SwitchHigh)

	require.NoError(t, r.board.SetFrequency(ctx, 3))
	require.NoError(t, r.board.SetAttenuation(ctx, 36))
	require.NoError(t, r.board.LockChannel(5))
	assert.Equal(t, 3, r.bench.Board.State().FreqIndex)
	assert.Equal(t, byte(5), r.bench.Board.State().LockCode)
}

func TestTelemetryFollowsChamber(t *testing.T) {
	r := newRig(t, calib.Five)
	r.bench.Chamber.SetTemperature(-12.5)

	var mu sync.Mutex
	var samples []float64
	r.sensor.OnSample(func(c float64) {
		mu.Lock()
		samples = append(samples, c)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// idle chamber drifts slowly back towards ambient
	c, _, ok := r.sensor.Temperature()
	require.True(t, ok)
	assert.InDelta(t, -12.5, c, 0.5)
}

func TestSuspendedTelemetryIsQuiet(t *testing.T) {
	r := newRig(t, calib.Five)
	ctx := context.Background()
	require.NoError(t, r.sensor.SuspendTelemetry(ctx))
	time.Sleep(50 * time.Millisecond) // let samples already in flight land

	n := 0
	var mu sync.Mutex
	r.sensor.OnSample(func(float64) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, n)
	mu.Unlock()

	v, err := r.sensor.ReadByte(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, r.bench.Chip.Peek(3), v)
}

func TestChamberModel(t *testing.T) {
	bench, err := NewBench(Config{Seed: 1, ChamberSpeed: 2000})
	require.NoError(t, err)
	c := chamber.New(bench.Chamber, chamber.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.SetTemperature(ctx, -40))
	require.NoError(t, c.Start(ctx))
	st, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)

	require.NoError(t, c.WaitForTemperature(ctx, -40, 0.5, 20*time.Millisecond, 5*time.Millisecond))

	require.NoError(t, c.Stop(ctx))
	require.Eventually(t, func() bool {
		return math.Abs(bench.Chamber.Temperature()-ambient) < 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, bench.Chamber.WriteSingleRegister(ctx, chamber.DefaultRegisters().Temperature, 1))
}

func TestVerifyAgainstSimulatedBench(t *testing.T) {
	r := newRig(t, calib.Eight)
	points, err := r.calibrator().Verify(context.Background(), calib.Eight, r.bench.VNA.Amplitude, calib.VerifySettings{}, nil)
	require.NoError(t, err)
	require.Len(t, points, 28)
	for _, p := range points {
		assert.Empty(t, p.Err)
		assert.InDelta(t, NominalAmplitude, p.Value, 1)
	}
	assert.Equal(t, 8, r.bench.Board.State().Channel)
	assert.Equal(t, 4, r.bench.Board.State().FreqIndex)
}

func TestNewBenchRejectsChannelCount(t *testing.T) {
	_, err := NewBench(Config{Channels: 6})
	assert.ErrorIs(t, err, calib.ErrLocation)
}
