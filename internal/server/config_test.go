package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	def := DefaultConfig()
	assert.Equal(t, def.Toolboard, cfg.Toolboard)
	assert.Equal(t, def.Calibration, cfg.Calibration)
	assert.Equal(t, "demo", cfg.Chamber.Type)
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
toolboard:
  link:
    port_path: /dev/ttyUSB0
chamber:
  type: tcp
  tcp:
    address: 10.0.0.5:502
vna:
  type: scpi
  address: 10.0.0.9
calibration:
  settings:
    max_iterations: 30
  request:
    channels: CH8
    channel: 6
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# bench\nSENSOR_PORT=\"/dev/ttyUSB1\"\nVNA_ADDR=10.0.0.10\n"), 0644))
	t.Setenv("SENSOR_PORT", "")
	t.Setenv("VNA_ADDR", "10.0.0.11") // real env wins over .env
	t.Setenv("CHAMBER_SLAVE", "7")
	t.Setenv("LOG_ENABLED", "yes")

	cfg := LoadConfig(path)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Toolboard.Link.PortPath)
	assert.Equal(t, 115200, cfg.Toolboard.Link.BaudRate, "defaults survive a partial file")
	assert.Equal(t, "/dev/ttyUSB1", cfg.Sensor.Link.PortPath)
	assert.Equal(t, "tcp", cfg.Chamber.Type)
	assert.Equal(t, "10.0.0.5:502", cfg.Chamber.TCP.Address)
	assert.Equal(t, byte(7), cfg.Chamber.TCP.SlaveID)
	assert.Equal(t, "scpi", cfg.VNA.Type)
	assert.Equal(t, "10.0.0.11", cfg.VNA.Address)
	assert.Equal(t, "Trc2", cfg.VNA.AmplitudeTrace)
	assert.Equal(t, 30, cfg.Calibration.Settings.MaxIterations)
	assert.Equal(t, 0.2, cfg.Calibration.Settings.AmplitudeTolerance)
	assert.Equal(t, 6, cfg.Calibration.Request.Channel)
	assert.True(t, cfg.Logging.Enabled)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Calibration.Request.Initial = &calib.Initial{AmpHigh: 0x0A, PhaseLow: 0x80}
	require.NoError(t, cfg.Save())

	back := LoadConfig(path)
	assert.Equal(t, cfg.Calibration, back.Calibration)
	assert.Equal(t, cfg.Chamber, back.Chamber)
}

func TestUpdateFromJSONDeepMerges(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"chamber": {"tcp": {"address": "gw:502"}}, "vna": {"address": "znb"}}`)))
	assert.Equal(t, "gw:502", cfg.Chamber.TCP.Address)
	assert.Equal(t, byte(1), cfg.Chamber.TCP.SlaveID)
	assert.Equal(t, "demo", cfg.Chamber.Type)
	assert.Equal(t, "znb", cfg.VNA.Address)
	assert.Equal(t, "demo", cfg.VNA.Type)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{`)))
}

func TestRequestBuild(t *testing.T) {
	rc := RequestConfig{Channels: "CH5", Mode: "antenna", Channel: 3, FreqIndex: 2, TargetAmplitude: -5, TargetPhase: 45}

	req, err := rc.Build(-35, true)
	require.NoError(t, err)
	assert.Equal(t, calib.Location{Channels: calib.Five, Mode: calib.Antenna, Channel: 3, FreqIndex: 2, TempIndex: 4}, req.Location)
	assert.Equal(t, 45.0, req.TargetPhase)

	rc.TempIndex = 9
	req, err = rc.Build(0, false)
	require.NoError(t, err)
	assert.Equal(t, 9, req.TempIndex)

	rc.TempIndex = 0
	_, err = rc.Build(0, false)
	assert.ErrorIs(t, err, calib.ErrLocation)

	rc.Channels = "CH6"
	_, err = rc.Build(0, true)
	assert.ErrorIs(t, err, calib.ErrLocation)
}
