package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
	"github.com/shaunagostinho/rfcal-bench/internal/chamber"
	"github.com/shaunagostinho/rfcal-bench/internal/eeprom"
	"github.com/shaunagostinho/rfcal-bench/internal/sim"
	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
)

const benchTemp = 25.0

type testBench struct {
	srv  *Server
	ts   *httptest.Server
	sim  *sim.Bench
	cfg  *Config
	logs string
}

func newTestBench(t *testing.T) *testBench {
	t.Helper()
	sb, err := sim.NewBench(sim.Config{Seed: 3, TelemetryMs: 20})
	require.NoError(t, err)
	sb.Chamber.SetTemperature(benchTemp)

	board := toolboard.New(toolboard.Config{AckTimeoutMs: 200, RetryDelayMs: 10})
	board.Attach(sb.Board.Port())
	sensor := eeprom.NewSensor(eeprom.Config{ReadTimeoutMs: 500, WriteDelayMs: 1, ModeDelayMs: 1})
	sensor.Attach(sb.Chip.Port())
	sb.Start()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Calibration.Settings.PostWriteDelayMs = -1
	cfg.Calibration.Verify = calib.VerifySettings{}
	cfg.Calibration.Request.TempIndex = calib.TemperatureIndexFor(benchTemp)
	cfg.Logging.Enabled = true
	cfg.Logging.Path = filepath.Join(dir, "logs")

	srv := New(cfg, Bench{
		Board:   board,
		Sensor:  sensor,
		Chamber: chamber.New(sb.Chamber, cfg.Chamber),
		Measure: calib.Measurer{Amplitude: sb.VNA.Amplitude, Phase: sb.VNA.Phase},
	}, nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Cancel()
		ts.Close()
		sb.Stop()
		board.Close()
		sensor.Close()
		srv.logger.Close()
	})
	return &testBench{srv: srv, ts: ts, sim: sb, cfg: cfg, logs: cfg.Logging.Path}
}

func (b *testBench) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(b.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (b *testBench) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == "error" && typ != "error" {
			t.Fatalf("job failed: %s", f.Error)
		}
		if f.Type == typ {
			return f
		}
	}
}

func (b *testBench) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return b.srv.currentJob() == "" }, 20*time.Second, 10*time.Millisecond)
}

func TestCalibrateOverHTTP(t *testing.T) {
	b := newTestBench(t)
	conn := b.dial(t)
	first := next(t, conn, "status")
	require.NotNil(t, first.Status)
	assert.True(t, first.Status.BoardConnected)

	resp, out := b.post(t, "/api/calibrate", `{"channel": 2, "freqIndex": 3}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "started", out["status"])

	ev := next(t, conn, "event")
	assert.Contains(t, ev.Location, "ch2 f3")

	res := next(t, conn, "result")
	require.NotNil(t, res.Result)
	assert.Equal(t, calib.StateConverged, res.Result.Amplitude.State)
	assert.Equal(t, calib.StateConverged, res.Result.Phase.State)
	assert.True(t, res.Result.Mirrored)
	b.waitIdle(t)

	assert.Equal(t, 2, b.sim.Board.State().Channel)
	assert.Equal(t, 3, b.sim.Board.State().FreqIndex)

	// EEPROM cache holds what was written
	r, err := http.Get(b.ts.URL + "/api/eeprom")
	require.NoError(t, err)
	defer r.Body.Close()
	var cache map[string]byte
	require.NoError(t, json.NewDecoder(r.Body).Decode(&cache))
	a := res.Result.Addresses
	assert.Equal(t, res.Result.Phase.Trim.Low, cache[fmt.Sprintf("0x%04X", a.PhaseLow)])

	files, _ := filepath.Glob(filepath.Join(b.logs, "rfcal_*.csv"))
	assert.NotEmpty(t, files, "events logged")
}

func TestCalibrateRejectsBadRequest(t *testing.T) {
	b := newTestBench(t)
	resp, out := b.post(t, "/api/calibrate", `{"channel": 9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "invalid location")

	resp, _ = b.post(t, "/api/calibrate", `{"mode": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsAreExclusiveAndCancellable(t *testing.T) {
	b := newTestBench(t)
	b.cfg.Calibration.Verify.ChannelSettleMs = 10_000

	resp, _ := b.post(t, "/api/verify", `{"channels": "CH8"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, out := b.post(t, "/api/calibrate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, out["error"], "verify")

	resp, out = b.post(t, "/api/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", out["status"])
	assert.Empty(t, b.srv.currentJob())

	_, out = b.post(t, "/api/cancel", "")
	assert.Equal(t, "idle", out["status"])
}

func TestVerifyOverHTTP(t *testing.T) {
	b := newTestBench(t)
	conn := b.dial(t)

	resp, _ := b.post(t, "/api/verify", `{"quantity": "phase"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var points []calib.VerifyPoint
	for len(points) < 16 {
		f := next(t, conn, "verify")
		points = append(points, *f.Verify)
	}
	assert.Equal(t, "A", points[0].Name)
	assert.Equal(t, "E", points[15].Name)
	for _, p := range points {
		assert.Empty(t, p.Err)
		assert.InDelta(t, sim.NominalPhase, p.Value, 5)
	}
	b.waitIdle(t)
}

func TestEEPROMReadWrite(t *testing.T) {
	b := newTestBench(t)
	resp, out := b.post(t, "/api/eeprom", `{"addr": 4660, "value": 171}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 171, out["value"])
	assert.Equal(t, byte(0xAB), b.sim.Chip.Peek(0x1234))

	r, err := http.Get(b.ts.URL + "/api/eeprom?addr=0x1234")
	require.NoError(t, err)
	defer r.Body.Close()
	var got eepromWrite
	require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	assert.Equal(t, eepromWrite{Addr: 0x1234, Value: 0xAB}, got)

	r2, err := http.Get(b.ts.URL + "/api/eeprom?addr=zzz")
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
}

func TestChamberAPI(t *testing.T) {
	b := newTestBench(t)
	resp, out := b.post(t, "/api/chamber", `{"setPoint": 200}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "out of range")

	resp, _ = b.post(t, "/api/chamber", `{"setPoint": -20, "action": "start"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	regs, err := b.sim.Chamber.ReadHoldingRegisters(context.Background(), chamber.DefaultRegisters().Status, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), regs[0])

	resp, _ = b.post(t, "/api/chamber", `{"action": "dance"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigAPI(t *testing.T) {
	b := newTestBench(t)

	r, err := http.Get(b.ts.URL + "/api/config")
	require.NoError(t, err)
	var cfg map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
	r.Body.Close()
	assert.Contains(t, cfg, "calibration")
	assert.Contains(t, cfg, "toolboard")

	resp, err := http.Post(b.ts.URL+"/api/config", "application/json",
		bytes.NewBufferString(`{"calibration": {"request": {"channel": 4}}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cc := b.cfg.Calib()
	assert.Equal(t, 4, cc.Request.Channel)
	assert.Equal(t, "CH5", cc.Request.Channels, "untouched fields kept")
	assert.Equal(t, 50, cc.Settings.MaxIterations)

	_, err = os.Stat(b.cfg.path)
	assert.NoError(t, err, "config saved")
}

func TestStatusReportsTemperature(t *testing.T) {
	b := newTestBench(t)
	require.Eventually(t, func() bool {
		st := b.srv.status()
		return st.SensorTemp != nil
	}, 2*time.Second, 10*time.Millisecond)

	r, err := http.Get(b.ts.URL + "/api/status")
	require.NoError(t, err)
	defer r.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
	require.NotNil(t, st.SensorTemp)
	assert.InDelta(t, benchTemp, *st.SensorTemp, 0.5)
	assert.Equal(t, calib.TemperatureIndexFor(benchTemp), st.TempIndex)
}
