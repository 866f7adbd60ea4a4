package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
	"github.com/shaunagostinho/rfcal-bench/internal/chamber"
	"github.com/shaunagostinho/rfcal-bench/internal/eeprom"
	"github.com/shaunagostinho/rfcal-bench/internal/logger"
	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
)

// ErrBusy is returned when a calibration or verification is already running.
var ErrBusy = errors.New("server: a job is already running")

// Bench is the hardware the server drives. Chamber may be nil.
type Bench struct {
	Board   *toolboard.Board
	Sensor  *eeprom.Sensor
	Chamber *chamber.Controller
	Measure calib.Measurer
}

// Server runs calibrations and broadcasts bench state to WebSocket clients.
type Server struct {
	cfg    *Config
	bench  Bench
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	baseCtx context.Context

	jobMu     sync.Mutex
	job       string
	cancelJob context.CancelFunc
	jobDone   chan struct{}

	statusMu    sync.Mutex
	lastChamber *chamber.Status
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients. Type says
// which of the other fields is set.
type Frame struct {
	Type     string             `json:"type"` // status, event, result, verify, board, eeprom, error
	Status   *Status            `json:"status,omitempty"`
	Location string             `json:"location,omitempty"`
	Event    *calib.Event       `json:"event,omitempty"`
	Result   *calib.Result      `json:"result,omitempty"`
	Verify   *calib.VerifyPoint `json:"verify,omitempty"`
	Board    *BoardFrame        `json:"board,omitempty"`
	EEPROM   *eeprom.Response   `json:"eeprom,omitempty"`
	Error    string             `json:"error,omitempty"`
	Stamp    int64              `json:"stamp"` // Unix ms
}

// Status is the periodic bench snapshot.
type Status struct {
	Job             string          `json:"job,omitempty"`
	SensorTemp      *float64        `json:"sensorTemp,omitempty"`
	TempIndex       int             `json:"tempIndex,omitempty"`
	Chamber         *chamber.Status `json:"chamber,omitempty"`
	BoardConnected  bool            `json:"boardConnected"`
	SensorConnected bool            `json:"sensorConnected"`
	CachedBytes     int             `json:"cachedBytes"`
}

// BoardFrame is a tooling-board frame as shown on the dashboard.
type BoardFrame struct {
	Command byte   `json:"command"`
	Payload string `json:"payload"` // hex
}

// New creates a new Server.
func New(cfg *Config, bench Bench, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		bench:   bench,
		webFS:   webFS,
		logger:  logger.New(cfg.Logging),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}

	if bench.Board != nil {
		bench.Board.OnFrame(func(f toolboard.Frame) {
			s.broadcast(Frame{Type: "board", Board: &BoardFrame{Command: f.Command, Payload: fmt.Sprintf("% X", f.Payload)}})
		})
	}
	if bench.Sensor != nil {
		bench.Sensor.OnResponse(func(r eeprom.Response) {
			s.broadcast(Frame{Type: "eeprom", EEPROM: &r})
		})
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/eeprom", s.handleEEPROM)
	mux.HandleFunc("/api/chamber", s.handleChamber)
	return mux
}

// Run starts the HTTP server and the status loop.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.Cancel()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// =============================================================================
// Jobs
// =============================================================================

func (s *Server) calibrator(onEvent func(calib.Event)) *calib.Calibrator {
	var bench calib.Bench
	if s.bench.Board != nil {
		bench = s.bench.Board
	}
	return calib.NewCalibrator(s.bench.Sensor, s.bench.Measure, bench, s.cfg.Calib().Settings, onEvent)
}

// Calibrate runs one calibration and blocks until it finishes.
func (s *Server) Calibrate(ctx context.Context, rc RequestConfig) (*calib.Result, error) {
	if s.bench.Sensor == nil {
		return nil, errors.New("server: no EEPROM sensor")
	}
	temp, _, ok := s.bench.Sensor.Temperature()
	req, err := rc.Build(temp, ok)
	if err != nil {
		return nil, err
	}

	if t := s.cfg.Calib().RunTimeoutS; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}

	loc := req.Location
	c := s.calibrator(func(e calib.Event) {
		s.logger.Event(loc, e)
		s.broadcast(Frame{Type: "event", Location: loc.String(), Event: &e})
	})

	res, err := c.Calibrate(ctx, req)
	if res != nil {
		s.broadcast(Frame{Type: "result", Location: loc.String(), Result: res})
	}
	return res, err
}

// Verify runs the verification sweep for channels.
func (s *Server) Verify(ctx context.Context, channels calib.ChannelCount, quantity calib.Quantity) ([]calib.VerifyPoint, error) {
	measure := s.bench.Measure.Amplitude
	if quantity == calib.Phase {
		measure = s.bench.Measure.Phase
	}
	return s.calibrator(nil).Verify(ctx, channels, measure, s.cfg.Calib().Verify, func(p calib.VerifyPoint) {
		s.logger.Verify(p)
		s.broadcast(Frame{Type: "verify", Verify: &p})
	})
}

// startJob runs fn in the background unless another job is running.
func (s *Server) startJob(name string, fn func(ctx context.Context) error) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.job != "" {
		return fmt.Errorf("%w (%s)", ErrBusy, s.job)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.job, s.cancelJob, s.jobDone = name, cancel, done

	go func() {
		defer close(done)
		defer cancel()
		err := fn(ctx)
		if err != nil {
			log.Printf("[server] %s: %v", name, err)
			s.broadcast(Frame{Type: "error", Error: fmt.Sprintf("%s: %v", name, err)})
		} else {
			log.Printf("[server] %s finished", name)
		}
		s.jobMu.Lock()
		s.job, s.cancelJob, s.jobDone = "", nil, nil
		s.jobMu.Unlock()
	}()
	return nil
}

// Cancel stops the running job, if any, and waits for it to return.
func (s *Server) Cancel() bool {
	s.jobMu.Lock()
	cancel, done := s.cancelJob, s.jobDone
	s.jobMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (s *Server) currentJob() string {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.job
}

// =============================================================================
// HTTP handlers
// =============================================================================

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Send the current status first
	if data, err := json.Marshal(Frame{Type: "status", Status: s.status(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive only)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.loggingEnabled())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) loggingEnabled() bool {
	s.cfg.mu.RLock()
	defer s.cfg.mu.RUnlock()
	return s.cfg.Logging.Enabled
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleCalibrate starts a calibration. The body is a partial RequestConfig
// over the configured request.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	rc := s.cfg.Calib().Request
	if err := decodeOptional(r, &rc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := rc.Build(0, true)
	if err == nil {
		_, err = calib.Resolve(req.Location)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.startJob("calibrate", func(ctx context.Context) error {
		_, err := s.Calibrate(ctx, rc)
		return err
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type verifyRequest struct {
	Channels string `json:"channels"`
	Quantity string `json:"quantity"` // "amplitude" (default) or "phase"
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	vr := verifyRequest{Channels: s.cfg.Calib().Request.Channels}
	if err := decodeOptional(r, &vr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	channels, err := calib.ParseChannelCount(vr.Channels)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	quantity := calib.Amplitude
	if vr.Quantity == "phase" {
		quantity = calib.Phase
	}

	err = s.startJob("verify", func(ctx context.Context) error {
		_, err := s.Verify(ctx, channels, quantity)
		return err
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.Cancel() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

type eepromWrite struct {
	Addr  uint16 `json:"addr"`
	Value byte   `json:"value"`
}

// handleEEPROM returns the cache (GET), reads one byte (GET ?addr=) or
// writes one byte (POST).
func (s *Server) handleEEPROM(w http.ResponseWriter, r *http.Request) {
	if s.bench.Sensor == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no EEPROM sensor"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		if a := r.URL.Query().Get("addr"); a != "" {
			addr, err := strconv.ParseUint(a, 0, 16)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			v, err := s.bench.Sensor.ReadByte(ctx, uint16(addr))
			if err != nil {
				writeError(w, http.StatusGatewayTimeout, err)
				return
			}
			writeJSON(w, http.StatusOK, eepromWrite{Addr: uint16(addr), Value: v})
			return
		}
		snap := s.bench.Sensor.Cache().Snapshot()
		out := make(map[string]byte, len(snap))
		for a, v := range snap {
			out[fmt.Sprintf("0x%04X", a)] = v
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var req eepromWrite
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if s.currentJob() != "" {
			writeError(w, http.StatusConflict, ErrBusy)
			return
		}
		if err := s.bench.Sensor.WriteByte(ctx, req.Addr, req.Value); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

type chamberRequest struct {
	SetPoint *float64 `json:"setPoint,omitempty"`
	Action   string   `json:"action,omitempty"` // "start" or "stop"
}

func (s *Server) handleChamber(w http.ResponseWriter, r *http.Request) {
	if s.bench.Chamber == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no chamber configured"))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req chamberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if req.SetPoint != nil {
		if err := s.bench.Chamber.SetTemperature(ctx, *req.SetPoint); err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, chamber.ErrOutOfRange) {
				code = http.StatusBadRequest
			}
			writeError(w, code, err)
			return
		}
	}
	var err error
	switch req.Action {
	case "":
	case "start":
		err = s.bench.Chamber.Start(ctx)
	case "stop":
		err = s.bench.Chamber.Stop(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeOptional decodes a JSON body over v, leaving v alone when the body
// is empty.
func decodeOptional(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// =============================================================================
// Status loop
// =============================================================================

func (s *Server) status() *Status {
	st := &Status{Job: s.currentJob()}
	if s.bench.Board != nil {
		st.BoardConnected = s.bench.Board.IsConnected()
	}
	if s.bench.Sensor != nil {
		st.SensorConnected = s.bench.Sensor.IsConnected()
		st.CachedBytes = s.bench.Sensor.Cache().Len()
		if t, _, ok := s.bench.Sensor.Temperature(); ok {
			st.SensorTemp = &t
			st.TempIndex = calib.TemperatureIndexFor(t)
		}
	}
	s.statusMu.Lock()
	st.Chamber = s.lastChamber
	s.statusMu.Unlock()
	return st
}

// pollLoop reads the chamber, logs temperatures and broadcasts status.
func (s *Server) pollLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Server.PollMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
		}

		if s.bench.Chamber != nil {
			pctx, cancel := context.WithTimeout(ctx, interval)
			cs, err := s.bench.Chamber.Poll(pctx)
			cancel()
			if err == nil {
				s.statusMu.Lock()
				s.lastChamber = cs
				s.statusMu.Unlock()
			}
		}

		st := s.status()
		if st.SensorTemp != nil {
			chamberTemp := 0.0
			if st.Chamber != nil {
				chamberTemp = st.Chamber.Temperature
			}
			s.logger.Temperature(*st.SensorTemp, chamberTemp)
		}
		s.broadcast(Frame{Type: "status", Status: st})
	}
}

func (s *Server) broadcast(frame Frame) {
	if frame.Stamp == 0 {
		frame.Stamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
