// Package scpi reads VNA markers over a raw SCPI socket.
package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultPort = "5025"

var ErrNotConnected = errors.New("scpi: not connected")

// Config holds VNA connection settings.
type Config struct {
	Address        string `yaml:"address" json:"address"` // host or host:port
	TimeoutMs      int    `yaml:"timeout_ms" json:"timeoutMs"`
	PhaseTrace     string `yaml:"phase_trace" json:"phaseTrace"`
	AmplitudeTrace string `yaml:"amplitude_trace" json:"amplitudeTrace"`
}

// VNA is a line-oriented SCPI client. Queries are serialised.
type VNA struct {
	cfg     Config
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

func New(cfg Config) *VNA {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.PhaseTrace == "" {
		cfg.PhaseTrace = "Trc1"
	}
	if cfg.AmplitudeTrace == "" {
		cfg.AmplitudeTrace = "Trc2"
	}
	return &VNA{cfg: cfg, timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond}
}

func (v *VNA) Name() string { return "VNA " + v.cfg.Address }

// Connect dials the instrument and checks it answers *IDN?.
func (v *VNA) Connect() error {
	if v.cfg.Address == "" {
		return fmt.Errorf("scpi: no address configured")
	}
	addr := v.cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	conn, err := net.DialTimeout("tcp", addr, v.timeout)
	if err != nil {
		return fmt.Errorf("scpi: dial %s: %w", addr, err)
	}
	v.mu.Lock()
	v.conn = conn
	v.rd = bufio.NewReader(conn)
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	idn, err := v.Query(ctx, "*IDN?")
	if err != nil {
		v.Close()
		return err
	}
	log.Printf("[scpi] connected to %s: %s", addr, idn)
	return nil
}

func (v *VNA) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	v.rd = nil
	return err
}

// Write sends one command line.
func (v *VNA) Write(ctx context.Context, cmd string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.write(ctx, cmd)
}

// Query sends cmd and returns the trimmed response line.
func (v *VNA) Query(ctx context.Context, cmd string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query(ctx, cmd)
}

func (v *VNA) write(ctx context.Context, cmd string) error {
	if v.conn == nil {
		return ErrNotConnected
	}
	v.conn.SetDeadline(v.deadline(ctx))
	if _, err := v.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("scpi: write %q: %w", cmd, err)
	}
	return nil
}

func (v *VNA) query(ctx context.Context, cmd string) (string, error) {
	if err := v.write(ctx, cmd); err != nil {
		return "", err
	}
	line, err := v.rd.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("scpi: query %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

func (v *VNA) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(v.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// Marker selects trace and reads marker 1's Y value.
func (v *VNA) Marker(ctx context.Context, trace string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.write(ctx, fmt.Sprintf(":CALCulate1:PARameter:SELect '%s'", trace)); err != nil {
		return 0, err
	}
	s, err := v.query(ctx, ":CALCulate1:MARKer1:Y?")
	if err != nil {
		return 0, err
	}
	// some firmware answers "y,0" for complex formats
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("scpi: marker %s: %w", trace, err)
	}
	return val, nil
}

// Amplitude reads the amplitude trace marker.
func (v *VNA) Amplitude(ctx context.Context) (float64, error) {
	return v.Marker(ctx, v.cfg.AmplitudeTrace)
}

// Phase reads the phase trace marker.
func (v *VNA) Phase(ctx context.Context) (float64, error) {
	return v.Marker(ctx, v.cfg.PhaseTrace)
}
