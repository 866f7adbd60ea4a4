package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
)

// Logger records calibration progress and bench temperatures to CSV files
// with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file     *os.File
	writer   *csv.Writer
	lastTemp time.Time
	rows     int
	maxRows  int
	files    int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"` // temperature rows only
}

const (
	maxRowsPerFile = 100_000
)

var csvHeader = []string{
	"timestamp", "kind", "location",
	"quantity", "state", "iteration", "value", "target", "step", "direction",
	"trim_high", "trim_low", "sensor_c", "chamber_c",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/rfcal"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = time.Second
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  maxRowsPerFile,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Event writes one calibration engine event. Events are never throttled.
func (l *Logger) Event(loc calib.Location, e calib.Event) {
	row := make([]string, len(csvHeader))
	row[0] = e.Time.Format(time.RFC3339Nano)
	row[1] = "event"
	row[2] = loc.String()
	row[3] = e.Quantity.String()
	row[4] = e.State.String()
	row[5] = strconv.Itoa(e.Iteration)
	row[6] = fmt.Sprintf("%.3f", e.Value)
	row[7] = fmt.Sprintf("%.3f", e.Target)
	row[8] = strconv.Itoa(e.Step)
	row[9] = strconv.Itoa(e.Direction)
	row[10] = fmt.Sprintf("0x%02X", e.Trim.High)
	row[11] = fmt.Sprintf("0x%02X", e.Trim.Low)
	l.write(e.Time, row)
}

// Verify writes one verification point.
func (l *Logger) Verify(p calib.VerifyPoint) {
	now := time.Now()
	row := make([]string, len(csvHeader))
	row[0] = now.Format(time.RFC3339Nano)
	row[1] = "verify"
	row[2] = fmt.Sprintf("%s %d MHz", p.Name, p.FreqMHz)
	row[6] = fmt.Sprintf("%.3f", p.Value)
	if p.Err != "" {
		row[4] = p.Err
	}
	l.write(now, row)
}

// Temperature writes a sensor/chamber temperature pair if the minimum
// interval has elapsed since the last one.
func (l *Logger) Temperature(sensorC, chamberC float64) {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastTemp) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastTemp = now
	l.mu.Unlock()

	row := make([]string, len(csvHeader))
	row[0] = now.Format(time.RFC3339Nano)
	row[1] = "temperature"
	row[12] = fmt.Sprintf("%.2f", sensorC)
	row[13] = fmt.Sprintf("%.2f", chamberC)
	l.write(now, row)
}

func (l *Logger) write(now time.Time, row []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("rfcal_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
