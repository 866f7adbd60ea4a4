package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
	"github.com/shaunagostinho/rfcal-bench/internal/chamber"
	"github.com/shaunagostinho/rfcal-bench/internal/eeprom"
	"github.com/shaunagostinho/rfcal-bench/internal/link"
	"github.com/shaunagostinho/rfcal-bench/internal/logger"
	"github.com/shaunagostinho/rfcal-bench/internal/modbus"
	"github.com/shaunagostinho/rfcal-bench/internal/scpi"
	"github.com/shaunagostinho/rfcal-bench/internal/sim"
	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
)

// Config holds all bench configuration.
type Config struct {
	mu sync.RWMutex

	// Demo replaces the tooling board, sensor, VNA and chamber with the
	// simulator.
	Demo bool `yaml:"demo" json:"demo"`

	// Instruments
	Toolboard toolboard.Config `yaml:"toolboard" json:"toolboard"`
	Sensor    eeprom.Config    `yaml:"sensor" json:"sensor"`
	Chamber   chamber.Config   `yaml:"chamber" json:"chamber"`
	VNA       VNAConfig        `yaml:"vna" json:"vna"`
	Sim       sim.Config       `yaml:"sim" json:"sim"`

	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`

	// Logging
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type VNAConfig struct {
	Type        string `yaml:"type" json:"type"` // "scpi" or "demo"
	scpi.Config `yaml:",inline"`
}

type CalibrationConfig struct {
	Settings    calib.Settings       `yaml:"settings" json:"settings"`
	Verify      calib.VerifySettings `yaml:"verify" json:"verify"`
	Request     RequestConfig        `yaml:"request" json:"request"`
	RunTimeoutS int                  `yaml:"run_timeout_s" json:"runTimeoutS"`
}

// RequestConfig is a calibration request as the API and config file carry
// it. A zero TempIndex is taken from the sensor temperature.
type RequestConfig struct {
	Channels        string         `yaml:"channels" json:"channels"` // "CH5" or "CH8"
	Mode            string         `yaml:"mode" json:"mode"`         // "normal" or "antenna"
	Channel         int            `yaml:"channel" json:"channel"`
	FreqIndex       int            `yaml:"freq_index" json:"freqIndex"`
	TempIndex       int            `yaml:"temp_index" json:"tempIndex"`
	TargetAmplitude float64        `yaml:"target_amplitude" json:"targetAmplitude"`
	TargetPhase     float64        `yaml:"target_phase" json:"targetPhase"`
	Initial         *calib.Initial `yaml:"initial,omitempty" json:"initial,omitempty"`
	MirrorDb36      bool           `yaml:"mirror_db36" json:"mirrorDb36"`
}

// Build turns r into a calib.Request. tempC is used when TempIndex is zero.
func (r RequestConfig) Build(tempC float64, haveTemp bool) (calib.Request, error) {
	channels, err := calib.ParseChannelCount(r.Channels)
	if err != nil {
		return calib.Request{}, err
	}
	mode, err := calib.ParseMode(r.Mode)
	if err != nil {
		return calib.Request{}, err
	}
	temp := r.TempIndex
	if temp == 0 {
		if !haveTemp {
			return calib.Request{}, fmt.Errorf("%w: no temperature index and no sensor reading", calib.ErrLocation)
		}
		temp = calib.TemperatureIndexFor(tempC)
	}
	return calib.Request{
		Location: calib.Location{
			Channels:  channels,
			Mode:      mode,
			Channel:   r.Channel,
			FreqIndex: r.FreqIndex,
			TempIndex: temp,
		},
		TargetAmplitude: r.TargetAmplitude,
		TargetPhase:     r.TargetPhase,
		Initial:         r.Initial,
		MirrorDb36:      r.MirrorDb36,
	}, nil
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PollMs     int    `yaml:"poll_ms" json:"pollMs"` // status broadcast interval
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Toolboard: toolboard.Config{
			Link:         link.Config{PortPath: "/dev/ttyToolboard", BaudRate: 115200},
			AckTimeoutMs: 1000,
			Retries:      3,
			RetryDelayMs: 100,
		},
		Sensor: eeprom.Config{
			Link:          link.Config{PortPath: "/dev/ttySensor", BaudRate: 115200},
			ReadTimeoutMs: 1000,
			WriteDelayMs:  10,
			ModeDelayMs:   50,
		},
		Chamber: chamber.Config{
			Type: "demo",
			RTU: modbus.Config{
				Link:      link.Config{PortPath: "/dev/ttyChamber", BaudRate: 38400, Parity: "even"},
				SlaveID:   1,
				TimeoutMs: 3000,
			},
			TCP:       chamber.TCPConfig{SlaveID: 1, TimeoutMs: 3000},
			Registers: chamber.DefaultRegisters(),
			StartStop: "register",
			MinTemp:   -58,
			MaxTemp:   150,
			PollMs:    2000,
		},
		VNA: VNAConfig{
			Type:   "demo",
			Config: scpi.Config{TimeoutMs: 5000, PhaseTrace: "Trc1", AmplitudeTrace: "Trc2"},
		},
		Sim: sim.Config{
			Channels:     calib.Five,
			TelemetryMs:  200,
			ChamberSpeed: 1,
		},
		Calibration: CalibrationConfig{
			Settings: calib.DefaultSettings(),
			Verify:   calib.DefaultVerifySettings(),
			Request: RequestConfig{
				Channels:        "CH5",
				Mode:            "normal",
				Channel:         1,
				FreqIndex:       1,
				TargetAmplitude: sim.NominalAmplitude,
				TargetPhase:     sim.NominalPhase,
				MirrorDb36:      true,
			},
			RunTimeoutS: 600,
		},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/rfcal",
			IntervalMs: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PollMs:     500,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool { return v == "1" || v == "true" || v == "yes" }

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RFCAL_DEMO, TOOLBOARD_PORT, TOOLBOARD_DEBUG, SENSOR_PORT,
// SENSOR_DEBUG, CHAMBER_TYPE, CHAMBER_PORT, CHAMBER_ADDR, CHAMBER_SLAVE,
// VNA_TYPE, VNA_ADDR, LISTEN_ADDR, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RFCAL_DEMO"); v != "" {
		c.Demo = envBool(v)
	}
	if v := os.Getenv("TOOLBOARD_PORT"); v != "" {
		c.Toolboard.Link.PortPath = v
	}
	if v := os.Getenv("TOOLBOARD_DEBUG"); v != "" {
		c.Toolboard.Link.Debug = envBool(v)
	}
	if v := os.Getenv("SENSOR_PORT"); v != "" {
		c.Sensor.Link.PortPath = v
	}
	if v := os.Getenv("SENSOR_DEBUG"); v != "" {
		c.Sensor.Link.Debug = envBool(v)
	}
	if v := os.Getenv("CHAMBER_TYPE"); v != "" {
		c.Chamber.Type = v
	}
	if v := os.Getenv("CHAMBER_PORT"); v != "" {
		c.Chamber.RTU.Link.PortPath = v
	}
	if v := os.Getenv("CHAMBER_ADDR"); v != "" {
		c.Chamber.TCP.Address = v
	}
	if v := os.Getenv("CHAMBER_SLAVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 248 {
			c.Chamber.RTU.SlaveID = byte(n)
			c.Chamber.TCP.SlaveID = byte(n)
		}
	}
	if v := os.Getenv("VNA_TYPE"); v != "" {
		c.VNA.Type = v
	}
	if v := os.Getenv("VNA_ADDR"); v != "" {
		c.VNA.Address = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/rfcal/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// Calib returns the calibration section under the read lock.
func (c *Config) Calib() CalibrationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Calibration
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
