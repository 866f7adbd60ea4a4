package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/calib"
	"github.com/shaunagostinho/rfcal-bench/internal/chamber"
	"github.com/shaunagostinho/rfcal-bench/internal/eeprom"
	"github.com/shaunagostinho/rfcal-bench/internal/modbus"
	"github.com/shaunagostinho/rfcal-bench/internal/scpi"
	"github.com/shaunagostinho/rfcal-bench/internal/server"
	"github.com/shaunagostinho/rfcal-bench/internal/sim"
	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
	"github.com/shaunagostinho/rfcal-bench/web"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/rfcal/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the simulated bench")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	once := flag.Bool("calibrate", false, "Run the configured calibration request once, print the result and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] rfcal starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Demo = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	board := toolboard.New(cfg.Toolboard)
	sensor := eeprom.NewSensor(cfg.Sensor)
	defer board.Close()
	defer sensor.Close()

	var (
		backend chamber.Backend
		measure calib.Measurer
		devices []connectable
	)

	if cfg.Demo {
		sb, err := sim.NewBench(cfg.Sim)
		if err != nil {
			log.Printf("[main] simulator: %v", err)
			return 1
		}
		board.Attach(sb.Board.Port())
		sensor.Attach(sb.Chip.Port())
		sb.Start()
		defer sb.Stop()
		backend = sb.Chamber
		measure = calib.Measurer{Amplitude: sb.VNA.Amplitude, Phase: sb.VNA.Phase}
	} else {
		devices = append(devices, board, sensor)

		switch cfg.Chamber.Type {
		case "rtu":
			backend = modbus.NewMaster(cfg.Chamber.RTU)
		case "tcp":
			backend = chamber.NewTCPBackend(cfg.Chamber.TCP)
		case "disabled":
		default:
			log.Printf("[main] chamber type %q needs -demo, chamber disabled", cfg.Chamber.Type)
		}
		if backend != nil {
			devices = append(devices, backend)
		}

		switch cfg.VNA.Type {
		case "scpi":
			vna := scpi.New(cfg.VNA.Config)
			defer vna.Close()
			devices = append(devices, vna)
			measure = calib.Measurer{Amplitude: vna.Amplitude, Phase: vna.Phase}
		default:
			log.Printf("[main] VNA type %q needs -demo, measurements unavailable", cfg.VNA.Type)
		}
	}

	var ctrl *chamber.Controller
	if backend != nil {
		ctrl = chamber.New(backend, cfg.Chamber)
		defer ctrl.Close()
	}

	srv := server.New(cfg, server.Bench{
		Board:   board,
		Sensor:  sensor,
		Chamber: ctrl,
		Measure: measure,
	}, web.FS)

	if *once {
		for _, d := range devices {
			if err := d.Connect(); err != nil {
				log.Printf("[main] %s: %v", d.Name(), err)
				return 1
			}
		}
		return calibrateOnce(ctx, srv, sensor, cfg)
	}

	// The dashboard starts regardless; instruments connect in the background.
	for _, d := range devices {
		go connectWithRetry(ctx, d.Name(), d, 10)
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		return 1
	}
	return 0
}

// calibrateOnce runs the configured request and prints the result as JSON.
func calibrateOnce(ctx context.Context, srv *server.Server, sensor *eeprom.Sensor, cfg *server.Config) int {
	rc := cfg.Calib().Request
	if rc.TempIndex == 0 {
		// wait for the first telemetry sample
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			if _, _, ok := sensor.Temperature(); ok {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	res, err := srv.Calibrate(ctx, rc)
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	}
	if err != nil {
		log.Printf("[main] calibration failed: %v", err)
		return 1
	}
	if res.Amplitude.State != calib.StateConverged || res.Phase.State != calib.StateConverged {
		log.Printf("[main] calibration did not converge: amplitude %s, phase %s", res.Amplitude.State, res.Phase.State)
		return 2
	}
	return 0
}

// connectable is satisfied by every bench instrument.
type connectable interface {
	Name() string
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
