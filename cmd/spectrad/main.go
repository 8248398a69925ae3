// spectrad is the spectrum storage daemon. It reads rtl_power or
// hackrf_sweep CSV output, persists it as raw scan files and aggregates
// sealed files into hourly, daily, weekly and monthly statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage"
	"github.com/xtxerr/spectra/internal/storage/config"
	"github.com/xtxerr/spectra/internal/storage/types"
	"github.com/xtxerr/spectra/internal/sweep"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	cfgPath := flag.String("config", "spectra.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	station := flag.String("station", "", "station id (overrides config)")
	stationName := flag.String("station-name", "", "human readable station name")
	input := flag.String("input", "-", "CSV input file, - for stdin")
	command := flag.String("exec", "", "sweep command to run instead of reading -input, e.g. \"rtl_power -f 430M:440M:10k -i 1\"")
	deviceID := flag.String("device-id", "", "device id stamped on every record")
	hardware := flag.String("hardware", "rtl-sdr", "hardware description for config records")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		cfg = config.DefaultConfig()
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *station != "" {
		cfg.StationID = *station
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logJSON {
		cfg.LogJSON = true
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	log := logging.Component("spectrad")
	log.Info("spectrad starting", "version", Version, "config", *cfgPath)

	svc, err := storage.New(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error("create storage service", "error", err)
		return 1
	}
	if err := svc.Start(); err != nil {
		log.Error("start storage service", "error", err)
		return 1
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	snapshot := cfg.StationSnapshot(*stationName)
	if err := svc.Enqueue(&types.ConfigRecord{
		Timestamp: time.Now().UTC(),
		Hardware:  *hardware,
		Station:   snapshot,
	}); err != nil {
		log.Error("enqueue station config", "error", err)
	}

	// =========================================================================
	// Signal Handling
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// =========================================================================
	// Input
	// =========================================================================

	parser := &sweep.Parser{DeviceID: *deviceID}
	inputDone := make(chan error, 1)
	go func() {
		n, err := readInput(ctx, parser, svc.Enqueue, *input, *command)
		log.Info("input finished", "records", n)
		inputDone <- err
	}()

	code := 0
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			break loop
		case <-hup:
			if err := svc.Flush(); err != nil {
				log.Warn("flush failed", "error", err)
			} else {
				log.Info("flushed open raw file")
			}
		case err := <-inputDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("input failed", "error", err)
				code = 1
			}
			break loop
		case <-svc.Done():
			if err := svc.Err(); err != nil {
				log.Error("ingestion stopped", "error", err)
				if errors.IsFatal(err) {
					code = 1
				}
			}
			break loop
		}
	}

	if err := svc.Stop(); err != nil {
		log.Error("stop storage service", "error", err)
		code = 1
	}
	return code
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	return mux
}

// readInput feeds records from the sweep command or the input file.
func readInput(ctx context.Context, p *sweep.Parser, enqueue func(types.Record) error, input, command string) (int, error) {
	if args := strings.Fields(command); len(args) > 0 {
		return p.RunCommand(ctx, enqueue, args[0], args[1:]...)
	}

	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}
	return p.Run(ctx, r, enqueue)
}
