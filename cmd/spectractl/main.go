// spectractl is an interactive inspector for a spectra data directory.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/logging"
	"github.com/xtxerr/spectra/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "spectra.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	station := flag.String("station", "", "default station id (overrides config)")
	oneShot := flag.String("c", "", "run one command and exit")
	flag.Parse()

	logging.Init(logging.ParseLevel("warn"), false)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *station != "" {
		cfg.StationID = *station
	}

	sh, err := newShell(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}
	defer sh.Close()

	if *oneShot != "" {
		if err := sh.exec(*oneShot); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			sh.Close()
			os.Exit(1)
		}
		return
	}

	fmt.Printf("spectractl %s, data dir %s, station %s. Type help.\n", Version, cfg.DataDir, cfg.StationID)

	p := prompt.New(
		sh.executor,
		sh.completer,
		prompt.OptionPrefix("spectra> "),
		prompt.OptionTitle("spectractl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}
