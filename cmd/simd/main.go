// Command simd runs the standalone simulation server used for local
// development and demos: it accepts companion connections, validates pins,
// and streams synthetic readings.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/caprev/sensorlink/internal/config"
	"github.com/caprev/sensorlink/internal/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "simd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		addr       = flag.String("addr", "", "listen address (overrides config)")
		pins       = flag.String("pins", "", "comma-separated allowed pins (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *addr != "" {
		cfg.Sim.ListenAddr = *addr
	}
	if *pins != "" {
		cfg.Sim.Pins = strings.Split(*pins, ",")
	}

	srv := sim.New(cfg.Sim.ListenAddr, cfg.Sim.Pins, cfg.Sim.SampleInterval(), log)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
