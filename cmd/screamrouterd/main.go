// Command screamrouterd wires the audio dataplane core into a standalone
// process: it loads tuning configuration, constructs the Audio Manager, and
// runs until an interrupt or terminate signal requests shutdown. Receivers,
// the control-plane API, and sender transport specifics are external
// collaborators (spec §1) that would be wired in by embedding this package's
// internal/manager.Manager; this entrypoint only proves out the core's own
// lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netham45/screamrouter/internal/commons"
	"github.com/netham45/screamrouter/internal/config"
	"github.com/netham45/screamrouter/internal/manager"
	"github.com/netham45/screamrouter/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to a screamrouterd YAML config file (optional)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logDir := flag.String("log-dir", "", "directory to additionally write JSON logs to (optional)")
	tsmBufferSeconds := flag.Float64("tsm-buffer-seconds", 5.0, "time-shift manager buffer length in seconds (rings hold a fixed packet count regardless)")
	flag.Parse()

	log, err := commons.NewApplicationLogger(
		commons.Name("screamrouterd"),
		commons.Level(*logLevel),
		commons.Path(*logDir),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "screamrouterd: failed to construct logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}

	log.Infow("starting screamrouterd",
		"config_path", *configPath,
		"tsm_buffer_seconds", *tsmBufferSeconds,
		"profiler_enabled", cfg.Profiler.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
	)
	if effective, err := config.DumpYAML(cfg); err != nil {
		log.Warnw("failed to render effective configuration", "error", err)
	} else {
		log.Debugw("effective configuration", "yaml", effective)
	}

	mgr := manager.New(log.With("component", "manager"), cfg, *tsmBufferSeconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reporter := stats.New(log.With("component", "stats"), mgr, cfg.Profiler, cfg.Telemetry)
	go reporter.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Infow("received shutdown signal, stopping", "signal", sig.String())

	cancel()
	mgr.Shutdown()

	log.Info("screamrouterd stopped")
}
