// processd is the background daemon that supervises long-running services
// under PTYs: starting, stopping, restarting, cron-scheduling, and holding
// the log ring and attach surface every service exposes in-process. The
// wire transport in front of the supervisor is left to the deployment;
// this binary boots the supervisor and blocks until told to stop.
//
// Usage:
//
//	processd [--root <dir>]
//
// PROCESSD_DATA_DIR overrides the default root (~/.processd).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/processd/processd/internal/config"
	"github.com/processd/processd/internal/supervisor"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot determine home directory")
	}
	defaultRoot := filepath.Join(homeDir, ".processd")
	if env := os.Getenv("PROCESSD_DATA_DIR"); env != "" {
		defaultRoot = env
	}

	rootDir := flag.String("root", defaultRoot, "processd data directory (env: PROCESSD_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(*rootDir)
	if err != nil {
		log.Fatal().Err(err).Msg("config load")
	}

	sup, err := supervisor.New(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("supervisor init")
	}
	log.Info().Str("data_dir", cfg.DataDir).Msg("processd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	sup.Close(context.Background())
}
