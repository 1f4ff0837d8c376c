package main

import (
	"os"

	"github.com/SmartOrange/porter/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// setupLogging mirrors the console-writer setup every porter subcommand
// shares, with --verbose forcing debug level on top of whatever Config.Debug
// says once cfg is loaded.
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func applyLogLevel(cfg *config.Config) {
	if cfg.Debug || verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig loads configuration and sets the global log level from it,
// the shared first step of every subcommand below serve/build/graph.
func loadConfig() (*config.Config, error) {
	setupLogging()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg)
	return cfg, nil
}
