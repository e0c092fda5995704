package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"transit-ingest/internal/config"
)

func main() {
	// Load configuration from .env, environment and optional CONFIG_FILE
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	setupLogging(cfg)

	app := &cli.App{
		Name:  "transit-ingest",
		Usage: "validate, transform and persist transit telemetry",
		Commands: []*cli.Command{
			subscribeCommand(cfg),
			loadCommand(cfg),
			checkCommand(cfg),
			replayCommand(cfg),
			migrateCommand(cfg),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setupLogging(cfg *config.Config) {
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	if cfg.Debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}
}
