package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"transit-ingest/internal/batch"
	"transit-ingest/internal/bus"
	"transit-ingest/internal/config"
	"transit-ingest/internal/db"
	"transit-ingest/internal/delivery"
	"transit-ingest/internal/event"
	"transit-ingest/internal/metrics"
	"transit-ingest/internal/persist"
	"transit-ingest/internal/transform"
	"transit-ingest/internal/validate"
)

var migrateFlag = &cli.BoolFlag{
	Name:  "migrate",
	Usage: "create the trip table before starting",
}

// openStore connects with retry and optionally runs migrations.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (*sql.DB, error) {
	log.Info().Str("driver", cfg.DBDriver).Str("dsn", db.Redact(cfg.DatabaseURL)).Msg("connecting to database")
	sqlDB, err := db.Connect(ctx, cfg.DBDriver, cfg.DatabaseURL, cfg.DBConnectTimeout)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := db.Migrate(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return sqlDB, nil
}

// startMetrics serves /metrics and /healthz until ctx is cancelled. It returns
// nil when METRICS_ADDR is empty.
func startMetrics(ctx context.Context, cfg *config.Config, health metrics.Pinger) *metrics.Collector {
	if cfg.MetricsAddr == "" {
		return nil
	}
	mcol := metrics.NewCollector()
	srv := mcol.Serve(cfg.MetricsAddr, health)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return mcol
}

func subscribeCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "consume events from the bus and persist them",
		Flags: []cli.Flag{migrateFlag},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			sqlDB, err := openStore(ctx, cfg, c.Bool("migrate"))
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			store := db.NewStore(sqlDB)

			mcol := startMetrics(ctx, cfg, store)
			coord := persist.NewCoordinator(store, wrapPersistMetrics(mcol))
			handler := delivery.NewHandler(validate.New(), coord, wrapHandlerMetrics(mcol))

			var tally delivery.Tally
			switch cfg.Bus {
			case config.BusRedis:
				consumer, err := bus.NewRedisConsumer(ctx, bus.RedisConfig{
					Address:        cfg.RedisAddress,
					Password:       cfg.RedisPassword,
					Database:       cfg.RedisDatabase,
					Queue:          cfg.RedisQueue,
					Workers:        cfg.Workers,
					ReturnRejected: cfg.RedisReturnRejected,
					MaxDeliver:     cfg.RedisMaxDeliver,
				}, handler, wrapConnMetrics(mcol))
				if err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				defer consumer.Close()
				tally, err = consumer.Run(ctx)
				if err != nil {
					return err
				}
			default:
				sub, err := bus.NewNATSSubscriber(natsConfig(cfg), handler, wrapConnMetrics(mcol))
				if err != nil {
					return fmt.Errorf("nats: %w", err)
				}
				defer sub.Close()
				tally, err = sub.Run(ctx)
				if err != nil {
					return err
				}
			}
			log.Info().Int("received", tally.Received).Int("acked", tally.Acked).
				Int("nacked", tally.Nacked).Int("rejected", tally.Rejected).Msg("shutdown complete")
			return nil
		},
	}
}

func natsConfig(cfg *config.Config) bus.NATSConfig {
	return bus.NATSConfig{
		URL:        cfg.NATSURL,
		Stream:     cfg.NATSStreamName,
		Subject:    cfg.NATSSubject,
		Durable:    cfg.NATSDurable,
		MaxDeliver: cfg.NATSMaxDeliver,
		AckWait:    cfg.NATSAckWait,
		Workers:    cfg.Workers,
	}
}

func loadCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "load staged batch files into the trip store",
		ArgsUsage: "[dir|file]",
		Flags:     []cli.Flag{migrateFlag},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			target := cfg.StagingDir
			if c.Args().Present() {
				target = c.Args().First()
			}

			sqlDB, err := openStore(ctx, cfg, c.Bool("migrate"))
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			store := db.NewStore(sqlDB)

			mcol := startMetrics(ctx, cfg, store)
			opts := batch.Options{
				PlaceholderRoute: cfg.PlaceholderRoute,
				DefaultDirection: event.Direction(cfg.DefaultDirection),
			}
			loader := batch.NewLoader(validate.New(), persist.NewCoordinator(store, wrapPersistMetrics(mcol)), opts, wrapBatchMetrics(mcol))

			var reports []batch.Report
			info, err := os.Stat(target)
			if err != nil {
				return err
			}
			if info.IsDir() {
				reports, err = loader.LoadDir(ctx, target)
				if err != nil {
					return err
				}
			} else {
				reports = append(reports, loader.LoadFile(ctx, target))
			}

			counts := map[batch.Status]int{}
			for _, r := range reports {
				counts[r.Status]++
			}
			log.Info().Int("batches", len(reports)).Int("loaded", counts[batch.Loaded]).
				Int("rejected", counts[batch.Rejected]).Int("failed", counts[batch.Failed]).
				Int("empty", counts[batch.Empty]).Msg("load complete")
			if counts[batch.Failed] > 0 {
				return fmt.Errorf("%d batch(es) failed", counts[batch.Failed])
			}
			return nil
		},
	}
}

func checkCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "validate and transform a staged file without persisting it",
		ArgsUsage: "file",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "show", Value: 3, Usage: "number of canonical records to print"},
		},
		Action: func(c *cli.Context) error {
			if !c.Args().Present() {
				return cli.Exit("check requires a file argument", 2)
			}
			b, err := batch.ReadFile(c.Args().First())
			if err != nil {
				return err
			}
			if err := validate.New().CheckBatch(b.Events); err != nil {
				log.Error().Err(err).Str("batch", b.Name).Int("records", len(b.Events)).Msg("batch would be rejected")
				return cli.Exit("", 1)
			}
			opts := batch.Options{
				PlaceholderRoute: cfg.PlaceholderRoute,
				DefaultDirection: event.Direction(cfg.DefaultDirection),
			}
			recs := transform.All(opts.Augment(b.Events))
			for i, rec := range recs {
				if i == c.Int("show") {
					break
				}
				pretty.Println(rec)
			}
			log.Info().Str("batch", b.Name).Int("records", len(recs)).Msg("batch is valid")
			return nil
		},
	}
}

func replayCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "publish the records of a staged file to the bus",
		ArgsUsage: "file",
		Action: func(c *cli.Context) error {
			if !c.Args().Present() {
				return cli.Exit("replay requires a file argument", 2)
			}
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			b, err := batch.ReadFile(c.Args().First())
			if err != nil {
				return err
			}

			mcol := startMetrics(ctx, cfg, nil)
			var pub bus.Publisher
			switch cfg.Bus {
			case config.BusRedis:
				pub, err = bus.NewRedisPublisher(ctx, bus.RedisConfig{
					Address:  cfg.RedisAddress,
					Password: cfg.RedisPassword,
					Database: cfg.RedisDatabase,
					Queue:    cfg.RedisQueue,
				}, wrapPublisherMetrics(mcol))
			default:
				pub, err = bus.NewNATSPublisher(ctx, natsConfig(cfg), cfg.Debug, wrapPublisherMetrics(mcol))
			}
			if err != nil {
				return err
			}
			defer pub.Close()

			published := 0
			for _, e := range b.Events {
				if err := pub.Publish(ctx, e); err != nil {
					return fmt.Errorf("publish %s after %d records: %w", e.Key(), published, err)
				}
				published++
			}
			log.Info().Str("batch", b.Name).Int("published", published).Msg("replay complete")
			return nil
		},
	}
}

func migrateCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create the trip table and indexes",
		Action: func(c *cli.Context) error {
			sqlDB, err := openStore(c.Context, cfg, true)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			n, err := db.CountTrips(c.Context, sqlDB)
			if err != nil {
				return err
			}
			log.Info().Int("trips", n).Msg("migrations applied")
			return nil
		},
	}
}
