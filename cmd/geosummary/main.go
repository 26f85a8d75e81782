package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aevon-lab/geosummary/internal/aggregation"
	coreagg "github.com/aevon-lab/geosummary/internal/core/aggregation"
	corecfg "github.com/aevon-lab/geosummary/internal/core/config"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/aevon-lab/geosummary/internal/core/storage/postgres"
	"github.com/aevon-lab/geosummary/internal/core/storage/redisfeed"
	"github.com/aevon-lab/geosummary/internal/ingestion"
	"github.com/aevon-lab/geosummary/internal/live"
	"github.com/aevon-lab/geosummary/internal/migrations"
	"github.com/aevon-lab/geosummary/internal/projection"
	"github.com/aevon-lab/geosummary/internal/publish"
	"github.com/aevon-lab/geosummary/internal/server"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "geosummary.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(configPath string) error {
	// 1. Load Configuration
	cfg, err := corecfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded config",
		"feed_source", cfg.Feed.Source,
		"definitions", len(cfg.Definitions),
		"query_interval", cfg.Aggregation.QueryInterval,
		"max_retries", cfg.Aggregation.MaxRetries)

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	if err := dbAdapter.ValidateSchema(context.Background()); err != nil {
		return err
	}

	docs := postgres.NewDocumentAdapter(dbAdapter.DB())
	view := postgres.NewViewAdapter(dbAdapter.DB())

	// 3. Initialize Publisher
	clock := quartz.NewReal()
	publisher := publish.New(docs, publish.Options{
		MaxRetries: cfg.Aggregation.MaxRetries,
		RetryDelay: cfg.Aggregation.QueryInterval,
		Clock:      clock,
	})

	// 4. Set up signal handling before starting any loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	// 5. Initialize Aggregators
	if cfg.Aggregation.Enabled {
		feed, closeFeed, err := newChangeFeed(cfg, docs)
		if err != nil {
			return err
		}
		defer closeFeed()

		for _, def := range cfg.Definitions {
			switch def.Mode {
			case coreagg.ModePull:
				driver, err := aggregation.NewQueryDriver(view, publisher, def, aggregation.Options{
					Interval:   cfg.Aggregation.QueryInterval,
					Resolution: cfg.Aggregation.Resolution(),
					Clock:      clock,
				})
				if err != nil {
					return err
				}
				g.Go(func() error { return driver.Run(gctx) })

			case coreagg.ModeLive:
				if err := publisher.EnsureProcessDocument(ctx, def.Owner, def.Channels); err != nil {
					return err
				}
				agg, err := live.New(feed, publisher, def, live.Options{
					DebounceDelay: cfg.Aggregation.DebounceDelay,
					ValidTime:     cfg.Aggregation.ValidTime,
					Clock:         clock,
				})
				if err != nil {
					return err
				}
				g.Go(func() error { return agg.Run(gctx) })
			}
		}
		slog.Info("Aggregators initialized", "definitions", len(cfg.Definitions))
	} else {
		slog.Info("Aggregation disabled by config")
	}

	// 6. Initialize Ingestion, Projection and Server
	ingestionSvc := ingestion.NewService(docs, cfg.Server.MaxBodySizeMB)
	projectionSvc := projection.NewService(docs)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter, cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	projectionSvc.RegisterRoutes(srv.Engine)

	g.Go(func() error { return srv.Run(gctx) })

	return g.Wait()
}

// newChangeFeed builds the configured change feed. The returned func releases
// its resources.
func newChangeFeed(cfg *corecfg.Config, docs storage.DocumentStore) (storage.ChangeFeed, func(), error) {
	switch cfg.Feed.Source {
	case corecfg.FeedRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Feed.RedisAddr})
		feed, err := redisfeed.New(client, redisfeed.Config{
			Stream: cfg.Feed.RedisStream,
			Block:  cfg.Feed.Block,
		})
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to initialize redis feed: %w", err)
		}
		return feed, func() { client.Close() }, nil
	default:
		return postgres.NewChangeFeed(cfg.Database.DSN, docs), func() {}, nil
	}
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
