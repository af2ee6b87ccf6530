package main

import (
	"GoldLedger/internal/config"
	"GoldLedger/internal/core"
	"GoldLedger/internal/event"
	"GoldLedger/internal/ingestion"
	"GoldLedger/internal/invoicing"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"GoldLedger/internal/query"
	"GoldLedger/internal/server"
	"GoldLedger/internal/settlement"
	"GoldLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("goldledger")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("store", cfg.Store.Driver).Bool("nats", cfg.NATS.Enabled).Msg("GoldLedger starting")
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("GoldLedger stopped with error")
	}
	logger.Info().Msg("GoldLedger stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Store ---
	store, closeStore, err := openStore(ctx, cfg, component("store"))
	if err != nil {
		return err
	}
	defer closeStore()
	health.AddCheck("store", store.Ping)

	// --- Custodian terms and idempotency ---
	rates := settlement.NewRateTable(store)
	idempotency := core.NewIdempotencyChecker(cfg.Posting.IdempotencyCapacity, store, metrics, component("idempotency"))
	if err := idempotency.Warm(ctx); err != nil {
		// The store tier still catches duplicates; a cold cache is only slower.
		logger.Warn().Err(err).Msg("idempotency cache warm-up failed")
	}

	// --- NATS ---
	var (
		sink      event.Sink = event.Discard
		publisher *ingestion.OutboundPublisher
		nc        *nats.Conn
		js        jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		conn, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
		if err != nil {
			return err
		}
		nc, js = conn, stream
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn().Err(err).Msg("NATS drain")
			}
		}()
		if err := ingestion.EnsureStreams(ctx, js, component("nats")); err != nil {
			return err
		}
		publisher = ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, metrics, component("publisher"))
		sink = publisher
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
	}

	// --- Settlement ---
	generator := invoicing.NewHashGenerator(cfg.Documents.Namespace, cfg.Documents.BaseURI)
	pool := invoicing.NewPool(store, generator, sink, metrics, component("worker"), invoicing.PoolConfig{
		Workers:        cfg.Worker.Count,
		QueueSize:      cfg.Worker.QueueSize,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		InitialBackoff: cfg.Worker.InitialBackoff,
		MaxBackoff:     cfg.Worker.MaxBackoff,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
	})
	dispatcher := invoicing.NewDispatcher(pool, store, metrics, component("dispatcher"))
	reconciler := invoicing.NewReconciler(store, pool, metrics, component("reconciler"), invoicing.ReconcilerConfig{
		Interval:  cfg.Reconciler.Interval,
		Grace:     cfg.Reconciler.Grace,
		BatchSize: cfg.Reconciler.BatchSize,
	})

	// --- Posting engine ---
	engine := core.NewEngine(store, rates, idempotency, dispatcher, sink, metrics, component("engine"), core.Config{
		PostingTimeout: cfg.Posting.Timeout,
	})
	if err := engine.ReloadRates(ctx); err != nil {
		return fmt.Errorf("load custodian terms: %w", err)
	}
	logger.Info().Int("custodians", rates.Len()).Msg("custodian terms loaded")

	// --- Servers ---
	handler, err := server.NewHTTPHandler(server.HTTPDeps{
		Query:    query.NewQueryService(store, metrics, component("query")),
		Retrier:  reconciler,
		Health:   health,
		Gatherer: reg,
		Metrics:  metrics,
		Logger:   component("http"),
	})
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, component("grpc"))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	if js != nil {
		subscriber := ingestion.NewCommandSubscriber(js, engine, metrics, component("ingest"), cfg.NATS.CommandTimeout)
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		defer subscriber.Stop()
	}

	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		return engine.RunRateReloader(gctx, cfg.Rates.ReloadInterval, func(err error) {
			logger.Warn().Err(err).Msg("custodian terms reload failed, keeping previous table")
		})
	})
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return server.ServeHTTP(gctx, "http", cfg.Server.HTTPAddr, handler, component("http")) })
	g.Go(func() error { return server.ServeHTTP(gctx, "metrics", cfg.Server.MetricsAddr, metricsMux, component("metrics")) })

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("GoldLedger ready")

	err = g.Wait()
	health.SetReady(false)
	return err
}

// openStore connects the configured store and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (persistence.Store, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn().Msg("using in-memory store; state is lost on exit")
		return persistence.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.Migrations.AutoUp {
		var fsys fs.FS = migrations.FS
		if cfg.Migrations.Dir != "" {
			fsys = os.DirFS(cfg.Migrations.Dir)
		}
		n, err := persistence.NewMigrator(db, fsys, logger).Up(ctx)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	return persistence.NewPostgresStore(db), func() { db.Close() }, nil
}
