package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long the workers may keep flushing after the
// sequencer stops.
const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closer := observability.NewLoggerFromOptions("cdpledger", observability.LogOptions{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})

	err = run(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("cdpledger exited with error")
	}
	_ = closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("cdpledger starting")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	healthChecker.AddCheck("postgres", db.PingContext)
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Hub ---
	assets, err := buildAssets(ctx, cfg, healthChecker, logger)
	if err != nil {
		return err
	}
	defer assets.Close()

	h, err := hub.New(hub.Config{
		Address:    cfg.HubAddress(),
		Assets:     assets.Assets,
		PriceFeeds: assets.Feeds,
		Feeds:      assets.Directory,
		Tokens:     assets.transfers(),
		Synthetic:  assets.Synthetic,
		Validator:  oracle.NewValidator(cfg.Oracle.MaxAge.Duration, time.Now),
		Logger:     logger.With().Str("component", "hub").Logger(),
	})
	if err != nil {
		return fmt.Errorf("build hub: %w", err)
	}

	// --- Sequencer ---
	// persist blocks (backpressure), projection drops
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	seq, err := core.NewSequencer(core.Config{
		Hub:            h,
		Custody:        assets.Custody,
		Synthetic:      assets.Synthetic,
		LRUCapacity:    cfg.Core.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "sequencer").Logger(),
	})
	if err != nil {
		return fmt.Errorf("build sequencer: %w", err)
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	recovered, err := persistence.Recover(ctx, snapMgr, seq, cfg.Core.RecoveryPageSize, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", recovered.SnapshotSequence).
		Int("replayed", recovered.Replayed).
		Int64("last_sequence", recovered.LastSequence).
		Msg("recovery complete")

	queries := query.NewQueryService(db)
	if err := catchUpProjections(ctx, db, queries, snapMgr, cfg.Core.RecoveryPageSize, logger); err != nil {
		return err
	}

	// --- Workers ---
	// Workers outlive the signal so they can drain what the sequencer
	// committed; they stop when their input closes.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	workers, workCtx := errgroup.WithContext(workCtx)

	projectionWorkerChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Core.PublishChanSize)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Core.PersistBatchSize,
		cfg.Core.PersistFlushTimeout.Duration, metrics, logger.With().Str("component", "persistence").Logger())
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics,
		logger.With().Str("component", "projection").Logger())

	workers.Go(func() error { return persistWorker.Run(workCtx) })
	workers.Go(func() error { return projWorker.Run(workCtx) })
	workers.Go(func() error {
		fanOut(projectionChan, projectionWorkerChan, publishChan, metrics)
		return nil
	})

	// --- NATS ---
	var nc *nats.Conn
	var subscriber *ingestion.NATSSubscriber
	rawChan := make(chan ingestion.RawEvent, cfg.Core.IngestChanSize)
	if cfg.NATS.Enabled {
		conn, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		workers.Go(func() error { return publisher.Run(workCtx) })

		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "subscriber").Logger())
	} else {
		// nothing publishes; keep the channel drained
		workers.Go(func() error {
			for range publishChan {
			}
			return nil
		})
	}

	// --- Front: sequencer, servers, ingestion, snapshots ---
	svc := server.NewService(seq, queries, logger.With().Str("component", "service").Logger())
	srv, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Service:       svc,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      reg,
		RateLimit:     cfg.Server.RateLimit,
		Burst:         cfg.Server.RateBurst,
		Logger:        logger.With().Str("component", "server").Logger(),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	snapshotter := persistence.NewSnapshotter(snapMgr, cfg.Core.SnapshotInterval, cfg.Core.SnapshotTick.Duration,
		metrics, logger.With().Str("component", "snapshotter").Logger())

	front, frontCtx := errgroup.WithContext(ctx)
	if subscriber != nil {
		// deliveries buffer in rawChan until the dispatcher starts
		if err := subscriber.Subscribe(frontCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(seq, assets.publishers(), metrics,
			logger.With().Str("component", "dispatcher").Logger())
		front.Go(func() error { return dispatcher.Run(frontCtx, rawChan) })
		front.Go(func() error {
			<-frontCtx.Done()
			subscriber.Stop()
			return nil
		})
	}

	front.Go(func() error { return seq.Run(frontCtx) })
	front.Go(func() error { return srv.StartGRPC(frontCtx) })
	front.Go(func() error { return srv.StartHTTP(frontCtx) })
	front.Go(func() error { return snapshotter.Run(frontCtx, seq) })
	front.Go(func() error {
		sampleChannels(frontCtx, metrics, map[string]func() (int, int){
			"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
			"projection": func() (int, int) { return len(projectionWorkerChan), cap(projectionWorkerChan) },
			"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
			"ingest":     func() (int, int) { return len(rawChan), cap(rawChan) },
		})
		return nil
	})
	if cfg.Server.MetricsAddr != "" {
		front.Go(func() error { return serveMetrics(frontCtx, cfg.Server.MetricsAddr, reg, logger) })
	}

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", seq.LastSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("cdpledger ready")

	frontErr := front.Wait()
	healthChecker.SetReady(false)
	if frontErr != nil {
		logger.Error().Err(frontErr).Msg("front goroutine failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	// --- Drain ---
	// The sequencer has returned, so nothing sends on its output channels.
	close(persistChan)
	close(projectionChan)
	drainTimer := time.AfterFunc(drainTimeout, cancelWork)
	workErr := workers.Wait()
	drainTimer.Stop()
	if workErr != nil && !errors.Is(workErr, context.Canceled) {
		logger.Error().Err(workErr).Msg("worker failed while draining")
	}
	logger.Info().Int64("last_persisted", persistWorker.LastPersisted()).Msg("workers drained")

	// Final snapshot, taken on this goroutine now that Run has returned.
	durable := max(persistWorker.LastPersisted(), recovered.LastSequence)
	if durable == seq.LastSequence() {
		snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := snapshotter.Save(snapCtx, seq.CreateSnapshotState()); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
		cancel()
	} else {
		logger.Warn().
			Int64("last_sequence", seq.LastSequence()).
			Int64("last_persisted", durable).
			Msg("skipping final snapshot, log is behind")
	}

	if nc != nil {
		_ = nc.Drain()
	}
	logger.Info().Msg("cdpledger shutdown complete")
	return frontErr
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// catchUpProjections rebuilds the read model when it is behind the log, as
// after a crash that lost projection updates.
func catchUpProjections(ctx context.Context, db *sql.DB, queries *query.QueryService, src *persistence.SnapshotManager, pageSize int, logger zerolog.Logger) error {
	report, err := queries.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify integrity: %w", err)
	}
	if !report.IsHealthy {
		logger.Warn().Ints64("gaps", report.SequenceGaps).Ints64("hash_breaks", report.HashChainBreaks).
			Msg("event log integrity check failed")
	}
	if report.ProjectedThrough >= report.LastSequence {
		return nil
	}
	logger.Info().Int64("projected_through", report.ProjectedThrough).Int64("last_sequence", report.LastSequence).
		Msg("projections behind the log, rebuilding")
	if _, err := projection.RebuildProjections(ctx, db, src, pageSize, logger); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}

// fanOut feeds the projection worker and the outbound publisher from the
// sequencer's projection channel. Neither may stall the other, so a full
// output drops. Both outputs close once in closes.
func fanOut(in <-chan core.CoreOutput, projections, publish chan<- core.CoreOutput, metrics *observability.Metrics) {
	defer close(projections)
	defer close(publish)
	for out := range in {
		select {
		case projections <- out:
		default:
			metrics.ProjectionDrops.Inc()
		}
		select {
		case publish <- out:
		default:
			metrics.PublishDrops.Inc()
		}
	}
}

// sampleChannels reports buffer utilisation once a second until ctx is done.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, usage := range chans {
				size, capacity := usage()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
