// Command server wires the custody core: stores, ledger client, coordinator,
// delivery queue, health monitor, and the HTTP surface. Business logic lives
// in the internal packages; main only assembles and supervises them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"custodia/internal/custody/events"
	"custodia/internal/custody/ledger"
	"custodia/internal/custody/metrics"
	"custodia/internal/custody/queue"
	"custodia/internal/custody/service"
	"custodia/internal/custody/signature"
	"custodia/internal/custody/store"
	"custodia/internal/health"
	"custodia/internal/platform/config"
	"custodia/internal/platform/httpserver"
	"custodia/internal/platform/kafka"
	"custodia/internal/platform/logger"
	"custodia/internal/platform/redis"
	httptransport "custodia/internal/transport/http"
	"custodia/pkg/platform/circuit"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mtr := metrics.New()

	signerOpts := []signature.Option{}
	if cfg.SigningKeyHex != "" {
		signerOpts = append(signerOpts, signature.WithAsymmetricKey(cfg.SigningKeyHex))
	}
	signer, err := signature.New(cfg.SigningSecret, signerOpts...)
	if err != nil {
		return err
	}

	recordStore, queueStore, db, err := buildStores(cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	cache, err := redis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	ledgerClient, err := ledger.New(cfg.Ledger, log)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := ledgerClient.Initialize(initCtx); err != nil {
		// The queue bridges a ledger that is down at boot; keep serving.
		log.Warn("ledger initialization failed, transfers will queue", "error", err)
	}
	cancel()

	var publisher events.Publisher = events.NopPublisher{}
	kafkaPublisher, err := kafka.NewPublisher(cfg.Kafka, log)
	if err != nil {
		return err
	}
	if kafkaPublisher != nil {
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	breaker := circuit.New("ledger")

	custody, err := service.New(recordStore, queueStore, signer, ledgerClient,
		service.WithLogger(log),
		service.WithMetrics(mtr),
		service.WithPublisher(publisher),
		service.WithBreaker(breaker),
	)
	if err != nil {
		return err
	}

	queueManager, err := queue.New(queueStore, custody, cfg.Queue,
		queue.WithLogger(log),
		queue.WithMetrics(mtr),
		queue.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}

	monitorOpts := []health.Option{
		health.WithLogger(log),
		health.WithMetrics(mtr),
	}
	if db != nil {
		monitorOpts = append(monitorOpts, health.WithDatabase(db))
	}
	if cache != nil {
		monitorOpts = append(monitorOpts, health.WithCache(cache))
	}
	monitor := health.New(ledgerClient, cfg.Health.ProbeInterval, monitorOpts...)

	handler := httptransport.New(custody, queueManager, monitor, log)
	srv := httpserver.New(cfg.HTTPAddr, httptransport.NewRouter(handler))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queueManager.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		log.Info("custody server listening", "addr", cfg.HTTPAddr, "ledger", cfg.Ledger.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildStores picks postgres when a DSN is configured and falls back to the
// in-memory pair otherwise. The returned DB is nil in memory mode.
func buildStores(cfg config.Config, log *slog.Logger) (store.RecordStore, store.QueueStore, *sql.DB, error) {
	if cfg.PostgresDSN == "" {
		log.Warn("no postgres DSN configured, using in-memory stores")
		return store.NewInMemoryRecordStore(), store.NewInMemoryQueueStore(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return store.NewPostgresRecordStore(db), store.NewPostgresQueueStore(db), db, nil
}
