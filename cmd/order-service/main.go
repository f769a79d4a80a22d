package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/order-saga/internal/api"
	"github.com/example/order-saga/internal/config"
	"github.com/example/order-saga/internal/infrastructure/broker"
	"github.com/example/order-saga/internal/infrastructure/kafka"
	"github.com/example/order-saga/internal/infrastructure/ledger"
	"github.com/example/order-saga/internal/infrastructure/rabbitmq"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/saga"
	"github.com/example/order-saga/internal/sagalog"
	"github.com/example/order-saga/internal/sagalog/sqlite"
	"github.com/example/order-saga/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("order service stopped", "error", err)
		os.Exit(1)
	}
}

// closer releases one dependency on shutdown.
type closer struct {
	name  string
	close func() error
}

func run(ctx context.Context, cfg *config.Config) error {
	var closers []closer
	defer func() {
		// reverse construction order: broker first so in-flight handlers finish
		// before the stores they use go away
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].close(); cerr != nil {
				slog.Warn("failed to close dependency", "dependency", closers[i].name, "error", cerr)
			}
		}
	}()

	repo, db, err := newRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		closers = append(closers, closer{"postgres", db.Close})
	}

	effects, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	if r, ok := effects.(*ledger.Redis); ok {
		closers = append(closers, closer{"redis", r.Close})
	}

	recorder, err := newSagaLog(cfg)
	if err != nil {
		return err
	}
	if r, ok := recorder.(*sqlite.Repository); ok {
		closers = append(closers, closer{"saga log", r.Close})
	}

	client := newBroker(cfg)
	// a broker that cannot be reached at startup is fatal
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	closers = append(closers, closer{"broker", client.Close})
	if err := broker.ApplyBindings(ctx, client, cfg.Topology.Bindings); err != nil {
		return err
	}

	coordinator := saga.NewCoordinator(repo, client,
		saga.WithLedger(effects),
		saga.WithSagaLog(recorder),
	)
	if err := coordinator.Register(ctx, client); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(api.NewHandlers(coordinator)),
	}

	slog.InfoContext(ctx, "order service started",
		"service", cfg.ServiceName,
		"http_addr", cfg.HTTPAddr,
		"broker", cfg.BrokerDriver,
		"store", cfg.StoreDriver,
		"max_redeliveries", cfg.Retry.MaxRedeliveries)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRepository(ctx context.Context, cfg *config.Config) (store.Repository, *sql.DB, error) {
	if cfg.StoreDriver == config.StoreMemory {
		slog.Warn("using in-memory order store; products must be seeded by the caller")
		return store.NewMemory(), nil, nil
	}
	db, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")
	return store.NewPostgres(db), db, nil
}

func newLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	if cfg.RedisAddr == "" {
		return ledger.NewMemory(), nil
	}
	r := ledger.NewRedis(cfg.RedisAddr, cfg.ServiceName, cfg.LedgerTTL)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("connected to Redis", "addr", cfg.RedisAddr)
	return r, nil
}

func newSagaLog(cfg *config.Config) (sagalog.Recorder, error) {
	if cfg.SagaLogPath == "" {
		return sagalog.Discard{}, nil
	}
	repo, err := sqlite.Open(cfg.SagaLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open saga log: %w", err)
	}
	return repo, nil
}

func newBroker(cfg *config.Config) broker.Client {
	switch cfg.BrokerDriver {
	case config.BrokerKafka:
		return kafka.NewClient(kafka.Config{
			Brokers:  cfg.KafkaBrokers,
			Topology: cfg.Topology,
			Retry:    cfg.Retry,
		})
	case config.BrokerMemory:
		return broker.NewMemory(cfg.Topology, cfg.Retry)
	default:
		return rabbitmq.NewClient(rabbitmq.Config{
			URL:      cfg.AMQPURL,
			Topology: cfg.Topology,
			Retry:    cfg.Retry,
		})
	}
}
