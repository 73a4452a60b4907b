package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/streak/internal/api"
	"example.com/streak/internal/auth"
	"example.com/streak/internal/config"
	"example.com/streak/internal/domain"
	"example.com/streak/internal/logging"
	"example.com/streak/internal/outbox"
	"example.com/streak/internal/persistence/memory"
	persistence "example.com/streak/internal/persistence/postgres"
	httptransport "example.com/streak/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Path: cfg.LogPath, Service: "streak-api"})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration fallback", zap.String("detail", warning))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	calendar, err := domain.NewCalendar(cfg.UTCOffset, nil)
	if err != nil {
		logger.Fatal("invalid calendar", zap.Error(err))
	}

	var (
		cache      domain.DayStatusCache
		store      domain.StreakStore
		oracle     domain.ActivityOracle
		dispatcher *outbox.Dispatcher
	)
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		mem := memory.NewStore()
		cache, store, oracle = mem, mem, memory.NewActivityLog(calendar)
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		repo := persistence.NewRepository(pool)
		cache, store, oracle = repo, repo, persistence.NewActivityOracle(pool, calendar)

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, outbox.WithProducerLogger(logger.Named("producer")))
		defer producer.Close()
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.Named("outbox")),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		)
		go dispatcher.Start(ctx)
	}

	calculator := domain.NewCalculator(cache, store, oracle, calendar,
		domain.WithLogger(logger.Named("calculator")),
		domain.WithMaxAttempts(cfg.MaxCASAttempts),
		domain.WithReconcileDays(cfg.ReconcileDays),
	)

	mux := http.NewServeMux()
	api.NewHandler(calculator, logger.Named("api")).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, logger.Named("auth"))
	handler := httptransport.AccessLog(logger, authMiddleware.Wrap(mux))

	logger.Info("streak api starting",
		zap.String("storage", cfg.StorageBackend),
		zap.Duration("utc_offset", cfg.UTCOffset),
	)
	if err := httptransport.Run(ctx, httptransport.DefaultServerConfig(cfg.HTTPAddress), handler, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server stopped", zap.Error(err))
	}

	stop()
	if dispatcher != nil {
		dispatcher.Wait()
	}
	logger.Info("streak api stopped")
}
