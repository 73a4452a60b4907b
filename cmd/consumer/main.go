package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/streak/internal/config"
	"example.com/streak/internal/consumer"
	"example.com/streak/internal/domain"
	"example.com/streak/internal/logging"
	persistence "example.com/streak/internal/persistence/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Path: cfg.LogPath, Service: "streak-consumer"})
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

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	calculator := domain.NewCalculator(repo, repo, persistence.NewActivityOracle(pool, calendar), calendar,
		domain.WithLogger(logger.Named("calculator")),
		domain.WithMaxAttempts(cfg.MaxCASAttempts),
	)
	handler := consumer.NewCompletionHandler(calculator, consumer.NewPostgresLogMirror(pool), logger.Named("completions"))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info("consumer metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})

		topicLogger := logger.With(zap.String("topic", topic), zap.String("group", cfg.ConsumerGroupID))
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(topicLogger))

		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()

			topicLogger.Info("consumer started")
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				topicLogger.Error("consumer stopped with error", zap.Error(err))
			}
		}(reader)
	}

	<-ctx.Done()
	logger.Info("consumer shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}

	wg.Wait()
}
