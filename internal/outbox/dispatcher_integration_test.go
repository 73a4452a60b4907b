//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/streak/internal/events"
)

func TestDispatcherPublishesFramedMessages(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	userID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, userID, events.TypeStreakUpdated))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "streak_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)

	record := producer.writes[0].messages[0]
	require.Equal(t, userID, string(record.Key))
	require.Equal(t, byte(0), record.Value[0])
	require.Contains(t, record.Headers, kafka.Header{Key: "event_type", Value: []byte(events.TypeStreakUpdated)})

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherRetriesThenParksInDLQ(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStreakUpdated)

	producer := &stubProducer{err: errors.New("kafka write failed")}
	registry := &stubRegistry{id: 7}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5, WithMaxAttempts(2))

	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("streak_events"))

	require.NoError(t, dispatcher.processBatch(ctx))

	var (
		attempts  int
		lastError string
		published *time.Time
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT attempts, last_error, published_at FROM outbox WHERE event_id=$1`, eventID).Scan(&attempts, &lastError, &published))
	require.Equal(t, 1, attempts)
	require.Contains(t, lastError, "kafka write failed")
	require.Nil(t, published, "first failure keeps the row pending")

	require.NoError(t, dispatcher.processBatch(ctx))

	var dlqAttempts int
	require.NoError(t, pool.QueryRow(ctx, `SELECT attempts FROM outbox_dlq WHERE event_id=$1`, eventID).Scan(&dlqAttempts))
	require.Equal(t, 2, dlqAttempts)
	require.NoError(t, pool.QueryRow(ctx, `SELECT published_at FROM outbox WHERE event_id=$1`, eventID).Scan(&published))
	require.NotNil(t, published, "parked rows leave the pending set")
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("streak_events")), 0.0001)
}

func TestDispatcherCachesSchemaIDsAcrossBatch(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStreakUpdated))
	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStreakUpdated))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 2)
	require.Len(t, registry.calls, 1, "schema registry should be invoked once due to cache")
}

func TestDispatcherParksUnknownEventTypesImmediately(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), "streak.unknown")

	producer := &stubProducer{}
	registry := &stubRegistry{id: 99}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM outbox_dlq WHERE event_id = $1`, eventID).Scan(&reason))
	require.Contains(t, reason, "event_type=streak.unknown")
}

func TestDLQWriterParksOnce(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStreakDayResolved)
	writer := NewDLQWriter(pool)
	msg := Message{EventID: eventID, Attempts: 2}

	parked, err := writer.Write(ctx, msg, "broker unreachable")
	require.NoError(t, err)
	require.True(t, parked)

	parked, err = writer.Write(ctx, msg, "broker unreachable")
	require.NoError(t, err)
	require.False(t, parked, "an already retired row must not be parked twice")

	var (
		count     int
		eventType string
		attempts  int
		lastError string
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*), MIN(event_type), MIN(attempts) FROM outbox_dlq WHERE event_id = $1`, eventID).Scan(&count, &eventType, &attempts))
	require.Equal(t, 1, count)
	require.Equal(t, events.TypeStreakDayResolved, eventType)
	require.Equal(t, 2, attempts)

	require.NoError(t, pool.QueryRow(ctx, `SELECT last_error FROM outbox WHERE event_id = $1 AND published_at IS NOT NULL`, eventID).Scan(&lastError))
	require.Equal(t, "broker unreachable", lastError)
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStreakUpdated)
	failing := NewDispatcher(pool, &stubProducer{err: errors.New("down")}, &stubRegistry{id: 3}, time.Millisecond, 5, WithMaxAttempts(1))
	require.NoError(t, failing.processBatch(ctx))

	manager := NewDLQManager(pool, 1, time.Second, nil)
	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND event_id <> $1`, eventID).Scan(&pending))
	require.Equal(t, 1, pending)

	producer := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{id: 3}, time.Millisecond, 5).processBatch(ctx))
	require.Len(t, producer.writes, 1)

	// an entry that already used its retries is quarantined instead of requeued
	_, err = pool.Exec(ctx, `INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, attempts, retry_count)
        VALUES (0, $1, 'streak_events', '{}', 'manual', 'streak', 'u', 'streak_events-value', 'u', 5, 1)`, events.TypeStreakUpdated)
	require.NoError(t, err)

	requeued, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)

	var quarantined int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)

	s.writes = append(s.writes, writtenBatch{
		topic:    topic,
		messages: copied,
	})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("fitness"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, eventType string) int64 {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"user_id":        userID,
		"current_streak": 3,
		"longest_streak": 5,
		"version":        4,
		"reason":         "transition",
		"occurred_at":    time.Now().UTC(),
	})
	require.NoError(t, err)

	var eventID int64
	err = pool.QueryRow(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         RETURNING event_id`,
		"streak", userID, eventType, "streak_events", "streak_events-value", userID, payload, uuid.NewString(),
	).Scan(&eventID)
	require.NoError(t, err)
	return eventID
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	migrationsDir := resolvePath(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one migration .up.sql file")

	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)

		if _, execErr := pool.Exec(ctx, string(contents)); execErr != nil {
			require.NoErrorf(t, execErr, "execute migration %s", file)
		}
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
