package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DLQManager requeues parked outbox events with exponential backoff and quarantines entries
// that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// RunOnce processes a batch of due DLQ entries and returns how many were requeued.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range entries {
		done, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		if done {
			requeued++
		}
	}

	m.refreshBacklog(ctx)
	return requeued, err
}

// handleEntry quarantines entries out of retries and requeues the rest. It reports whether the
// entry went back to the outbox.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (bool, error) {
	if entry.RetryCount >= m.maxRetries {
		return false, m.quarantine(ctx, entry)
	}

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if err := requeueOutbox(ctx, tx, entry); err != nil {
			return &requeueError{err: err}
		}
		_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
		return err
	})

	var rqErr *requeueError
	switch {
	case errors.As(err, &rqErr):
		return false, m.reschedule(ctx, entry, rqErr.err)
	case err != nil:
		return false, err
	}

	recordDLQTransition(dlqRequeued, entry)
	m.logger.Info("dlq entry requeued",
		zap.Int64("dlq_id", entry.ID),
		zap.String("event_type", entry.EventType),
		zap.Int("retry_count", entry.RetryCount),
	)
	return true, nil
}

func (m *DLQManager) quarantine(ctx context.Context, entry dlqEntry) error {
	if _, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $2 WHERE dlq_id = $1 AND quarantined_at IS NULL`,
		entry.ID, fmt.Sprintf("retry limit %d reached: %s", m.maxRetries, entry.Reason),
	); err != nil {
		return fmt.Errorf("quarantine dlq entry %d: %w", entry.ID, err)
	}
	recordDLQTransition(dlqQuarantined, entry)
	m.logger.Warn("dlq entry quarantined",
		zap.Int64("dlq_id", entry.ID),
		zap.Int64("event_id", entry.EventID),
		zap.String("event_type", entry.EventType),
		zap.String("last_reason", entry.Reason),
	)
	return nil
}

// reschedule pushes the next attempt out by the backoff for the entry's next retry.
func (m *DLQManager) reschedule(ctx context.Context, entry dlqEntry, cause error) error {
	delay := m.backoffDelay(entry.RetryCount + 1)
	if _, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + $2::interval,
                reason = $3
          WHERE dlq_id = $1`,
		entry.ID, delay, cause.Error(),
	); err != nil {
		return fmt.Errorf("reschedule dlq entry %d: %w", entry.ID, err)
	}
	recordDLQTransition(dlqRescheduled, entry)
	m.logger.Warn("dlq requeue failed, rescheduled",
		zap.Int64("dlq_id", entry.ID),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	return nil
}

// requeueError marks a failure to insert the entry back into outbox.
type requeueError struct {
	err error
}

func (e *requeueError) Error() string { return "requeue: " + e.err.Error() }

func (e *requeueError) Unwrap() error { return e.err }

// refreshBacklog publishes the pending and quarantined DLQ sizes. Failures only leave the gauges stale.
func (m *DLQManager) refreshBacklog(ctx context.Context) {
	var pending, quarantined int
	err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FILTER (WHERE quarantined_at IS NULL),
                                        COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
                                   FROM outbox_dlq`).Scan(&pending, &quarantined)
	if err != nil {
		m.logger.Debug("dlq backlog query failed", zap.Error(err))
		return
	}
	dlqBacklog.WithLabelValues("pending").Set(float64(pending))
	dlqBacklog.WithLabelValues("quarantined").Set(float64(quarantined))
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour || delay <= 0 {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the payload into the primary outbox table with a fresh attempt budget.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := tx.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var entry dlqEntry
	err := row.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason,
		&entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount)
	return entry, err
}
