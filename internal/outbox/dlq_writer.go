package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// parkStmt retires an outbox row and copies the stored row into outbox_dlq in one statement.
const parkStmt = `WITH retired AS (
        UPDATE outbox
           SET published_at = NOW(), claimed_at = NULL, attempts = $2, last_error = $3
         WHERE event_id = $1 AND published_at IS NULL
     RETURNING event_id, event_type, topic, payload, aggregate_type, aggregate_id, schema_subject, partition_key, attempts
    )
    INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, attempts, next_retry_at)
    SELECT event_id, event_type, topic, payload, $3, aggregate_type, aggregate_id, schema_subject, partition_key, attempts, NOW()
      FROM retired`

// DLQWriter parks undeliverable outbox events for the DLQ manager to replay.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write parks msg with reason. Parking a row that was already published or parked is a no-op.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) (bool, error) {
	tag, err := w.pool.Exec(ctx, parkStmt, msg.EventID, msg.Attempts, reason)
	if err != nil {
		return false, fmt.Errorf("park outbox event %d: %w", msg.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
