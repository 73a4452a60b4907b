package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLogMirror copies consumed logs into food_logs / exercise_logs for the activity oracle.
type PostgresLogMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresLogMirror constructs a mirror backed by the provided pool.
func NewPostgresLogMirror(pool *pgxpool.Pool) *PostgresLogMirror {
	return &PostgresLogMirror{pool: pool}
}

// RecordLog implements LogRecorder. Replays of the same log id are no-ops.
func (m *PostgresLogMirror) RecordLog(ctx context.Context, kind, logID, userID string, loggedAt time.Time) error {
	var stmt string
	switch kind {
	case LogKindFood:
		stmt = `INSERT INTO food_logs (log_id, user_id, logged_at) VALUES ($1,$2,$3) ON CONFLICT (log_id) DO NOTHING`
	case LogKindExercise:
		stmt = `INSERT INTO exercise_logs (log_id, user_id, logged_at) VALUES ($1,$2,$3) ON CONFLICT (log_id) DO NOTHING`
	default:
		return fmt.Errorf("unknown log kind %q", kind)
	}

	_, err := m.pool.Exec(ctx, stmt, logID, userID, loggedAt.UTC())
	return err
}
