package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/streak/internal/domain"
)

// ActivityOracle answers qualifying-activity questions from the food and exercise log tables.
// Soft-deleted logs never count.
type ActivityOracle struct {
	pool     *pgxpool.Pool
	calendar *domain.Calendar
}

// NewActivityOracle constructs an oracle that maps local days to UTC ranges with calendar.
func NewActivityOracle(pool *pgxpool.Pool, calendar *domain.Calendar) *ActivityOracle {
	return &ActivityOracle{pool: pool, calendar: calendar}
}

// HasActivity reports whether userID has a non-deleted log inside local day.
func (o *ActivityOracle) HasActivity(ctx context.Context, userID string, day domain.Day) (bool, error) {
	const query = `SELECT
            EXISTS (SELECT 1 FROM food_logs WHERE user_id=$1 AND deleted_at IS NULL AND logged_at >= $2 AND logged_at < $3)
         OR EXISTS (SELECT 1 FROM exercise_logs WHERE user_id=$1 AND deleted_at IS NULL AND logged_at >= $2 AND logged_at < $3)`

	from, until := o.calendar.Bounds(day)
	var active bool
	if err := o.pool.QueryRow(ctx, query, userID, from, until).Scan(&active); err != nil {
		return false, err
	}
	return active, nil
}

// ActiveDays returns the local days in [start, end] holding at least one non-deleted log.
func (o *ActivityOracle) ActiveDays(ctx context.Context, userID string, start, end domain.Day) (map[domain.Day]bool, error) {
	const query = `SELECT logged_at FROM food_logs WHERE user_id=$1 AND deleted_at IS NULL AND logged_at >= $2 AND logged_at < $3
        UNION ALL
        SELECT logged_at FROM exercise_logs WHERE user_id=$1 AND deleted_at IS NULL AND logged_at >= $2 AND logged_at < $3`

	from, _ := o.calendar.Bounds(start)
	_, until := o.calendar.Bounds(end)

	rows, err := o.pool.Query(ctx, query, userID, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Day]bool)
	for rows.Next() {
		var loggedAt time.Time
		if err := rows.Scan(&loggedAt); err != nil {
			return nil, err
		}
		out[o.calendar.LocalDay(loggedAt)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
