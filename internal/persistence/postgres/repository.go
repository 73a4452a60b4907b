package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/streak/internal/domain"
	"example.com/streak/internal/events"
)

// Repository provides Postgres-backed persistence for day statuses, streak state, and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetRange returns resolved days of userID in [start, end].
func (r *Repository) GetRange(ctx context.Context, userID string, start, end domain.Day) (map[domain.Day]domain.DayStatus, error) {
	const query = `SELECT day, status FROM streak_day_status WHERE user_id=$1 AND day BETWEEN $2 AND $3`

	rows, err := r.pool.Query(ctx, query, userID, start.Time(), end.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Day]domain.DayStatus)
	for rows.Next() {
		var (
			day    time.Time
			status string
		)
		if err := rows.Scan(&day, &status); err != nil {
			return nil, err
		}
		out[domain.DayOf(day)] = domain.DayStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TryCreate inserts the day record unless one exists. Losing writers only touch updated_at.
func (r *Repository) TryCreate(ctx context.Context, userID string, day domain.Day, status domain.DayStatus) (created bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO streak_day_status (user_id, day, status, updated_at) VALUES ($1,$2,$3,$4)
         ON CONFLICT (user_id, day) DO NOTHING`,
		userID, day.Time(), string(status), now,
	)
	if err != nil {
		return false, err
	}

	if tag.RowsAffected() == 0 {
		if _, err = tx.Exec(ctx, `UPDATE streak_day_status SET updated_at=$3 WHERE user_id=$1 AND day=$2`, userID, day.Time(), now); err != nil {
			return false, err
		}
		return false, tx.Commit(ctx)
	}

	if err = insertOutbox(ctx, tx, userID, events.TypeStreakDayResolved, day.String(), events.StreakDayResolved{
		UserID:     userID,
		Day:        day.String(),
		Status:     string(status),
		OccurredAt: now,
	}); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the streak state of userID, creating the zero row on first access.
func (r *Repository) Get(ctx context.Context, userID string) (domain.StreakState, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO streak_state (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return domain.StreakState{}, err
	}

	const query = `SELECT user_id, current_streak, longest_streak, last_on_time_day, version, updated_at
        FROM streak_state WHERE user_id=$1`
	return scanState(r.pool.QueryRow(ctx, query, userID))
}

// CompareAndSwap writes next if the stored version still equals expectedVersion.
func (r *Repository) CompareAndSwap(ctx context.Context, expectedVersion int64, next domain.StreakState) (swapped bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !swapped {
			tx.Rollback(ctx)
		}
	}()

	updatedAt := next.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx,
		`UPDATE streak_state
            SET current_streak=$3, longest_streak=GREATEST($4::int, $3::int), last_on_time_day=$5, version=version+1, updated_at=$6
          WHERE user_id=$1 AND version=$2`,
		next.UserID, expectedVersion, next.CurrentStreak, next.LongestStreak, nullableDay(next.LastOnTimeDay), updatedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	version := expectedVersion + 1
	if err = insertOutbox(ctx, tx, next.UserID, events.TypeStreakUpdated, versionKey(version), events.StreakUpdated{
		UserID:        next.UserID,
		CurrentStreak: next.CurrentStreak,
		LongestStreak: max(next.LongestStreak, next.CurrentStreak),
		LastOnTimeDay: next.LastOnTimeDay.String(),
		Version:       version,
		Reason:        "transition",
		OccurredAt:    updatedAt,
	}); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AdminOverride sets the numeric streak directly and records an audit row.
func (r *Repository) AdminOverride(ctx context.Context, userID string, current, longest int, reason string) (state domain.StreakState, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.StreakState{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `INSERT INTO streak_state (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return domain.StreakState{}, err
	}

	state, err = scanState(tx.QueryRow(ctx,
		`UPDATE streak_state
            SET current_streak=$2, longest_streak=GREATEST($3::int, $2::int), version=version+1, updated_at=NOW()
          WHERE user_id=$1
      RETURNING user_id, current_streak, longest_streak, last_on_time_day, version, updated_at`,
		userID, current, longest,
	))
	if err != nil {
		return domain.StreakState{}, err
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO streak_override_audit (user_id, current_streak, longest_streak, reason) VALUES ($1,$2,$3,$4)`,
		userID, state.CurrentStreak, state.LongestStreak, reason,
	); err != nil {
		return domain.StreakState{}, err
	}

	if err = insertOutbox(ctx, tx, userID, events.TypeStreakUpdated, versionKey(state.Version), events.StreakUpdated{
		UserID:        userID,
		CurrentStreak: state.CurrentStreak,
		LongestStreak: state.LongestStreak,
		LastOnTimeDay: state.LastOnTimeDay.String(),
		Version:       state.Version,
		Reason:        "admin_override",
		OccurredAt:    state.UpdatedAt,
	}); err != nil {
		return domain.StreakState{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.StreakState{}, err
	}
	return state, nil
}

func scanState(row pgx.Row) (domain.StreakState, error) {
	var (
		state   domain.StreakState
		lastDay *time.Time
	)
	if err := row.Scan(&state.UserID, &state.CurrentStreak, &state.LongestStreak, &lastDay, &state.Version, &state.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StreakState{}, errors.New("streak state row missing after upsert")
		}
		return domain.StreakState{}, err
	}
	if lastDay != nil {
		state.LastOnTimeDay = domain.DayOf(*lastDay)
	}
	return state, nil
}

func nullableDay(day domain.Day) interface{} {
	if day.IsZero() {
		return nil
	}
	return day.Time()
}
