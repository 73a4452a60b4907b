//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/streak/internal/domain"
)

func TestTryCreateSingleWinnerUnderRace(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	day := domain.Day{Year: 2025, Month: time.March, Day: 3}

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan bool, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TryCreate(ctx, userID, day, domain.DayStatusOnTime)
			if err != nil {
				errs <- err
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	created := 0
	for ok := range results {
		if ok {
			created++
		}
	}
	require.Equal(t, 1, created)

	statuses, err := repo.GetRange(ctx, userID, day.AddDays(-1), day.AddDays(1))
	require.NoError(t, err)
	require.Equal(t, map[domain.Day]domain.DayStatus{day: domain.DayStatusOnTime}, statuses)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id=$1 AND event_type='streak.day_resolved'`, userID).Scan(&outboxRows))
	require.Equal(t, 1, outboxRows)
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	state, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(0), state.Version)
	require.True(t, state.LastOnTimeDay.IsZero())

	day := domain.Day{Year: 2025, Month: time.March, Day: 3}
	next := domain.Advance(state, day)

	swapped, err := repo.CompareAndSwap(ctx, state.Version, next)
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = repo.CompareAndSwap(ctx, state.Version, domain.Advance(state, day.AddDays(1)))
	require.NoError(t, err)
	require.False(t, swapped, "stale version must not overwrite")

	stored, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.CurrentStreak)
	require.Equal(t, 1, stored.LongestStreak)
	require.Equal(t, day, stored.LastOnTimeDay)
	require.Equal(t, int64(1), stored.Version)
}

func TestAdminOverrideClampsLongest(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	state, err := repo.AdminOverride(ctx, userID, 9, 4, "support ticket 12")
	require.NoError(t, err)
	require.Equal(t, 9, state.CurrentStreak)
	require.Equal(t, 9, state.LongestStreak)

	var audits int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM streak_override_audit WHERE user_id=$1`, userID).Scan(&audits))
	require.Equal(t, 1, audits)
}

func TestActivityOracleIgnoresDeletedLogs(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	calendar, err := domain.NewCalendar(8*time.Hour, nil)
	require.NoError(t, err)
	oracle := NewActivityOracle(pool, calendar)

	userID := uuid.NewString()
	// 2025-03-02T17:30Z is 2025-03-03 01:30 at UTC+8.
	loggedAt := time.Date(2025, time.March, 2, 17, 30, 0, 0, time.UTC)
	_, err = pool.Exec(ctx, `INSERT INTO food_logs (log_id, user_id, logged_at) VALUES ($1,$2,$3)`, uuid.NewString(), userID, loggedAt)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO exercise_logs (log_id, user_id, logged_at, deleted_at) VALUES ($1,$2,$3,NOW())`,
		uuid.NewString(), userID, loggedAt.Add(48*time.Hour))
	require.NoError(t, err)

	march3 := domain.Day{Year: 2025, Month: time.March, Day: 3}
	active, err := oracle.HasActivity(ctx, userID, march3)
	require.NoError(t, err)
	require.True(t, active)

	active, err = oracle.HasActivity(ctx, userID, march3.AddDays(-1))
	require.NoError(t, err)
	require.False(t, active)

	active, err = oracle.HasActivity(ctx, userID, march3.AddDays(2))
	require.NoError(t, err)
	require.False(t, active, "deleted logs must not count")

	days, err := oracle.ActiveDays(ctx, userID, march3.AddDays(-7), march3.AddDays(7))
	require.NoError(t, err)
	require.Equal(t, map[domain.Day]bool{march3: true}, days)
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("fitness"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join(resolvePath(t, "../../../db/postgres/migrations"), "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)
		_, execErr := pool.Exec(ctx, string(contents))
		require.NoErrorf(t, execErr, "execute migration %s", file)
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
