package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"example.com/streak/internal/observability"
)

const (
	// DefaultMaxAttempts bounds compare-and-swap retries on streak state.
	DefaultMaxAttempts = 5
	// DefaultReconcileDays is how far back Reconcile looks, today included.
	DefaultReconcileDays = 365
	windowDays           = 7
)

// CompletionOutcome describes what a completion event did.
type CompletionOutcome string

const (
	OutcomeIgnoredFuture CompletionOutcome = "ignored_future"
	OutcomeDuplicate     CompletionOutcome = "duplicate"
	OutcomeLate          CompletionOutcome = "late"
	OutcomeOnTime        CompletionOutcome = "on_time"
)

// Option configures optional behaviour for the Calculator.
type Option func(*Calculator)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Calculator) {
		c.logger = logger
	}
}

// WithMaxAttempts overrides the compare-and-swap retry bound.
func WithMaxAttempts(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithReconcileDays overrides the reconcile lookback.
func WithReconcileDays(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.reconcileDays = n
		}
	}
}

// Calculator derives, caches, and maintains per-user streaks.
type Calculator struct {
	cache         DayStatusCache
	store         StreakStore
	oracle        ActivityOracle
	calendar      *Calendar
	logger        *zap.Logger
	maxAttempts   int
	reconcileDays int
}

// NewCalculator wires the calculator to its collaborators.
func NewCalculator(cache DayStatusCache, store StreakStore, oracle ActivityOracle, calendar *Calendar, opts ...Option) *Calculator {
	c := &Calculator{
		cache:         cache,
		store:         store,
		oracle:        oracle,
		calendar:      calendar,
		logger:        zap.NewNop(),
		maxAttempts:   DefaultMaxAttempts,
		reconcileDays: DefaultReconcileDays,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calendar exposes the local-day conversion used by the calculator.
func (c *Calculator) Calendar() *Calendar {
	return c.calendar
}

// OnQualifyingActivity records that userID logged qualifying activity for day.
// It must be called after the log is durably committed.
func (c *Calculator) OnQualifyingActivity(ctx context.Context, userID string, day Day) (CompletionOutcome, error) {
	if err := validateUser(userID); err != nil {
		return "", err
	}
	if day.IsZero() {
		return "", fmt.Errorf("%w: day is required", ErrInvalidArgument)
	}

	today := c.calendar.Today()
	if day.After(today) {
		c.logger.Debug("ignoring completion for future day", zap.String("user_id", userID), zap.Stringer("day", day))
		observability.RecordCompletion(string(OutcomeIgnoredFuture))
		return OutcomeIgnoredFuture, nil
	}

	status := DayStatusLate
	if day == today {
		status = DayStatusOnTime
	}

	created, err := c.cache.TryCreate(ctx, userID, day, status)
	if err != nil {
		return "", unavailable("resolve day", err)
	}
	if !created {
		if status == DayStatusOnTime {
			// An earlier attempt may have cached today and then failed to store the transition.
			// Advance is a no-op once last_on_time_day is today.
			if _, err := c.advance(ctx, userID, day); err != nil {
				return "", err
			}
		}
		observability.RecordCompletion(string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}
	if status == DayStatusLate {
		observability.RecordCompletion(string(OutcomeLate))
		return OutcomeLate, nil
	}

	if _, err := c.advance(ctx, userID, day); err != nil {
		return "", err
	}
	observability.RecordCompletion(string(OutcomeOnTime))
	return OutcomeOnTime, nil
}

// Summary returns the displayed current streak, the longest streak, and the week ending today.
// Storage is only mutated when today turns out to have activity that no event reported yet.
func (c *Calculator) Summary(ctx context.Context, userID string) (SummaryView, error) {
	if err := validateUser(userID); err != nil {
		return SummaryView{}, err
	}

	state, err := c.store.Get(ctx, userID)
	if err != nil {
		return SummaryView{}, unavailable("load streak", err)
	}

	today := c.calendar.Today()
	displayed := state.CurrentStreak
	switch state.LastOnTimeDay {
	case today, today.AddDays(-1):
		// alive; yesterday is still inside the grace window
	default:
		active, err := c.hasActivity(ctx, userID, today)
		if err != nil {
			return SummaryView{}, err
		}
		if active {
			state, err = c.resolveToday(ctx, userID, today)
			if err != nil {
				return SummaryView{}, err
			}
			displayed = state.CurrentStreak
		} else {
			displayed = 0
		}
	}

	window, err := c.Window(ctx, userID, today)
	if err != nil {
		return SummaryView{}, err
	}

	return SummaryView{
		CurrentStreak: displayed,
		LongestStreak: state.LongestStreak,
		Week:          window.Week,
	}, nil
}

// Window returns the statuses of [end-6, end]. Past days found active are cached as LATE;
// the streak state is never touched.
func (c *Calculator) Window(ctx context.Context, userID string, end Day) (WindowView, error) {
	if err := validateUser(userID); err != nil {
		return WindowView{}, err
	}
	if end.IsZero() {
		return WindowView{}, fmt.Errorf("%w: end day is required", ErrInvalidArgument)
	}

	start := end.AddDays(-(windowDays - 1))
	cached, err := c.cache.GetRange(ctx, userID, start, end)
	if err != nil {
		return WindowView{}, unavailable("load day statuses", err)
	}

	today := c.calendar.Today()
	view := WindowView{EndDay: end}
	for i := range view.Week {
		day := start.AddDays(i)
		status, ok := cached[day]
		if !ok {
			status, err = c.resolveUncached(ctx, userID, day, today)
			if err != nil {
				return WindowView{}, err
			}
		}
		view.Week[i] = DayEntry{Day: day, Status: status}
	}
	return view, nil
}

type actorKey struct{}

// WithActor attaches the subject performing a privileged operation to ctx for audit logging.
func WithActor(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, actorKey{}, subject)
}

// ActorFrom returns the subject set by WithActor, or "unknown".
func ActorFrom(ctx context.Context) string {
	if subject, ok := ctx.Value(actorKey{}).(string); ok && subject != "" {
		return subject
	}
	return "unknown"
}

// AdminOverride sets the numeric streak directly. longest is clamped up to current.
func (c *Calculator) AdminOverride(ctx context.Context, userID string, current, longest int, reason string) (StreakState, error) {
	if err := validateUser(userID); err != nil {
		return StreakState{}, err
	}
	if current < 0 || longest < 0 {
		return StreakState{}, fmt.Errorf("%w: streak values must be non-negative", ErrInvalidArgument)
	}
	if strings.TrimSpace(reason) == "" {
		return StreakState{}, fmt.Errorf("%w: override reason is required", ErrInvalidArgument)
	}

	previous, err := c.store.Get(ctx, userID)
	if err != nil {
		return StreakState{}, unavailable("load streak", err)
	}
	state, err := c.store.AdminOverride(ctx, userID, current, max(longest, current), reason)
	if err != nil {
		return StreakState{}, unavailable("override streak", err)
	}
	c.logger.Warn("streak overridden",
		zap.String("actor", ActorFrom(ctx)),
		zap.String("user_id", userID),
		zap.Int("previous_current", previous.CurrentStreak),
		zap.Int("previous_longest", previous.LongestStreak),
		zap.Int("current_streak", state.CurrentStreak),
		zap.Int("longest_streak", state.LongestStreak),
		zap.String("reason", reason),
	)
	observability.RecordOverride()
	observability.RecordStreakUpdated(state.UpdatedAt)
	return state, nil
}

// Reconcile rebuilds the streak from day statuses over the lookback window, resolving
// uncached days through the oracle first. Safe to re-run.
func (c *Calculator) Reconcile(ctx context.Context, userID string) (StreakState, error) {
	if err := validateUser(userID); err != nil {
		return StreakState{}, err
	}

	today := c.calendar.Today()
	oldest := today.AddDays(-(c.reconcileDays - 1))

	statuses, err := c.cache.GetRange(ctx, userID, oldest, today)
	if err != nil {
		return StreakState{}, unavailable("load day statuses", err)
	}

	active, err := c.activeDays(ctx, userID, oldest, today, statuses)
	if err != nil {
		return StreakState{}, err
	}

	for day := today; !day.Before(oldest); day = day.AddDays(-1) {
		if _, ok := statuses[day]; ok || !active[day] {
			continue
		}
		status := DayStatusLate
		if day == today {
			status = DayStatusOnTime
		}
		resolved, err := c.cacheResolution(ctx, userID, day, status)
		if err != nil {
			return StreakState{}, err
		}
		statuses[day] = resolved
	}

	replayed := StreakState{UserID: userID}
	for day := oldest; !day.After(today); day = day.AddDays(1) {
		if statuses[day] == DayStatusOnTime {
			replayed = Advance(replayed, day)
		}
	}

	state, err := c.swap(ctx, userID, func(current StreakState) StreakState {
		next := current
		next.CurrentStreak = replayed.CurrentStreak
		next.LastOnTimeDay = replayed.LastOnTimeDay
		next.LongestStreak = max(current.LongestStreak, replayed.LongestStreak, replayed.CurrentStreak)
		return next
	})
	if err != nil {
		return StreakState{}, err
	}

	observability.RecordReconcile()
	c.logger.Info("streak reconciled",
		zap.String("user_id", userID),
		zap.Int("current_streak", state.CurrentStreak),
		zap.Int("longest_streak", state.LongestStreak),
		zap.Stringer("last_on_time_day", state.LastOnTimeDay),
	)
	return state, nil
}

// resolveToday applies the on-time transition for today on behalf of a read.
func (c *Calculator) resolveToday(ctx context.Context, userID string, today Day) (StreakState, error) {
	status, err := c.cacheResolution(ctx, userID, today, DayStatusOnTime)
	if err != nil {
		return StreakState{}, err
	}
	if status != DayStatusOnTime {
		state, err := c.store.Get(ctx, userID)
		if err != nil {
			return StreakState{}, unavailable("load streak", err)
		}
		return state, nil
	}
	return c.advance(ctx, userID, today)
}

func (c *Calculator) resolveUncached(ctx context.Context, userID string, day, today Day) (DayStatus, error) {
	if day.After(today) {
		return DayStatusNone, nil
	}

	active, err := c.hasActivity(ctx, userID, day)
	if err != nil {
		return "", err
	}
	if !active {
		return DayStatusNone, nil
	}
	if day == today {
		return DayStatusOnTime, nil
	}

	status, err := c.cacheResolution(ctx, userID, day, DayStatusLate)
	if err != nil {
		return "", err
	}
	if status == DayStatusLate {
		observability.RecordLateResolved()
	}
	return status, nil
}

// cacheResolution creates the day record if absent and returns whatever status is stored afterwards.
func (c *Calculator) cacheResolution(ctx context.Context, userID string, day Day, status DayStatus) (DayStatus, error) {
	created, err := c.cache.TryCreate(ctx, userID, day, status)
	if err != nil {
		return "", unavailable("resolve day", err)
	}
	if created {
		return status, nil
	}

	stored, err := c.cache.GetRange(ctx, userID, day, day)
	if err != nil {
		return "", unavailable("load day status", err)
	}
	if existing, ok := stored[day]; ok {
		return existing, nil
	}
	return status, nil
}

func (c *Calculator) hasActivity(ctx context.Context, userID string, day Day) (bool, error) {
	active, err := c.oracle.HasActivity(ctx, userID, day)
	observability.RecordOracleLookup(active, err)
	if err != nil {
		return false, unavailable("query activity oracle", err)
	}
	return active, nil
}

// activeDays answers the oracle for every day in [start, end] missing from known.
func (c *Calculator) activeDays(ctx context.Context, userID string, start, end Day, known map[Day]DayStatus) (map[Day]bool, error) {
	if ranged, ok := c.oracle.(RangeOracle); ok {
		active, err := ranged.ActiveDays(ctx, userID, start, end)
		observability.RecordOracleLookup(len(active) > 0, err)
		if err != nil {
			return nil, unavailable("query activity oracle", err)
		}
		return active, nil
	}

	active := make(map[Day]bool)
	for day := end; !day.Before(start); day = day.AddDays(-1) {
		if _, ok := known[day]; ok {
			continue
		}
		ok, err := c.hasActivity(ctx, userID, day)
		if err != nil {
			return nil, err
		}
		if ok {
			active[day] = true
		}
	}
	return active, nil
}

func (c *Calculator) advance(ctx context.Context, userID string, day Day) (StreakState, error) {
	return c.swap(ctx, userID, func(current StreakState) StreakState {
		return Advance(current, day)
	})
}

// swap applies mutate under optimistic concurrency, retrying a bounded number of times.
func (c *Calculator) swap(ctx context.Context, userID string, mutate func(StreakState) StreakState) (StreakState, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		current, err := c.store.Get(ctx, userID)
		if err != nil {
			return StreakState{}, unavailable("load streak", err)
		}

		next := mutate(current)
		next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
		if next == current {
			return current, nil
		}
		next.UpdatedAt = c.calendar.Now()

		swapped, err := c.store.CompareAndSwap(ctx, current.Version, next)
		if err != nil {
			return StreakState{}, unavailable("store streak", err)
		}
		if swapped {
			next.Version = current.Version + 1
			observability.RecordStreakUpdated(next.UpdatedAt)
			return next, nil
		}

		observability.RecordConflict()
		c.logger.Debug("streak state conflict", zap.String("user_id", userID), zap.Int("attempt", attempt))
	}

	c.logger.Warn("streak state update gave up after repeated conflicts", zap.String("user_id", userID), zap.Int("attempts", c.maxAttempts))
	return StreakState{}, ErrWriteConflict
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrDependencyUnavailable) || errors.Is(err, ErrWriteConflict) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDependencyUnavailable, err)
}
