// Package domain defines the streak tracking engine.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWriteConflict is returned when a streak update keeps losing to concurrent writers. Retryable.
	ErrWriteConflict = errors.New("streak state update conflicted with concurrent writers")
	// ErrDependencyUnavailable wraps transient oracle or storage failures.
	ErrDependencyUnavailable = errors.New("streak dependency unavailable")
	// ErrInvalidArgument flags malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DayStatus is the resolved outcome of a local day.
type DayStatus string

const (
	DayStatusNone   DayStatus = "NONE"
	DayStatusOnTime DayStatus = "ON_TIME"
	DayStatusLate   DayStatus = "LATE"
)

// Color maps a status to its display color.
func (s DayStatus) Color() string {
	switch s {
	case DayStatusOnTime:
		return "GREEN"
	case DayStatusLate:
		return "YELLOW"
	default:
		return "NONE"
	}
}

// Resolved reports whether s is a status that may be cached.
func (s DayStatus) Resolved() bool {
	return s == DayStatusOnTime || s == DayStatusLate
}

// DayRecord is a cached resolution for (user, day).
type DayRecord struct {
	UserID    string
	Day       Day
	Status    DayStatus
	UpdatedAt time.Time
}

// StreakState is the persisted numeric streak of a user.
type StreakState struct {
	UserID        string
	CurrentStreak int
	LongestStreak int
	// LastOnTimeDay is zero when the user never had an on-time day.
	LastOnTimeDay Day
	// Version increments on every write and guards CompareAndSwap.
	Version   int64
	UpdatedAt time.Time
}

// DayEntry is one slot of a 7-day window.
type DayEntry struct {
	Day    Day
	Status DayStatus
}

// WindowView is the 7-day status window ending at EndDay.
type WindowView struct {
	EndDay Day
	Week   [7]DayEntry
}

// SummaryView is the default streak view for a user.
type SummaryView struct {
	CurrentStreak int
	LongestStreak int
	Week          [7]DayEntry
}

// ActivityOracle answers whether a user had qualifying activity on a local day.
type ActivityOracle interface {
	HasActivity(ctx context.Context, userID string, day Day) (bool, error)
}

// RangeOracle is optionally implemented by oracles able to answer for a whole range at once.
type RangeOracle interface {
	ActiveDays(ctx context.Context, userID string, start, end Day) (map[Day]bool, error)
}

// DayStatusCache stores resolved days. Absence means unresolved.
type DayStatusCache interface {
	GetRange(ctx context.Context, userID string, start, end Day) (map[Day]DayStatus, error)
	TryCreate(ctx context.Context, userID string, day Day, status DayStatus) (bool, error)
}

// StreakStore persists StreakState. Only the Calculator writes through it.
type StreakStore interface {
	Get(ctx context.Context, userID string) (StreakState, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, next StreakState) (bool, error)
	AdminOverride(ctx context.Context, userID string, current, longest int, reason string) (StreakState, error)
}

// Advance applies the on-time transition for day to state and returns the next state.
// Applying it twice for the same day, or for a day before LastOnTimeDay, is a no-op.
func Advance(state StreakState, day Day) StreakState {
	if state.LastOnTimeDay == day || day.Before(state.LastOnTimeDay) {
		return state
	}
	next := state
	if !state.LastOnTimeDay.IsZero() && state.LastOnTimeDay.AddDays(1) == day {
		next.CurrentStreak = state.CurrentStreak + 1
	} else {
		next.CurrentStreak = 1
	}
	next.LongestStreak = max(state.LongestStreak, next.CurrentStreak)
	next.LastOnTimeDay = day
	return next
}
