// Package memory provides in-process implementations of the streak stores for local development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"example.com/streak/internal/domain"
)

type dayKey struct {
	userID string
	day    domain.Day
}

// Store keeps day statuses and streak state in memory.
type Store struct {
	mu        sync.RWMutex
	days      map[dayKey]domain.DayRecord
	streaks   map[string]domain.StreakState
	now       func() time.Time
	overrides []Override
}

// Override is an audit entry for an admin override.
type Override struct {
	UserID  string
	Current int
	Longest int
	Reason  string
	At      time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		days:    make(map[dayKey]domain.DayRecord),
		streaks: make(map[string]domain.StreakState),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetRange implements domain.DayStatusCache.
func (s *Store) GetRange(ctx context.Context, userID string, start, end domain.Day) (map[domain.Day]domain.DayStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.Day]domain.DayStatus)
	for day := start; !day.After(end); day = day.AddDays(1) {
		if record, ok := s.days[dayKey{userID: userID, day: day}]; ok {
			out[day] = record.Status
		}
	}
	return out, nil
}

// TryCreate implements domain.DayStatusCache. An existing record only gets its timestamp touched.
func (s *Store) TryCreate(ctx context.Context, userID string, day domain.Day, status domain.DayStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey{userID: userID, day: day}
	if record, ok := s.days[key]; ok {
		record.UpdatedAt = s.now()
		s.days[key] = record
		return false, nil
	}
	s.days[key] = domain.DayRecord{UserID: userID, Day: day, Status: status, UpdatedAt: s.now()}
	return true, nil
}

// DayRecord returns the stored record for (userID, day), if any.
func (s *Store) DayRecord(userID string, day domain.Day) (domain.DayRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.days[dayKey{userID: userID, day: day}]
	return record, ok
}

// DayCount returns how many day records exist for userID.
func (s *Store) DayCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.days {
		if key.userID == userID {
			n++
		}
	}
	return n
}

// Get implements domain.StreakStore, creating a zero state on first access.
func (s *Store) Get(ctx context.Context, userID string) (domain.StreakState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.streaks[userID]
	if !ok {
		state = domain.StreakState{UserID: userID, UpdatedAt: s.now()}
		s.streaks[userID] = state
	}
	return state, nil
}

// CompareAndSwap implements domain.StreakStore.
func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, next domain.StreakState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.streaks[next.UserID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	next.Version = expectedVersion + 1
	next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.now()
	}
	s.streaks[next.UserID] = next
	return true, nil
}

// AdminOverride implements domain.StreakStore.
func (s *Store) AdminOverride(ctx context.Context, userID string, current, longest int, reason string) (domain.StreakState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.streaks[userID]
	if !ok {
		state = domain.StreakState{UserID: userID}
	}
	state.CurrentStreak = current
	state.LongestStreak = max(longest, current)
	state.Version++
	state.UpdatedAt = s.now()
	s.streaks[userID] = state

	s.overrides = append(s.overrides, Override{UserID: userID, Current: current, Longest: state.LongestStreak, Reason: reason, At: state.UpdatedAt})
	return state, nil
}

// Put seeds a streak state, bypassing the transition rules. Test helper.
func (s *Store) Put(state domain.StreakState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaks[state.UserID] = state
}

// Overrides returns the admin override audit trail, oldest first.
func (s *Store) Overrides() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Override, len(s.overrides))
	copy(out, s.overrides)
	return out
}
