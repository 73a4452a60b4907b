package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/streak/internal/domain"
)

type logEntry struct {
	userID   string
	loggedAt time.Time
	deleted  bool
}

// ActivityLog is an in-memory stand-in for the food and exercise log stores.
// It answers the activity oracle from non-deleted entries.
type ActivityLog struct {
	mu       sync.RWMutex
	calendar *domain.Calendar
	entries  map[string]logEntry
}

// NewActivityLog constructs an ActivityLog that maps timestamps with calendar.
func NewActivityLog(calendar *domain.Calendar) *ActivityLog {
	return &ActivityLog{calendar: calendar, entries: make(map[string]logEntry)}
}

// Add records a qualifying log and returns its id.
func (l *ActivityLog) Add(userID string, loggedAt time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.entries[id] = logEntry{userID: userID, loggedAt: loggedAt.UTC()}
	return id
}

// RecordLog stores a log under its upstream id. Replays keep the first copy.
func (l *ActivityLog) RecordLog(ctx context.Context, kind, logID, userID string, loggedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[logID]; !ok {
		l.entries[logID] = logEntry{userID: userID, loggedAt: loggedAt.UTC()}
	}
	return nil
}

// Delete soft-deletes a log.
func (l *ActivityLog) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[id]; ok {
		entry.deleted = true
		l.entries[id] = entry
	}
}

// HasActivity implements domain.ActivityOracle.
func (l *ActivityLog) HasActivity(ctx context.Context, userID string, day domain.Day) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.entries {
		if entry.userID == userID && !entry.deleted && l.calendar.LocalDay(entry.loggedAt) == day {
			return true, nil
		}
	}
	return false, nil
}

// ActiveDays implements domain.RangeOracle.
func (l *ActivityLog) ActiveDays(ctx context.Context, userID string, start, end domain.Day) (map[domain.Day]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[domain.Day]bool)
	for _, entry := range l.entries {
		if entry.userID != userID || entry.deleted {
			continue
		}
		day := l.calendar.LocalDay(entry.loggedAt)
		if !day.Before(start) && !day.After(end) {
			out[day] = true
		}
	}
	return out, nil
}
