// Package events defines the event payloads the streak service consumes and publishes.
package events

import "time"

// Event types carried in the event_type header.
const (
	TypeActivityCreated   = "activity.created"
	TypeFoodLogCreated    = "food_log.created"
	TypeStreakUpdated     = "streak.updated"
	TypeStreakDayResolved = "streak.day_resolved"
)

// ActivityCreated is emitted by the activity service when an exercise log is accepted.
type ActivityCreated struct {
	ActivityID   string    `json:"activity_id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	ActivityType string    `json:"activity_type"`
	StartedAt    time.Time `json:"started_at"`
	DurationMin  int       `json:"duration_min"`
	Source       string    `json:"source"`
	Version      string    `json:"version"`
}

// FoodLogCreated is emitted by the nutrition logging module when a food log is committed.
type FoodLogCreated struct {
	LogID    string    `json:"log_id"`
	UserID   string    `json:"user_id"`
	LoggedAt time.Time `json:"logged_at"`
	Source   string    `json:"source,omitempty"`
}

// StreakUpdated is published whenever a user's numeric streak is persisted.
type StreakUpdated struct {
	UserID        string    `json:"user_id"`
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	LastOnTimeDay string    `json:"last_on_time_day,omitempty"`
	Version       int64     `json:"version"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// StreakDayResolved is published when a day is first resolved as ON_TIME or LATE.
type StreakDayResolved struct {
	UserID     string    `json:"user_id"`
	Day        string    `json:"day"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}
