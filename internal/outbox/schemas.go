package outbox

import "example.com/streak/internal/events"

const streakUpdatedSchema = `{
  "type": "object",
  "title": "StreakUpdated",
  "properties": {
    "user_id": {"type": "string"},
    "current_streak": {"type": "integer", "minimum": 0},
    "longest_streak": {"type": "integer", "minimum": 0},
    "last_on_time_day": {"type": "string", "format": "date"},
    "version": {"type": "integer"},
    "reason": {"type": "string", "enum": ["transition", "admin_override"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "current_streak", "longest_streak", "version", "reason", "occurred_at"],
  "additionalProperties": false
}`

const streakDayResolvedSchema = `{
  "type": "object",
  "title": "StreakDayResolved",
  "properties": {
    "user_id": {"type": "string"},
    "day": {"type": "string", "format": "date"},
    "status": {"type": "string", "enum": ["ON_TIME", "LATE"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "day", "status", "occurred_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeStreakUpdated:     {Schema: streakUpdatedSchema},
	events.TypeStreakDayResolved: {Schema: streakDayResolvedSchema},
}
