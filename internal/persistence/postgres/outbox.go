package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"example.com/streak/internal/events"
)

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeStreakUpdated: {
		Topic:         "streak_events",
		SchemaSubject: "streak_events-value",
	},
	events.TypeStreakDayResolved: {
		Topic:         "streak_day_resolved",
		SchemaSubject: "streak_day_resolved-value",
	},
}

// insertOutbox records an event for userID inside tx. dedupeSuffix makes replays of the same fact collapse.
func insertOutbox(ctx context.Context, tx pgx.Tx, userID, eventType, dedupeSuffix string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		"streak",
		userID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		userID,
		body,
		fmt.Sprintf("%s:%s:%s", userID, eventType, dedupeSuffix),
	)
	return err
}

func versionKey(version int64) string {
	return "v" + strconv.FormatInt(version, 10)
}
