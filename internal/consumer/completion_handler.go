package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/streak/internal/domain"
	"example.com/streak/internal/events"
)

// Log kinds understood by a LogRecorder.
const (
	LogKindFood     = "food"
	LogKindExercise = "exercise"
)

// Completer is the calculator entry point driven by consumed events.
type Completer interface {
	OnQualifyingActivity(ctx context.Context, userID string, day domain.Day) (domain.CompletionOutcome, error)
	Calendar() *domain.Calendar
}

// LogRecorder mirrors a committed log into the store the activity oracle reads. Must be idempotent by logID.
type LogRecorder interface {
	RecordLog(ctx context.Context, kind, logID, userID string, loggedAt time.Time) error
}

// CompletionHandler converts activity.created and food_log.created events into completion events.
// Other event types are acknowledged and ignored.
type CompletionHandler struct {
	completer Completer
	recorder  LogRecorder
	logger    *zap.Logger
}

// NewCompletionHandler constructs a handler. recorder may be nil when the oracle reads the
// logging modules' tables directly.
func NewCompletionHandler(completer Completer, recorder LogRecorder, logger *zap.Logger) *CompletionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionHandler{completer: completer, recorder: recorder, logger: logger}
}

// Handle implements Handler.
func (h *CompletionHandler) Handle(ctx context.Context, msg Message) error {
	var (
		kind, logID, userID string
		loggedAt            time.Time
	)

	switch msg.EventType {
	case events.TypeActivityCreated:
		var payload events.ActivityCreated
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		kind, logID, userID, loggedAt = LogKindExercise, payload.ActivityID, payload.UserID, payload.StartedAt
	case events.TypeFoodLogCreated:
		var payload events.FoodLogCreated
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		kind, logID, userID, loggedAt = LogKindFood, payload.LogID, payload.UserID, payload.LoggedAt
	default:
		h.logger.Debug("ignoring event", zap.String("event_type", msg.EventType))
		return nil
	}

	if strings.TrimSpace(userID) == "" || loggedAt.IsZero() {
		return fmt.Errorf("%w: %s without user_id or timestamp", ErrMalformedEvent, msg.EventType)
	}
	if _, err := uuid.Parse(logID); err != nil {
		return fmt.Errorf("%w: %s log id %q: %v", ErrMalformedEvent, msg.EventType, logID, err)
	}

	if h.recorder != nil {
		if err := h.recorder.RecordLog(ctx, kind, logID, userID, loggedAt); err != nil {
			return fmt.Errorf("record %s log: %w", kind, err)
		}
	}

	day := h.completer.Calendar().LocalDay(loggedAt)
	outcome, err := h.completer.OnQualifyingActivity(ctx, userID, day)
	if err != nil {
		return err
	}

	recordCompletion(msg.EventType, string(outcome))
	h.logger.Debug("completion applied",
		zap.String("event_type", msg.EventType),
		zap.String("user_id", userID),
		zap.Stringer("day", day),
		zap.String("outcome", string(outcome)),
	)
	return nil
}
