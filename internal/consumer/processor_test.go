package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func framed(schemaID uint32, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	value[0] = 0
	binary.BigEndian.PutUint32(value[1:5], schemaID)
	copy(value[5:], payload)
	return value
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"activity_id":"abc"}`)
	msg := kafka.Message{
		Topic:     "activity_events",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     framed(42, payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("activity.created")},
			{Key: "schema_subject", Value: []byte("activity_events-value")},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "activity.created", handler.last.EventType)
	require.Equal(t, "activity_events-value", handler.last.SchemaSubject)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func foodLogMessage(offset int64) kafka.Message {
	return kafka.Message{
		Topic:  "food_log_events",
		Offset: offset,
		Value:  framed(99, []byte(`{"log_id":"def"}`)),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("food_log.created")},
		},
	}
}

func TestProcessorRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{messages: []kafka.Message{foodLogMessage(20), foodLogMessage(21)}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("postgres unavailable"), failFirst: 2}

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)), WithFetchBackoff(time.Millisecond)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, []int64{20, 20, 20, 21}, handler.offsets)
	require.Equal(t, []int64{20, 21}, reader.committed)
}

func TestProcessorStopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{messages: []kafka.Message{foodLogMessage(20), foodLogMessage(21)}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("postgres unavailable")}
	handler.onCall = func(calls int) {
		if calls == 2 {
			cancel()
		}
	}

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)), WithFetchBackoff(time.Millisecond)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, []int64{20, 20}, handler.offsets)
	require.Zero(t, reader.commitCalls)
	require.Equal(t, 1, reader.index, "the next message must not be fetched while the first keeps failing")
}

func TestProcessorCommitsPoisonPills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unframed := kafka.Message{Topic: "activity_events", Offset: 1, Value: []byte(`{}`),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("activity.created")}}}
	headerless := kafka.Message{Topic: "activity_events", Offset: 2, Value: framed(1, []byte(`{}`))}
	rejected := kafka.Message{Topic: "activity_events", Offset: 3, Value: framed(1, []byte(`{}`)),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("activity.created")}}}

	reader := &stubReader{messages: []kafka.Message{unframed, headerless, rejected}, after: contextCanceled}
	handler := &stubHandler{err: ErrMalformedEvent}
	unreadable := messagesCounter.WithLabelValues("activity_events", "", "malformed")
	invalid := messagesCounter.WithLabelValues("activity_events", "activity.created", "malformed")
	beforeUnreadable, beforeInvalid := testutil.ToFloat64(unreadable), testutil.ToFloat64(invalid)

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls, "only the framed message with a header reaches the handler")
	require.Equal(t, 3, reader.commitCalls)
	require.Equal(t, beforeUnreadable+2, testutil.ToFloat64(unreadable))
	require.Equal(t, beforeInvalid+1, testutil.ToFloat64(invalid))
}

func TestProcessorBacksOffAfterFetchError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{fetchErrs: []error{errors.New("broker down")}, after: contextCanceled}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithFetchBackoff(time.Millisecond)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, handler.calls)
}

type stubReader struct {
	messages    []kafka.Message
	fetchErrs   []error
	index       int
	commitCalls int
	committed   []int64
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		return kafka.Message{}, err
	}
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.commitCalls++
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

// stubHandler returns err for the first failFirst calls, or for every call when failFirst is zero.
type stubHandler struct {
	calls     int
	err       error
	failFirst int
	offsets   []int64
	last      Message
	onCall    func(calls int)
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	h.offsets = append(h.offsets, msg.Offset)
	if h.onCall != nil {
		h.onCall(h.calls)
	}
	if h.failFirst > 0 && h.calls > h.failFirst {
		return nil
	}
	return h.err
}
