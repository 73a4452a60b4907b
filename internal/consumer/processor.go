// Package consumer turns logging events from Kafka into streak completion events.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a message that can never be handled. It is committed and counted instead of retried.
var ErrMalformedEvent = errors.New("malformed event")

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Confluent-framed Kafka record.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithFetchBackoff sets the pause after a failed fetch.
func WithFetchBackoff(d time.Duration) Option {
	return func(p *Processor) {
		p.fetchBackoff = d
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader       Reader
	handler      Handler
	logger       *zap.Logger
	fetchBackoff time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:       reader,
		handler:      handler,
		logger:       zap.NewNop(),
		fetchBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
// A failing message is retried in place, so nothing after it on the partition is committed first.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("fetch failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr == nil {
			decodeErr = p.handle(ctx, event)
			if decodeErr != nil && !errors.Is(decodeErr, ErrMalformedEvent) {
				// cancelled mid-retry; the message stays uncommitted
				return decodeErr
			}
		}
		if decodeErr != nil {
			p.logger.Warn("dropping malformed message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr),
			)
			recordMalformed(msg.Topic, event.EventType)
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Warn("commit after decode failure failed", zap.Error(commitErr))
			}
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Warn("commit failed", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(commitErr))
		} else {
			recordProcessed(event)
		}
	}
}

// handle calls the handler until it succeeds, reports the event malformed, or ctx ends.
func (p *Processor) handle(ctx context.Context, event Message) error {
	for {
		err := p.handler.Handle(ctx, event)
		if err == nil || errors.Is(err, ErrMalformedEvent) {
			return err
		}
		p.logger.Error("handler failed, retrying",
			zap.String("event_type", event.EventType),
			zap.String("topic", event.Topic),
			zap.Int64("offset", event.Offset),
			zap.Error(err),
		)
		recordHandlerError(event)

		p.sleep(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	if p.fetchBackoff <= 0 {
		return
	}
	timer := time.NewTimer(p.fetchBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) < 5 || msg.Value[0] != 0 {
		return Message{}, fmt.Errorf("%w: not confluent framed (length %d)", ErrMalformedEvent, len(msg.Value))
	}

	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, fmt.Errorf("%w: missing event_type header", ErrMalformedEvent)
	}
	schemaSubject, _ := headerValue(msg, "schema_subject")

	schemaID := int(binary.BigEndian.Uint32(msg.Value[1:5]))
	payload := json.RawMessage(append([]byte(nil), msg.Value[5:]...))

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       payload,
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
