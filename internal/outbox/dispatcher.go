// Package outbox delivers streak events recorded in the outbox table to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	// claimLease is how long a claimed row stays invisible to other dispatchers.
	claimLease = 30 * time.Second
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// errUnknownSchema marks rows that can never be delivered.
var errUnknownSchema = errors.New("no schema metadata")

// Option configures optional behaviour for the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMaxAttempts sets how many delivery attempts a row gets before it is parked in outbox_dlq.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// Dispatcher drains the outbox table and delivers events to Kafka using Schema Registry metadata.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	registry         schemaRegistrar
	dlq              *DLQWriter
	logger           *zap.Logger
	pollInterval     time.Duration
	batchSize        int
	maxAttempts      int
	schemaIDCache    sync.Map
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		dlq:              NewDLQWriter(pool),
		logger:           zap.NewNop(),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		maxAttempts:      defaultMaxAttempts,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox batch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	deliverable := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if _, ok := schemaCatalog[msg.EventType]; !ok {
			reason := fmt.Sprintf("%v for event_type=%s", errUnknownSchema, msg.EventType)
			if err := d.park(ctx, msg, reason); err != nil {
				return err
			}
			continue
		}
		deliverable = append(deliverable, msg)
	}
	if len(deliverable) == 0 {
		return nil
	}

	if err := d.deliver(ctx, deliverable); err != nil {
		d.logger.Warn("outbox delivery failed", zap.Int("events", len(deliverable)), zap.Error(err))
		failedCounter.Add(float64(len(deliverable)))
		return d.recordFailure(ctx, deliverable, err.Error())
	}

	deliveredCounter.Add(float64(len(deliverable)))
	return d.markPublished(ctx, deliverable)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (messages []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, attempts
        FROM outbox
        WHERE published_at IS NULL
          AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize, claimLease)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &msg.Payload, &msg.Attempts); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches := make(map[string][]kafka.Message)

	for _, msg := range messages {
		schemaID, err := d.schemaID(ctx, msg)
		if err != nil {
			return err
		}

		record := kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(schemaID, msg.Payload),
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
			},
		}
		batches[msg.Topic] = append(batches[msg.Topic], record)
	}

	for topic, batch := range batches {
		if err := d.producer.WriteMessages(ctx, topic, batch...); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) schemaID(ctx context.Context, msg Message) (int, error) {
	meta := schemaCatalog[msg.EventType]
	cacheKey := msg.SchemaSubject + "::" + meta.Schema
	if cached, ok := d.schemaIDCache.Load(cacheKey); ok {
		return cached.(int), nil
	}

	id, err := d.registry.EnsureSchema(ctx, msg.SchemaSubject, meta.Schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDCache.Store(cacheKey, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW(), claimed_at = NULL WHERE event_id = ANY($1)`, ids)
	return err
}

// recordFailure releases the claim on each row so the next poll retries it, parking rows out of attempts.
func (d *Dispatcher) recordFailure(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		msg.Attempts++
		if msg.Attempts >= d.maxAttempts {
			if err := d.park(ctx, msg, fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)); err != nil {
				return err
			}
			continue
		}
		if _, err := d.pool.Exec(ctx,
			`UPDATE outbox SET attempts = $2, last_error = $3, claimed_at = NULL WHERE event_id = $1`,
			msg.EventID, msg.Attempts, reason,
		); err != nil {
			return err
		}
	}
	return nil
}

// park copies msg into outbox_dlq and retires the outbox row in one transaction.
func (d *Dispatcher) park(ctx context.Context, msg Message, reason string) error {
	parked, err := d.dlq.Write(ctx, msg, reason)
	if err != nil {
		return err
	}
	if !parked {
		return nil
	}
	dlqCounter.WithLabelValues(msg.Topic).Inc()
	d.logger.Warn("outbox event parked in dlq",
		zap.Int64("event_id", msg.EventID),
		zap.String("event_type", msg.EventType),
		zap.Int("attempts", msg.Attempts),
		zap.String("reason", reason),
	)
	return nil
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
	Attempts      int
}

// encodeWireFormat applies Confluent framing for Schema Registry aware payloads.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}
