package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithProducerLogger routes kafka-go writer errors into logger.
func WithProducerLogger(logger *zap.Logger) ProducerOption {
	return func(p *KafkaProducer) {
		p.logger = logger
	}
}

// WithBatchTimeout bounds how long a writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *KafkaProducer) {
		if d > 0 {
			p.batchTimeout = d
		}
	}
}

// KafkaProducer publishes streak events with one synchronous writer per topic.
// Records are hash-partitioned by user id so one user's events stay ordered.
type KafkaProducer struct {
	brokers      []string
	logger       *zap.Logger
	batchTimeout time.Duration

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewKafkaProducer creates a KafkaProducer for brokers.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers:      brokers,
		logger:       zap.NewNop(),
		batchTimeout: 50 * time.Millisecond,
		writers:      make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages blocks until every message is acknowledged by all in-sync replicas.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	writer, err := p.writer(topic)
	if err != nil {
		return err
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d messages to %s: %w", len(msgs), topic, err)
	}
	return nil
}

func (p *KafkaProducer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("kafka producer is closed")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	topicLogger := p.logger.With(zap.String("topic", topic)).Sugar()
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: p.batchTimeout,
		ErrorLogger:  kafka.LoggerFunc(topicLogger.Warnf),
	}
	p.writers[topic] = w
	return w, nil
}

// Close flushes and releases every writer. Later writes fail.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	p.writers = map[string]*kafka.Writer{}
	return errs
}
