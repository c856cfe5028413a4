package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"riskwatch/internal/logger"
	"riskwatch/internal/models"
)

// Consumer errors
var (
	ErrConsumerClosed = errors.New("consumer is closed")
	ErrNoBrokers      = errors.New("at least one broker is required")
	ErrNoTopic        = errors.New("topic is required")
)

// ConsumerConfig configures a single-topic consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// Consumer reads one Kafka topic and converts each message into a wire frame
type Consumer struct {
	cfg    ConsumerConfig
	reader *kafka.Reader
	closed atomic.Bool

	// Metrics
	messagesRead atomic.Uint64
	bytesRead    atomic.Uint64
}

// NewConsumer creates a consumer for cfg.Topic. With a GroupID offsets are
// committed by the group; without one the reader starts at the newest offset.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Topic == "" {
		return nil, ErrNoTopic
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.LastOffset,
	})

	log := logger.WithTopic("kafka_consumer", cfg.Topic)
	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("group_id", cfg.GroupID).
		Msg("kafka consumer initialized")

	return &Consumer{cfg: cfg, reader: reader}, nil
}

// Topic returns the consumed topic
func (c *Consumer) Topic() string { return c.cfg.Topic }

// ReadFrame blocks until the next message arrives or ctx is done
func (c *Consumer) ReadFrame(ctx context.Context) (models.Frame, error) {
	if c.closed.Load() {
		return models.Frame{}, ErrConsumerClosed
	}

	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if c.closed.Load() {
			return models.Frame{}, ErrConsumerClosed
		}
		return models.Frame{}, fmt.Errorf("read %s: %w", c.cfg.Topic, err)
	}

	c.messagesRead.Add(1)
	c.bytesRead.Add(uint64(len(msg.Value)))
	return FrameFromMessage(msg), nil
}

// FrameFromMessage converts a Kafka message into a relay frame. A value that
// is not JSON is carried as a JSON string.
func FrameFromMessage(msg kafka.Message) models.Frame {
	partition := msg.Partition
	offset := msg.Offset

	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	value := json.RawMessage(msg.Value)
	if len(msg.Value) == 0 || !json.Valid(msg.Value) {
		// Marshal of a string cannot fail
		value, _ = json.Marshal(string(msg.Value))
	}

	f := models.Frame{
		Topic:     msg.Topic,
		Partition: &partition,
		Offset:    &offset,
		Timestamp: models.FormatTimestamp(ts),
		Key:       string(msg.Key),
		Value:     value,
	}
	if len(msg.Headers) > 0 {
		f.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			f.Headers[h.Key] = string(h.Value)
		}
	}
	return f
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}
	return c.reader.Close()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	rs := c.reader.Stats()
	return ConsumerStats{
		MessagesRead: c.messagesRead.Load(),
		BytesRead:    c.bytesRead.Load(),
		Lag:          rs.Lag,
		Errors:       rs.Errors,
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	MessagesRead uint64
	BytesRead    uint64
	Lag          int64
	Errors       int64
}

// HealthCheck verifies that at least one broker accepts connections
func HealthCheck(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return ErrNoBrokers
	}

	var errs []error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		conn.Close()
		return nil
	}
	return errors.Join(errs...)
}
