package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// batchIDHeader is the message header carrying the producer-assigned batch
// identifier. When absent, the identifier is taken from the body, and as a
// last resort derived deterministically from the message position so the
// same redelivered message always yields the same idempotency key.
const batchIDHeader = "batch_id"

// KafkaConsumerConfig holds configuration for the Kafka consumer adapter.
type KafkaConsumerConfig struct {
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	GroupID         string        `yaml:"groupId"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	MaxWait         time.Duration `yaml:"maxWait"`
}

// LoadKafkaConsumerConfigFromEnv loads Kafka consumer configuration from
// environment variables.
func LoadKafkaConsumerConfigFromEnv() (*KafkaConsumerConfig, error) {
	cfg := &KafkaConsumerConfig{
		Topic:           os.Getenv("KAFKA_TOPIC"),
		GroupID:         os.Getenv("KAFKA_GROUP_ID"),
		DeadLetterTopic: os.Getenv("KAFKA_DEAD_LETTER_TOPIC"),
		MaxWait:         time.Second,
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Brokers = strings.Split(brokers, ",")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS environment variable not set")
	}
	if cfg.Topic == "" {
		cfg.Topic = "naia.datapoints"
	}
	if cfg.GroupID == "" {
		return nil, errors.New("KAFKA_GROUP_ID environment variable not set")
	}
	return cfg, nil
}

// KafkaConsumer implements MessageConsumer on a Kafka consumer group.
//
// Offsets are committed only through Commit: the reader is configured for
// synchronous commits and never auto-advances. Isolation is restricted to
// committed records, and a fresh consumer group starts from the earliest
// retained record, relying on the idempotency layer to absorb the replay.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger zerolog.Logger
}

// NewKafkaConsumer creates a consumer group member for the configured topic.
func NewKafkaConsumer(cfg *KafkaConsumerConfig, logger zerolog.Logger) (*KafkaConsumer, error) {
	if cfg == nil {
		return nil, errors.New("kafka consumer config cannot be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer config: Brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka consumer config: Topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer config: GroupID is required")
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        maxWait,
		StartOffset:    kafka.FirstOffset,
		IsolationLevel: kafka.ReadCommitted,
		// CommitInterval zero makes CommitMessages synchronous; the
		// pipeline depends on commits being durable when Commit returns.
		CommitInterval: 0,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Msg("Kafka consumer initialized")

	return &KafkaConsumer{
		reader: reader,
		logger: logger.With().Str("component", "KafkaConsumer").Logger(),
	}, nil
}

// Consume polls for the next message. A poll timeout yields (nil, nil). A
// message whose body fails to decode yields a context with Err set and the
// positional metadata intact; the position is not committed.
func (c *KafkaConsumer) Consume(ctx context.Context, timeout time.Duration) (*ConsumeContext, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.reader.FetchMessage(pollCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetching message: %w", err)
	}

	cc := &ConsumeContext{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Raw:       msg.Value,
	}

	batch, decodeErr := DecodeDataPointBatch(msg.Value)
	if decodeErr != nil {
		cc.Err = fmt.Errorf("%w: %w", ErrBatchMalformed, decodeErr)
	} else {
		cc.Batch = batch
	}
	cc.BatchID = batchIDFor(msg, batch)

	c.logger.Debug().
		Int("partition", cc.Partition).
		Int64("offset", cc.Offset).
		Str("batch_id", cc.BatchID).
		Msg("Fetched message")
	return cc, nil
}

// Commit advances the consumer group position past the given message. The
// broker records offset+1 for that partition.
func (c *KafkaConsumer) Commit(ctx context.Context, cc *ConsumeContext) error {
	if cc == nil {
		return errors.New("cannot commit a nil consume context")
	}
	err := c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     cc.Topic,
		Partition: cc.Partition,
		Offset:    cc.Offset,
	})
	if err != nil {
		return fmt.Errorf("committing offset %d on partition %d: %w", cc.Offset, cc.Partition, err)
	}
	return nil
}

// Close leaves the consumer group and releases the partition claims.
func (c *KafkaConsumer) Close() error {
	c.logger.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}

// batchIDFor resolves the idempotency key for a message: header first, then
// the body's batchId, then a UUID derived from the message position.
func batchIDFor(msg kafka.Message, batch *DataPointBatch) string {
	for _, h := range msg.Headers {
		if h.Key == batchIDHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	if batch != nil && batch.BatchID != "" {
		return batch.BatchID
	}
	position := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(position)).String()
}

// DeadLetterPublisher forwards unprocessable messages to a side topic so
// they cannot block the main stream.
type DeadLetterPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewDeadLetterPublisher creates a publisher for the given dead-letter topic.
func NewDeadLetterPublisher(brokers []string, topic string, logger zerolog.Logger) (*DeadLetterPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("dead letter publisher: brokers is required")
	}
	if topic == "" {
		return nil, errors.New("dead letter publisher: topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &DeadLetterPublisher{
		writer: writer,
		logger: logger.With().Str("component", "DeadLetterPublisher").Logger(),
	}, nil
}

// Publish forwards the raw payload of the failed message, annotated with the
// failure reason and its original position.
func (p *DeadLetterPublisher) Publish(ctx context.Context, cc *ConsumeContext, reason string) error {
	msg := kafka.Message{
		Key:   cc.Key,
		Value: cc.Raw,
		Headers: []kafka.Header{
			{Key: "dead-letter-reason", Value: []byte(reason)},
			{Key: "origin-topic", Value: []byte(cc.Topic)},
			{Key: "origin-partition", Value: []byte(fmt.Sprintf("%d", cc.Partition))},
			{Key: "origin-offset", Value: []byte(fmt.Sprintf("%d", cc.Offset))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing to dead letter topic: %w", err)
	}
	p.logger.Warn().
		Str("batch_id", cc.BatchID).
		Str("reason", reason).
		Msg("Message forwarded to dead letter topic")
	return nil
}

// Close closes the dead-letter producer.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
