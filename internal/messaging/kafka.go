package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for the Kafka connection
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// DefaultKafkaConfig returns a configuration that waits for all in-sync
// replicas, since settlement messages must not be lost once acknowledged
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		ClientID:     "tickers",
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: int(kafka.RequireAll),
		Compression:  "snappy",
	}
}

// Producer publishes raw messages to durable topics
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// KafkaProducer implements Producer with one synchronous writer per topic
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaProducer creates a new Kafka producer
func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) *KafkaProducer {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger.Named("kafka"),
	}
}

// getWriter returns or creates the writer for topic
func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.Hash{},
		BatchTimeout: p.config.BatchTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		// the outbox relay owns retries
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: p.config.ClientID},
	}

	switch p.config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	case "none":
	default:
		writer.Compression = kafka.Snappy
	}

	p.writers[topic] = writer
	return writer
}

// Publish writes one message and waits for the broker acknowledgement. Messages
// with the same key land on the same partition, so credits for one user stay
// in order.
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.getWriter(topic).WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Failed to publish message",
			zap.String("topic", string(topic)),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes every writer
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
	}
	p.writers = make(map[Topic]*kafka.Writer)
	return firstErr
}
