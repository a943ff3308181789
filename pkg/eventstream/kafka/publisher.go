// Package kafka publishes memory events to a Kafka topic, keyed by memory
// id so all transitions of one memory land on the same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/eventstream"
)

const defaultWriteTimeout = 5 * time.Second

// Config holds Kafka publisher settings.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// Topic receives the events.
	Topic string

	// WriteTimeout bounds one publish. Defaults to 5s.
	WriteTimeout time.Duration
}

// Publisher writes memory events to Kafka.
type Publisher struct {
	writer *kafka.Writer
	config Config
	logger *zap.Logger
}

// NewPublisher creates a Kafka-backed eventstream publisher.
func NewPublisher(config Config, logger *zap.Logger) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &Publisher{writer: writer, config: config, logger: logger}, nil
}

// PublishMemory serializes the event as JSON and writes it keyed by memory
// id.
func (p *Publisher) PublishMemory(ctx context.Context, event *eventstream.MemoryEvent) error {
	if event == nil {
		return eventstream.ErrNilMemoryEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.WriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MemoryID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.config.Topic, err)
	}

	p.logger.Debug("memory event published",
		zap.String("event_type", event.EventType),
		zap.String("memory_id", event.MemoryID),
	)

	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
