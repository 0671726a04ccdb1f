package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
)

// Publisher delivers balance change events to a broker
type Publisher interface {
	Publish(ctx context.Context, event *entities.BalanceChangedEvent) error
	Close() error
}

// RedisStreamPublisher appends events to a Redis stream with XADD
type RedisStreamPublisher struct {
	client redis.StreamCmdable
	stream string
}

// NewRedisStreamPublisher creates a publisher writing to stream
func NewRedisStreamPublisher(client redis.StreamCmdable, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream}
}

// Publish adds the event as a stream entry keyed by user
func (p *RedisStreamPublisher) Publish(ctx context.Context, event *entities.BalanceChangedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"key":     event.UserID.String(),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd error: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the container
func (p *RedisStreamPublisher) Close() error {
	return nil
}

// KafkaPublisher writes events to a Kafka topic
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Publish writes one message keyed by user id so a user's events stay ordered
func (p *KafkaPublisher) Publish(ctx context.Context, event *entities.BalanceChangedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID.String()),
		Value: payload,
		Time:  event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("kafka write error: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards events
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(context.Context, *entities.BalanceChangedEvent) error { return nil }

// Close does nothing
func (NopPublisher) Close() error { return nil }

// NewPublisher builds the broker publisher selected by cfg.Driver
func NewPublisher(cfg config.EventsConfig, redisClient redis.StreamCmdable) (Publisher, error) {
	switch cfg.Driver {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("events driver redis requires a redis client")
		}
		return NewRedisStreamPublisher(redisClient, cfg.Stream), nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "none", "":
		return NopPublisher{}, nil
	}
	return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
}
