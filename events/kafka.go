package events

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/warp/jobsheet-engine/shop"
)

// Publisher delivers one outbox message.
type Publisher interface {
	Publish(ctx context.Context, msg shop.OutboxMessage) error
	Close() error
}

// KafkaPublisher writes outbox messages to Kafka, keyed so that all events
// of one job or party land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg shop.OutboxMessage) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
