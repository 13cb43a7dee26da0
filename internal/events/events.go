package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	skafka "github.com/segmentio/kafka-go"
)

const (
	TransactionRecorded = "transaction.recorded"
	DocumentsArchived   = "documents.archived"
	DocumentsRestored   = "documents.restored"
)

// Event is the envelope published after a write commits.
type Event struct {
	Type       string    `json:"type"`
	Shop       string    `json:"shop"`
	Collection string    `json:"collection,omitempty"`
	IDs        []string  `json:"ids,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Writer is the subset of the kafka writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value any) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ string, _ any) error { return nil }

func (Noop) Close() error { return nil }

// batchTimeout bounds how long a publish waits for its batch to fill; each
// publish carries a single event, so the writer's one second default would
// delay every write by that much.
const batchTimeout = 10 * time.Millisecond

type KafkaPublisher struct {
	writer Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &skafka.Writer{
		Addr:                   skafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &skafka.Hash{},
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish writes value as JSON keyed by key. Keying by shop keeps one
// shop's events ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		log.Printf("[events] WARN: failed to marshal event: %v", err)
		return err
	}
	msg := skafka.Message{Key: []byte(key), Value: b}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("[events] WARN: kafka write error: %v", err)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
