// Package events publishes recorded hits to a message broker for downstream
// consumers. Publishing is a side channel: the counter never waits on it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Hit is the payload written for each recorded hit.
type Hit struct {
	Key    string    `json:"url"`
	Bucket string    `json:"bucket"`
	Total  int64     `json:"total"`
	At     time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, hits ...Hit) error
	Close() error
}

// BatchSize is the most hits handed to one Publish call and one Kafka batch.
const BatchSize = 100

// Kafka writes hits as JSON, keyed by counter key so a key's events stay on
// one partition.
type Kafka struct {
	writer *kafka.Writer
}

var _ Publisher = (*Kafka)(nil)

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    BatchSize,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Publish(ctx context.Context, hits ...Hit) error {
	msgs, err := Messages(hits)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Messages encodes hits the way Kafka.Publish sends them.
func Messages(hits []Hit) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(hits))
	for _, h := range hits {
		value, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("marshaling hit: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(h.Key), Value: value, Time: h.At})
	}
	return msgs, nil
}
