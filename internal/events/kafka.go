package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/splitpay/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a topic, keyed by subject so all
// events about one escrow or ledger row land on the same partition in order.
type KafkaPublisher struct {
	w       MessageWriter
	brokers []string
}

// NewKafkaPublisher creates a synchronous writer for brokers/topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Subject),
		Value: data,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("events: write %s: %w", e.Type, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}

// PingContext dials the first reachable broker. A publisher built around a
// custom writer has no brokers and always succeeds.
func (k *KafkaPublisher) PingContext(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr != nil {
		return fmt.Errorf("events: no kafka broker reachable: %w", lastErr)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaPublisher) Close() error {
	return k.w.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
