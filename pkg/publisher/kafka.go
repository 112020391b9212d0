package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/emerry-tsun/JMA/pkg/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka produces each post as a JSON message keyed by account.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka creates a producer for topic.
func NewKafka(brokers []string, topic string) *Kafka {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Kafka{writer: w, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, post model.Post) error {
	msg, err := postMessage(post, time.Now())
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to topic %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func postMessage(post model.Post, now time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(post)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize post: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(post.Account),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "lang", Value: []byte(post.Lang)},
			{Key: "tier", Value: []byte(post.Tier.String())},
			{Key: "published_at", Value: []byte(now.UTC().Format(time.RFC3339))},
		},
	}, nil
}
