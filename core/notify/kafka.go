package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wispberry-tech/wispy-trust/core"
)

// DefaultTopic is the topic notifications are published to when none is configured
const DefaultTopic = "session-security-events"

// messageWriter is the subset of *kafka.Writer the notifier uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON, keyed by user id so a user's events
// stay ordered within a partition
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaNotifier creates a producer for a comma-separated broker list
func NewKafkaNotifier(brokers, topic string, logger *slog.Logger) *KafkaNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   completionLogger(logger),
	}

	logger.Info("Kafka notifier initialized", "brokers", brokers, "topic", topic)
	return &KafkaNotifier{writer: w, topic: topic, logger: logger}
}

// completionLogger reports failed asynchronous batches; WriteMessages never sees them
func completionLogger(logger *slog.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Error("Failed to publish notification",
				"topic", m.Topic,
				"user_id", string(m.Key),
				"error", err)
		}
	}
}

// Notify enqueues n on the writer. Broker failures surface through the completion log.
func (k *KafkaNotifier) Notify(ctx context.Context, n core.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
			{Key: "severity", Value: []byte(n.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close flushes pending messages and shuts down the writer
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
