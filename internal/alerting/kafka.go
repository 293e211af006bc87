package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the notifier needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes each notification as a JSON message keyed by
// rule and subject, so one subject's alerts stay on one partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaWriter builds a synchronous writer for the alert topic.
func NewKafkaWriter(brokers []string, topic, clientID string, writeTimeout time.Duration) *kafka.Writer {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &kafka.Writer{
		Transport:    &kafka.Transport{ClientID: clientID},
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaNotifier wraps a kafka writer.
func NewKafkaNotifier(writer messageWriter, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: writer,
		topic:  topic,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

// Channel implements Channel.
func (n *KafkaNotifier) Channel() string { return "kafka" }

// Notify publishes note.
func (n *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(note.Alert.RuleID + "|" + note.Alert.Subject()),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(note.Alert.Severity)},
			{Key: "run_id", Value: []byte(note.RunID)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", n.topic, err)
	}

	n.logger.Info().Str("rule", note.Alert.RuleID).
		Str("subject", note.Alert.Subject()).
		Str("topic", n.topic).
		Msg("alert sent (kafka)")
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
