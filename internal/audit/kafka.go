package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the optional audit mirror topic.
type KafkaConfig struct {
	Brokers string `envconfig:"KAFKA_BROKERS" json:"brokers"`
	Topic   string `envconfig:"KAFKA_AUDIT_TOPIC" json:"topic"`
}

// DefaultKafkaConfig leaves the mirror disabled; set brokers to enable it.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{Topic: "scheduling-audit"}
}

// Publisher mirrors audit events to Kafka. A nil or unconfigured publisher
// is inert.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher returns nil when no brokers are configured.
func NewPublisher(cfg KafkaConfig, logger *slog.Logger) *Publisher {
	if strings.TrimSpace(cfg.Brokers) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Publisher{writer: w, logger: logger}
}

// Active reports whether the mirror is configured.
func (p *Publisher) Active() bool {
	return p != nil && p.writer != nil
}

// PublishAsync writes the event in a goroutine with its own timeout so the
// recording path never waits on the broker. Failures are logged and dropped;
// the database row is the source of truth.
func (p *Publisher) PublishAsync(ev Event) {
	if !p.Active() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		value, err := json.Marshal(ev)
		if err != nil {
			p.logger.Warn("audit mirror marshal failed", "error", err)
			return
		}
		msg := kafka.Message{
			Key:   []byte(ev.ConversationID),
			Value: value,
			Time:  ev.CreatedAt,
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.logger.Warn("audit mirror publish failed", "event_type", ev.EventType, "error", err)
		}
	}()
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if !p.Active() {
		return nil
	}
	return p.writer.Close()
}
