package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/storefront/api/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher publishes order lifecycle events to a Kafka topic keyed by order id.
type KafkaOrderEventPublisher struct {
	writer  messageWriter
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

var _ services.OrderEventPublisher = (*KafkaOrderEventPublisher)(nil)

// KafkaConfig describes the brokers and topic for the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafkaOrderEventPublisher builds a hash-balanced writer so every event for an order lands on the
// same partition.
func NewKafkaOrderEventPublisher(cfg KafkaConfig) (*KafkaOrderEventPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if b := strings.TrimSpace(broker); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka order event publisher: at least one broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka order event publisher: topic is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return newKafkaOrderEventPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: timeout,
	}), nil
}

func newKafkaOrderEventPublisher(writer messageWriter) *KafkaOrderEventPublisher {
	return &KafkaOrderEventPublisher{
		writer:  writer,
		marshal: json.Marshal,
		now:     time.Now,
	}
}

// PublishOrderEvent writes the event synchronously.
func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order event publisher: not initialised")
	}
	message := newOrderEventMessage(event)
	if message.Type == "" || message.OrderID == "" {
		return errors.New("kafka order event publisher: event type and order id are required")
	}

	data, err := p.marshal(message)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := message.attributes()
	headers := make([]kafka.Header, 0, len(attrs))
	for _, key := range []string{"eventType", "orderId", "orderNumber", "status"} {
		if value, ok := attrs[key]; ok {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(message.OrderID),
		Value:   data,
		Headers: headers,
		Time:    p.now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish order event %s: %w", message.Type, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
