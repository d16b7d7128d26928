package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/smallbiznis/paysync/internal/config"
)

var ErrPublisherDisabled = errors.New("publisher_disabled")

// Publisher delivers relayed outbox messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// KafkaPublisher produces messages synchronously, waiting for the delivery report.
type KafkaPublisher struct {
	producer *kafka.Producer
	log      *zap.Logger
	wait     time.Duration
	done     chan struct{}
}

func NewKafkaPublisher(cfg config.KafkaConfig, log *zap.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, ErrPublisherDisabled
	}
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"client.id":          cfg.ClientID,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	wait := cfg.DeliveryWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	p := &KafkaPublisher{
		producer: producer,
		log:      log.Named("events.kafka"),
		wait:     wait,
		done:     make(chan struct{}),
	}
	go p.drainEvents()
	return p, nil
}

func (p *KafkaPublisher) drainEvents() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.producer.Events():
			if !ok {
				return
			}
			if kerr, isErr := ev.(kafka.Error); isErr {
				p.log.Warn("kafka producer error", zap.Error(kerr), zap.Bool("fatal", kerr.IsFatal()))
			}
		}
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	topic := msg.Topic
	deliveries := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.Key),
		Value:          msg.Value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "correlation_id", Value: []byte(msg.CorrelationID)},
		},
	}, deliveries)
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case ev := <-deliveries:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
		}
		return nil
	case <-timer.C:
		return errors.New("delivery_timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaPublisher) Close() {
	if p == nil {
		return
	}
	remaining := p.producer.Flush(int(p.wait.Milliseconds()))
	if remaining > 0 {
		p.log.Warn("kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}
	close(p.done)
	p.producer.Close()
}

type disabledPublisher struct{}

func (disabledPublisher) Publish(context.Context, Message) error { return ErrPublisherDisabled }
func (disabledPublisher) Close()                                 {}
