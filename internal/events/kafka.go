package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes settlements to a topic keyed by owner, so one owner's
// results stay on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 200 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("failed to deliver settlement events", zap.Int("count", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaPublisher{writer: w, logger: logger}, nil
}

// EnsureTopic attempts to create the topic (best-effort).
func EnsureTopic(ctx context.Context, broker, topic string, logger *zap.Logger) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		logger.Warn("ensure topic: dial failed", zap.String("broker", broker), zap.Error(err))
		return
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		logger.Info("ensure topic: create returned error (ok if exists)", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, s Settlement) error {
	msg, err := encode(s)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(s Settlement) (kafka.Message, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode settlement: %w", err)
	}
	return kafka.Message{
		Key:   []byte(s.OwnerID),
		Value: b,
		Time:  s.ClosedAt,
	}, nil
}
