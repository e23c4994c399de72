package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

// Outbox is the claim/ack surface of the notification queue.
type Outbox interface {
	Claim(ctx context.Context, limit int) ([]model.Notification, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// StatusNotification is the wire shape delivered to the sink.
type StatusNotification struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier drains the notification outbox into Kafka. Delivery is
// at-least-once: a failed publish returns the row to unsent for the next
// drain cycle.
type Notifier struct {
	logger        *zap.Logger
	kafkaProducer *kafka.Producer
	kafkaTopic    string
	outbox        Outbox
	interval      time.Duration
	mu            sync.Mutex // Protects concurrent access to publishing operations
}

func NewNotifier(kafkaBroker, kafkaTopic string, logger *zap.Logger, outbox Outbox) (*Notifier, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Notifier{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		outbox:        outbox,
		interval:      3 * time.Second,
	}, nil
}

func (n *Notifier) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.publishUnsent(ctx); err != nil {
				n.logger.Error("Error publishing notifications to Kafka", zap.Error(err))
			}
		}
	}
}

func (n *Notifier) publishUnsent(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	notifications, err := n.outbox.Claim(ctx, 100)
	if err != nil {
		return err
	}

	successCount := 0
	for _, notification := range notifications {
		if err := n.publishToKafka(notification); err != nil {
			n.logger.Error("Failed to publish notification",
				zap.Int64("id", notification.ID),
				zap.String("order_id", notification.OrderID),
				zap.Error(err))
			if markErr := n.outbox.MarkFailed(ctx, notification.ID); markErr != nil {
				n.logger.Error("Failed to mark notification as failed",
					zap.Int64("id", notification.ID), zap.Error(markErr))
			}
			continue
		}

		if err := n.outbox.MarkSent(ctx, notification.ID); err != nil {
			n.logger.Error("Failed to mark notification as sent",
				zap.Int64("id", notification.ID), zap.Error(err))
			// Note: the notification went out but marking failed; the next
			// drain re-sends it, which subscribers must tolerate.
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		n.logger.Info("Published notifications",
			zap.Int("success_count", successCount),
			zap.Int("attempted", len(notifications)))
	}

	return nil
}

func (n *Notifier) publishToKafka(notification model.Notification) error {
	msg := StatusNotification{
		OrderID:   notification.OrderID,
		UserID:    notification.UserID,
		Status:    string(notification.Status),
		Reason:    notification.Reason,
		Timestamp: notification.CreatedAt,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err = n.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &n.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(notification.OrderID), // per-order ordering in the sink
		Value:          msgBytes,
	}, deliveryChan)
	if err != nil {
		return err
	}

	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (n *Notifier) Close() error {
	if n.kafkaProducer != nil {
		n.kafkaProducer.Close()
	}
	return nil
}
