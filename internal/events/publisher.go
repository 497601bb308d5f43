// Package events publishes sync outcomes for downstream consumers
// (dashboards, reward accounting).
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// SyncCompletedEvent is emitted once per SyncAll call that reached at least one provider
type SyncCompletedEvent struct {
	EventID         string             `json:"event_id"`
	UserID          string             `json:"user_id"`
	StartDate       time.Time          `json:"start_date"`
	EndDate         time.Time          `json:"end_date"`
	Results         []model.SyncResult `json:"results"`
	TotalDataPoints int                `json:"total_data_points"`
	Succeeded       int                `json:"succeeded"`
	Failed          int                `json:"failed"`
	CompletedAt     time.Time          `json:"completed_at"`
}

// NewSyncCompletedEvent summarizes results into an event
func NewSyncCompletedEvent(userID string, start, end time.Time, results []model.SyncResult) SyncCompletedEvent {
	ev := SyncCompletedEvent{
		EventID:     uuid.New().String(),
		UserID:      userID,
		StartDate:   start,
		EndDate:     end,
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}
	for _, r := range results {
		ev.TotalDataPoints += r.DataPointCount
		if r.Success {
			ev.Succeeded++
		} else {
			ev.Failed++
		}
	}
	return ev
}

// Publisher delivers sync events
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, ev SyncCompletedEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by user ID, so one
// user's events stay ordered within a partition
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher with a synchronous, fully acknowledged writer
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	return newKafkaPublisher(writer, topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger,
	}
}

// PublishSyncCompleted encodes and writes the event
func (p *KafkaPublisher) PublishSyncCompleted(ctx context.Context, ev SyncCompletedEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: value,
		Time:  ev.CompletedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("wearable.sync.completed")},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish sync event",
			zap.Error(err),
			zap.String("topic", p.topic),
			zap.String("user_id", ev.UserID),
		)
		return fmt.Errorf("failed to publish sync event: %w", err)
	}

	p.logger.Debug("sync event published",
		zap.String("topic", p.topic),
		zap.String("event_id", ev.EventID),
		zap.String("user_id", ev.UserID),
	)
	return nil
}

// Close flushes and releases the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards events; used when no brokers are configured
type NopPublisher struct{}

func (NopPublisher) PublishSyncCompleted(context.Context, SyncCompletedEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
