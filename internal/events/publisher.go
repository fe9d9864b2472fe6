package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/config"
)

// EventType tags a settlement domain event.
type EventType string

const (
	EventTypePaymentCompleted EventType = "settlement.payment.completed"
	EventTypePaymentFailed    EventType = "settlement.payment.failed"
	EventTypePaymentExpired   EventType = "settlement.payment.expired"
	EventTypeDepositCompleted EventType = "settlement.deposit.completed"
	EventTypeDepositFailed    EventType = "settlement.deposit.failed"
)

// Shortage records an under-fulfilled line on a completed order: payment
// stands, the gap is a manual-reconciliation anomaly.
type Shortage struct {
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Delivered int   `json:"delivered"`
}

// SettlementEvent is the engine's terminal-transition announcement. The
// notification dispatcher consumes it with its own failure isolation, so a
// notification failure can never be mistaken for a settlement failure.
type SettlementEvent struct {
	ID             string     `json:"id"`
	Type           EventType  `json:"type"`
	GatewayOrderID string     `json:"gateway_order_id"`
	OrderID        int64      `json:"order_id,omitempty"`
	UserID         int64      `json:"user_id"`
	Amount         int64      `json:"amount"`
	Delivered      []string   `json:"delivered,omitempty"`
	Shortages      []Shortage `json:"shortages,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Publisher emits settlement events.
type Publisher interface {
	Publish(ctx context.Context, event *SettlementEvent) error
	Close() error
}

// KafkaPublisher publishes settlement events to Kafka, keyed by gateway
// order id so replays for one payment stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *logrus.Entry
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg config.KafkaConfig, logger *logrus.Entry) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaPublisher{
		writer: writer,
		logger: logger.WithField("component", "event-publisher"),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *SettlementEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.GatewayOrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithFields(logrus.Fields{
			"event_id":         event.ID,
			"event_type":       event.Type,
			"gateway_order_id": event.GatewayOrderID,
			"error":            err.Error(),
		}).Error("Failed to publish event")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"event_id":         event.ID,
		"event_type":       event.Type,
		"gateway_order_id": event.GatewayOrderID,
	}).Info("Event published")

	return nil
}

func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing event publisher")
	return p.writer.Close()
}

// MockPublisher records events for tests.
type MockPublisher struct {
	mu     sync.Mutex
	Events []*SettlementEvent
}

var _ Publisher = (*MockPublisher)(nil)

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, event *SettlementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// Published returns a snapshot of recorded events.
func (m *MockPublisher) Published() []*SettlementEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SettlementEvent, len(m.Events))
	copy(out, m.Events)
	return out
}
