package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/config"
)

// NotificationSender delivers user and operator messages. Implementations
// tolerate their own failures; the dispatcher only logs them.
type NotificationSender interface {
	SendUserMessage(ctx context.Context, userID int64, text string) error
	SendAdminAlert(ctx context.Context, text string) error
	// CleanupTrackedMessages removes (or degrades to an edited fallback)
	// any outward-facing chat messages tracked for the gateway order.
	CleanupTrackedMessages(ctx context.Context, gatewayOrderID string) error
}

// Dispatcher consumes settlement events and fans them out to the
// notification sender. It is the only component that talks to users about
// settlement outcomes; the engine itself never blocks on notifications.
type Dispatcher struct {
	reader   *kafka.Reader
	notifier NotificationSender
	logger   *logrus.Entry
	stopCh   chan struct{}
}

func NewDispatcher(cfg config.KafkaConfig, notifier NotificationSender, logger *logrus.Entry) *Dispatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.EventsTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})

	return &Dispatcher{
		reader:   reader,
		notifier: notifier,
		logger:   logger.WithField("component", "notification-dispatcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start consumes events until the context is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting notification dispatcher")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			d.logger.Info("Notification dispatcher stopped")
			return nil
		default:
			msg, err := d.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.WithField("error", err.Error()).Error("Failed to read event")
				continue
			}

			var event SettlementEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				d.logger.WithField("error", err.Error()).Error("Failed to unmarshal event")
				continue
			}

			d.HandleEvent(ctx, &event)
		}
	}
}

// Stop shuts the dispatcher down.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.reader.Close()
}

// HandleEvent delivers the notifications for one event. Errors are logged
// and swallowed: a blocked user or a dead chat must not affect settlement
// or the rest of the stream.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *SettlementEvent) {
	text, cleanup := d.render(event)
	if text == "" {
		d.logger.WithField("type", event.Type).Debug("Ignoring unhandled event type")
		return
	}

	if err := d.notifier.SendUserMessage(ctx, event.UserID, text); err != nil {
		d.logger.WithFields(logrus.Fields{
			"event_id": event.ID,
			"user_id":  event.UserID,
			"error":    err.Error(),
		}).Error("Failed to send user notification")
	}

	if cleanup {
		if err := d.notifier.CleanupTrackedMessages(ctx, event.GatewayOrderID); err != nil {
			d.logger.WithFields(logrus.Fields{
				"gateway_order_id": event.GatewayOrderID,
				"error":            err.Error(),
			}).Warn("Failed to clean up tracked messages")
		}
	}

	if len(event.Shortages) > 0 {
		alert := fmt.Sprintf("stock shortage on order %d (%s): %d line(s) under-delivered",
			event.OrderID, event.GatewayOrderID, len(event.Shortages))
		if err := d.notifier.SendAdminAlert(ctx, alert); err != nil {
			d.logger.WithField("error", err.Error()).Error("Failed to send shortage alert")
		}
	}
}

func (d *Dispatcher) render(event *SettlementEvent) (text string, cleanup bool) {
	switch event.Type {
	case EventTypePaymentCompleted:
		return fmt.Sprintf("Payment received. Order #%d is paid and your items have been delivered.", event.OrderID), true
	case EventTypePaymentFailed:
		return fmt.Sprintf("Payment for order #%d failed. The order has been cancelled.", event.OrderID), true
	case EventTypePaymentExpired:
		return fmt.Sprintf("Payment for order #%d expired. The order has been cancelled.", event.OrderID), true
	case EventTypeDepositCompleted:
		return fmt.Sprintf("Deposit received. %d has been credited to your balance.", event.Amount), true
	case EventTypeDepositFailed:
		return "Your deposit failed or expired. No balance was charged.", true
	default:
		return "", false
	}
}
