package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/config"
	"github.com/botmart/botmart-settlement-service/internal/database"
	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/metrics"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// lockName guards the sweep so only one instance works a batch at a time.
const lockName = "settlement:sweeper"

// PaymentLister returns overdue payments, oldest deadline first.
type PaymentLister interface {
	ListExpired(ctx context.Context, limit int) ([]*models.Payment, error)
}

// DepositLister returns overdue deposits, oldest deadline first.
type DepositLister interface {
	ListExpired(ctx context.Context, limit int) ([]*models.Deposit, error)
}

// Settler drives expiry transitions. Both methods are idempotent, so a
// record swept twice settles once and no-ops the second time.
type Settler interface {
	ExpirePayment(ctx context.Context, gatewayOrderID string) (*models.Payment, error)
	ExpireDeposit(ctx context.Context, gatewayOrderID string) (*models.Deposit, error)
}

// Locker serializes sweeps across instances.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (*database.Lock, error)
}

// Sweeper periodically expires overdue payments and deposits. Each item is
// settled independently; one failure is logged and the pass moves on.
type Sweeper struct {
	payments PaymentLister
	deposits DepositLister
	settler  Settler
	locker   Locker
	logger   *logrus.Entry

	interval  time.Duration
	batchSize int
	itemDelay time.Duration

	stopCh chan struct{}
}

func New(cfg config.SweeperConfig, payments PaymentLister, deposits DepositLister,
	settler Settler, locker Locker, logger *logrus.Entry) *Sweeper {
	return &Sweeper{
		payments:  payments,
		deposits:  deposits,
		settler:   settler,
		locker:    locker,
		logger:    logger.WithField("component", "expiry-sweeper"),
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		itemDelay: cfg.ItemDelay,
		stopCh:    make(chan struct{}),
	}
}

// Start runs sweep passes on the configured interval until the context is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"interval":   s.interval,
		"batch_size": s.batchSize,
	}).Info("Starting expiry sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop shuts the sweeper down.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// RunOnce performs a single sweep pass under the advisory lock. When another
// instance holds the lock the pass is skipped; its batch will be picked up by
// whoever sweeps next.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s.locker != nil {
		lock, err := s.locker.TryAcquire(ctx, lockName)
		if err != nil {
			if errors.Is(err, domain.ErrLockNotAcquired) {
				s.logger.Debug("Another instance is sweeping, skipping pass")
				return
			}
			s.logger.WithField("error", err.Error()).Error("Failed to acquire sweep lock")
			return
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				s.logger.WithField("error", err.Error()).Warn("Failed to release sweep lock")
			}
		}()
	}

	swept := s.sweepPayments(ctx)
	swept += s.sweepDeposits(ctx)
	metrics.SweepBatchSize.Observe(float64(swept))

	if swept > 0 {
		s.logger.WithField("swept", swept).Info("Sweep pass finished")
	}
}

func (s *Sweeper) sweepPayments(ctx context.Context) int {
	expired, err := s.payments.ListExpired(ctx, s.batchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to list expired payments")
		return 0
	}

	for i, payment := range expired {
		if i > 0 {
			s.pause(ctx)
		}
		if _, err := s.settler.ExpirePayment(ctx, payment.GatewayOrderID); err != nil {
			metrics.SweepItemsTotal.WithLabelValues("error").Inc()
			s.logger.WithFields(logrus.Fields{
				"gateway_order_id": payment.GatewayOrderID,
				"error":            err.Error(),
			}).Error("Failed to expire payment")
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues("expired").Inc()
	}
	return len(expired)
}

func (s *Sweeper) sweepDeposits(ctx context.Context) int {
	expired, err := s.deposits.ListExpired(ctx, s.batchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to list expired deposits")
		return 0
	}

	for i, deposit := range expired {
		if i > 0 {
			s.pause(ctx)
		}
		if _, err := s.settler.ExpireDeposit(ctx, deposit.GatewayOrderID); err != nil {
			metrics.SweepItemsTotal.WithLabelValues("error").Inc()
			s.logger.WithFields(logrus.Fields{
				"gateway_order_id": deposit.GatewayOrderID,
				"error":            err.Error(),
			}).Error("Failed to expire deposit")
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues("expired").Inc()
	}
	return len(expired)
}

// pause spaces out settlement calls so a large backlog cannot saturate the
// pool in one burst.
func (s *Sweeper) pause(ctx context.Context) {
	if s.itemDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.itemDelay):
	}
}
