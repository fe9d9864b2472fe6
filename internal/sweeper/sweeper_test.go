package sweeper

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/config"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

type fakePaymentLister struct {
	payments []*models.Payment
	err      error
}

func (f *fakePaymentLister) ListExpired(ctx context.Context, limit int) ([]*models.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.payments) > limit {
		return f.payments[:limit], nil
	}
	return f.payments, nil
}

type fakeDepositLister struct {
	deposits []*models.Deposit
}

func (f *fakeDepositLister) ListExpired(ctx context.Context, limit int) ([]*models.Deposit, error) {
	if len(f.deposits) > limit {
		return f.deposits[:limit], nil
	}
	return f.deposits, nil
}

type fakeSettler struct {
	expiredPayments []string
	expiredDeposits []string
	failOn          map[string]error
}

func (f *fakeSettler) ExpirePayment(ctx context.Context, id string) (*models.Payment, error) {
	if err, ok := f.failOn[id]; ok {
		return nil, err
	}
	f.expiredPayments = append(f.expiredPayments, id)
	return &models.Payment{GatewayOrderID: id, Status: models.PaymentStatusFailed}, nil
}

func (f *fakeSettler) ExpireDeposit(ctx context.Context, id string) (*models.Deposit, error) {
	if err, ok := f.failOn[id]; ok {
		return nil, err
	}
	f.expiredDeposits = append(f.expiredDeposits, id)
	return &models.Deposit{GatewayOrderID: id, Status: models.PaymentStatusFailed}, nil
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testConfig() config.SweeperConfig {
	return config.SweeperConfig{
		Interval:  time.Minute,
		BatchSize: 10,
		ItemDelay: 0,
	}
}

func payment(id string) *models.Payment {
	return &models.Payment{GatewayOrderID: id, Status: models.PaymentStatusWaiting}
}

func deposit(id string) *models.Deposit {
	return &models.Deposit{GatewayOrderID: id, Status: models.PaymentStatusWaiting}
}

func TestRunOnceExpiresBoth(t *testing.T) {
	settler := &fakeSettler{}
	s := New(testConfig(),
		&fakePaymentLister{payments: []*models.Payment{payment("pay_1"), payment("pay_2")}},
		&fakeDepositLister{deposits: []*models.Deposit{deposit("dep_1")}},
		settler, nil, testLogger())

	s.RunOnce(context.Background())

	if len(settler.expiredPayments) != 2 {
		t.Errorf("Expected 2 expired payments, got %v", settler.expiredPayments)
	}
	if len(settler.expiredDeposits) != 1 {
		t.Errorf("Expected 1 expired deposit, got %v", settler.expiredDeposits)
	}
}

func TestRunOnceIsolatesItemFailures(t *testing.T) {
	settler := &fakeSettler{
		failOn: map[string]error{"pay_2": errors.New("settlement failed")},
	}
	s := New(testConfig(),
		&fakePaymentLister{payments: []*models.Payment{
			payment("pay_1"), payment("pay_2"), payment("pay_3"),
		}},
		&fakeDepositLister{},
		settler, nil, testLogger())

	s.RunOnce(context.Background())

	if len(settler.expiredPayments) != 2 {
		t.Errorf("Expected the other 2 payments expired, got %v", settler.expiredPayments)
	}
	for _, id := range settler.expiredPayments {
		if id == "pay_2" {
			t.Error("Failed item should not appear in expired list")
		}
	}
}

func TestRunOnceHonorsBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2

	settler := &fakeSettler{}
	s := New(cfg,
		&fakePaymentLister{payments: []*models.Payment{
			payment("pay_1"), payment("pay_2"), payment("pay_3"), payment("pay_4"),
		}},
		&fakeDepositLister{},
		settler, nil, testLogger())

	s.RunOnce(context.Background())

	if len(settler.expiredPayments) != 2 {
		t.Errorf("Expected batch of 2, got %v", settler.expiredPayments)
	}
}

func TestRunOnceListFailureSkipsPass(t *testing.T) {
	settler := &fakeSettler{}
	s := New(testConfig(),
		&fakePaymentLister{err: errors.New("db down")},
		&fakeDepositLister{deposits: []*models.Deposit{deposit("dep_1")}},
		settler, nil, testLogger())

	s.RunOnce(context.Background())

	// Deposits still swept even when the payment listing fails.
	if len(settler.expiredDeposits) != 1 {
		t.Errorf("Expected deposit sweep to proceed, got %v", settler.expiredDeposits)
	}
}

func TestStartStops(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond

	s := New(cfg, &fakePaymentLister{}, &fakeDepositLister{}, &fakeSettler{}, nil, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- s.Start(context.Background())
	}()

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sweeper did not stop")
	}
}
