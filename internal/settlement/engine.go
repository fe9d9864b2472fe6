package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/database"
	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/events"
	"github.com/botmart/botmart-settlement-service/internal/gateway"
	"github.com/botmart/botmart-settlement-service/internal/inventory"
	"github.com/botmart/botmart-settlement-service/internal/metrics"
	"github.com/botmart/botmart-settlement-service/internal/models"
	"github.com/botmart/botmart-settlement-service/internal/repository"
)

const (
	paymentIDPrefix = "pay_"
	depositIDPrefix = "dep_"
)

// AlertSender raises operator alerts. Optional; a nil sender only logs.
type AlertSender interface {
	SendAdminAlert(ctx context.Context, text string) error
}

// Invoice is the result of a successful invoice creation: the persisted
// rows plus the gateway's payable details.
type Invoice struct {
	Order   *models.Order   `json:"order,omitempty"`
	Payment *models.Payment `json:"payment,omitempty"`
	Deposit *models.Deposit `json:"deposit,omitempty"`

	PaymentNumber string    `json:"payment_number"`
	PayURL        string    `json:"pay_url"`
	QRPayload     string    `json:"qr_payload"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Engine owns every settlement transition. All terminal flips happen under
// the payment or deposit row lock taken by GetForUpdateTx, which makes each
// transition exactly-once: replays observe a terminal row and no-op.
type Engine struct {
	db        *sql.DB
	orders    *repository.OrderRepository
	payments  *repository.PaymentRepository
	deposits  *repository.DepositRepository
	users     *repository.UserRepository
	products  *repository.ProductRepository
	allocator *inventory.Allocator
	gateway   gateway.Client
	publisher events.Publisher
	alerts    AlertSender
	fees      FeeSchedule
	logger    *logrus.Entry

	alertThreshold int
	failureMu      sync.Mutex
	failureStreak  int
}

// Deps bundles the engine's collaborators.
type Deps struct {
	DB        *sql.DB
	Orders    *repository.OrderRepository
	Payments  *repository.PaymentRepository
	Deposits  *repository.DepositRepository
	Users     *repository.UserRepository
	Products  *repository.ProductRepository
	Allocator *inventory.Allocator
	Gateway   gateway.Client
	Publisher events.Publisher
	Alerts    AlertSender
	Fees      FeeSchedule

	// AlertThreshold is the consecutive gateway failure count that raises
	// one operator alert per crossing. Zero disables alerting.
	AlertThreshold int
}

func NewEngine(deps Deps, logger *logrus.Entry) *Engine {
	fees := deps.Fees
	if fees == nil {
		fees = DefaultFees()
	}
	return &Engine{
		db:             deps.DB,
		orders:         deps.Orders,
		payments:       deps.Payments,
		deposits:       deps.Deposits,
		users:          deps.Users,
		products:       deps.Products,
		allocator:      deps.Allocator,
		gateway:        deps.Gateway,
		publisher:      deps.Publisher,
		alerts:         deps.Alerts,
		fees:           fees,
		alertThreshold: deps.AlertThreshold,
		logger:         logger.WithField("component", "settlement-engine"),
	}
}

// CreateInvoice checks out a cart: captures current catalog prices, persists
// the order, its items and a created payment in one transaction, then
// registers the invoice with the gateway. Prices are read inside the same
// transaction that writes the rows, so a concurrent catalog change cannot
// split a checkout across two price points. If gateway registration fails,
// the fresh payment is marked failed and its order cancelled rather than
// left created with no expiry, which would strand it outside the sweeper's
// reach.
func (e *Engine) CreateInvoice(ctx context.Context, userID int64, cart []models.CartLine, method models.PaymentMethod) (*Invoice, error) {
	if len(cart) == 0 {
		return nil, domain.ErrEmptyCart
	}
	if !models.ValidMethod(method) {
		return nil, domain.NewValidationError("method", fmt.Sprintf("unsupported payment method %q", method))
	}
	for _, line := range cart {
		if line.Quantity <= 0 {
			return nil, domain.NewValidationError("quantity",
				fmt.Sprintf("product %d: quantity must be positive", line.ProductID))
		}
	}

	gatewayOrderID := paymentIDPrefix + uuid.NewString()

	var order *models.Order
	var payment *models.Payment

	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var total int64
		captured := make([]models.OrderItem, 0, len(cart))
		for _, line := range cart {
			product, err := e.products.GetTx(ctx, tx, line.ProductID)
			if err != nil {
				return err
			}
			captured = append(captured, models.OrderItem{
				ProductID: product.ID,
				Quantity:  line.Quantity,
				UnitPrice: product.Price,
			})
			total += product.Price * int64(line.Quantity)
		}

		var err error
		order, err = e.orders.CreateTx(ctx, tx, userID, total)
		if err != nil {
			return err
		}
		for i := range captured {
			captured[i].OrderID = order.ID
			if err := e.orders.AddItemTx(ctx, tx, &captured[i]); err != nil {
				return err
			}
		}

		fee := e.fees.Fee(method, total)
		payment = &models.Payment{
			GatewayOrderID: gatewayOrderID,
			OrderID:        order.ID,
			Method:         method,
			Status:         models.PaymentStatusCreated,
			Amount:         total,
			Fee:            fee,
			TotalPayable:   total + fee,
		}
		return e.payments.CreateTx(ctx, tx, payment)
	})
	if err != nil {
		return nil, err
	}

	txn, err := e.gateway.CreateTransaction(ctx, &gateway.CreateTransactionRequest{
		Method:         method,
		GatewayOrderID: gatewayOrderID,
		Amount:         payment.TotalPayable,
	})
	if err != nil {
		e.recordGatewayFailure(ctx)
		e.abandonInvoice(ctx, gatewayOrderID)
		return nil, fmt.Errorf("register invoice %s: %w", gatewayOrderID, err)
	}
	e.resetGatewayFailures()

	if err := e.payments.ActivateInvoice(ctx, gatewayOrderID, txn.ExpiredAt); err != nil {
		return nil, err
	}
	payment.Status = models.PaymentStatusWaiting
	payment.ExpiresAt = &txn.ExpiredAt

	e.logger.WithFields(logrus.Fields{
		"gateway_order_id": gatewayOrderID,
		"order_id":         order.ID,
		"user_id":          userID,
		"total_payable":    payment.TotalPayable,
	}).Info("Invoice created")

	return &Invoice{
		Order:         order,
		Payment:       payment,
		PaymentNumber: txn.PaymentNumber,
		PayURL:        txn.PayURL,
		QRPayload:     txn.QRPayload,
		ExpiresAt:     txn.ExpiredAt,
	}, nil
}

// abandonInvoice closes out a freshly created payment whose gateway
// registration failed. No event is published; the caller already sees the
// error synchronously and nothing was ever payable.
func (e *Engine) abandonInvoice(ctx context.Context, gatewayOrderID string) {
	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		payment, err := e.payments.GetForUpdateTx(ctx, tx, gatewayOrderID)
		if err != nil {
			return err
		}
		if payment.Status.Terminal() {
			return nil
		}
		if err := e.payments.MarkStatusTx(ctx, tx, payment.ID, payment.Status, models.PaymentStatusFailed); err != nil {
			return err
		}
		return e.orders.MarkCancelledTx(ctx, tx, payment.OrderID)
	})
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"error":            err.Error(),
		}).Error("Failed to abandon unregistered invoice")
	}
}

// MarkPaymentCompleted settles a gateway confirmation. Under the payment row
// lock it verifies the amount, flips payment and order terminal, then after
// commit allocates inventory and publishes the completed event. Calling it
// again for a terminal payment is a logged no-op returning the settled row.
func (e *Engine) MarkPaymentCompleted(ctx context.Context, gatewayOrderID string, confirmedAmount int64) (*models.Payment, error) {
	var payment *models.Payment
	replay := false

	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		replay = false

		var err error
		payment, err = e.payments.GetForUpdateTx(ctx, tx, gatewayOrderID)
		if err != nil {
			return err
		}
		if payment.Status.Terminal() {
			replay = true
			return nil
		}
		if confirmedAmount != payment.TotalPayable {
			metrics.AmountConflictsTotal.Inc()
			return &domain.AmountMismatchError{
				GatewayOrderID: gatewayOrderID,
				Stored:         payment.TotalPayable,
				Confirmed:      confirmedAmount,
			}
		}
		if err := e.payments.MarkStatusTx(ctx, tx, payment.ID, payment.Status, models.PaymentStatusCompleted); err != nil {
			return err
		}
		return e.orders.MarkPaidTx(ctx, tx, payment.OrderID)
	})
	if err != nil {
		return nil, err
	}

	if replay {
		metrics.ReplaysTotal.WithLabelValues("payment").Inc()
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"status":           payment.Status,
		}).Info("Payment already terminal, completion replayed")
		return payment, nil
	}
	payment.Status = models.PaymentStatusCompleted
	metrics.SettlementsTotal.WithLabelValues("payment", "completed").Inc()

	delivered, shortages := e.fulfill(ctx, payment.OrderID)

	order, err := e.orders.GetByID(ctx, payment.OrderID)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"order_id": payment.OrderID,
			"error":    err.Error(),
		}).Error("Failed to load order for completion event")
		return payment, nil
	}

	e.publish(ctx, &events.SettlementEvent{
		Type:           events.EventTypePaymentCompleted,
		GatewayOrderID: gatewayOrderID,
		OrderID:        order.ID,
		UserID:         order.UserID,
		Amount:         payment.Amount,
		Delivered:      delivered,
		Shortages:      shortages,
	})

	e.logger.WithFields(logrus.Fields{
		"gateway_order_id": gatewayOrderID,
		"order_id":         order.ID,
		"delivered":        len(delivered),
		"shortages":        len(shortages),
	}).Info("Payment completed")

	return payment, nil
}

// fulfill allocates content units for every line of the paid order. Each line
// runs in its own transaction so one broken product cannot roll back the
// delivery of the others. An under-filled line is recorded as a shortage; the
// settlement stands and the gap is reconciled manually.
func (e *Engine) fulfill(ctx context.Context, orderID int64) ([]string, []events.Shortage) {
	items, err := e.orders.ItemsByOrder(ctx, orderID)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"error":    err.Error(),
		}).Error("Failed to load order items for fulfillment")
		return nil, nil
	}

	var delivered []string
	var shortages []events.Shortage

	for _, item := range items {
		var units []models.ContentUnit
		err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
			var err error
			units, err = e.allocator.ClaimTx(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			for _, unit := range units {
				if err := e.allocator.ConsumeTx(ctx, tx, unit.ID, orderID); err != nil {
					return err
				}
			}
			if len(units) > 0 {
				return e.products.IncrementSoldTx(ctx, tx, item.ProductID, len(units))
			}
			return nil
		})
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"order_id":   orderID,
				"product_id": item.ProductID,
				"error":      err.Error(),
			}).Error("Fulfillment failed for order line")
			units = nil
		}

		for _, unit := range units {
			delivered = append(delivered, unit.Payload)
		}
		metrics.UnitsAllocatedTotal.Add(float64(len(units)))
		e.allocator.InvalidateStock(ctx, item.ProductID)

		if len(units) < item.Quantity {
			metrics.StockShortagesTotal.Inc()
			shortages = append(shortages, events.Shortage{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Delivered: len(units),
			})
			e.logger.WithFields(logrus.Fields{
				"order_id":   orderID,
				"product_id": item.ProductID,
				"requested":  item.Quantity,
				"delivered":  len(units),
			}).Warn("Stock shortage on paid order")
		}
	}

	return delivered, shortages
}

// MarkPaymentFailed settles a gateway failure callback.
func (e *Engine) MarkPaymentFailed(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	return e.failPayment(ctx, gatewayOrderID, events.EventTypePaymentFailed)
}

// ExpirePayment settles a payment whose deadline passed without confirmation.
// Same transition as a failure, announced as an expiry.
func (e *Engine) ExpirePayment(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	return e.failPayment(ctx, gatewayOrderID, events.EventTypePaymentExpired)
}

func (e *Engine) failPayment(ctx context.Context, gatewayOrderID string, eventType events.EventType) (*models.Payment, error) {
	var payment *models.Payment
	replay := false

	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		replay = false

		var err error
		payment, err = e.payments.GetForUpdateTx(ctx, tx, gatewayOrderID)
		if err != nil {
			return err
		}
		if payment.Status.Terminal() {
			replay = true
			return nil
		}
		if err := e.payments.MarkStatusTx(ctx, tx, payment.ID, payment.Status, models.PaymentStatusFailed); err != nil {
			return err
		}
		return e.orders.MarkCancelledTx(ctx, tx, payment.OrderID)
	})
	if err != nil {
		return nil, err
	}

	if replay {
		metrics.ReplaysTotal.WithLabelValues("payment").Inc()
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"status":           payment.Status,
		}).Info("Payment already terminal, failure replayed")
		return payment, nil
	}
	payment.Status = models.PaymentStatusFailed
	metrics.SettlementsTotal.WithLabelValues("payment", "failed").Inc()

	// No inventory to restore: units are only consumed on completion, and
	// completion and failure are mutually exclusive under the row lock.

	order, err := e.orders.GetByID(ctx, payment.OrderID)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"order_id": payment.OrderID,
			"error":    err.Error(),
		}).Error("Failed to load order for failure event")
		return payment, nil
	}

	e.publish(ctx, &events.SettlementEvent{
		Type:           eventType,
		GatewayOrderID: gatewayOrderID,
		OrderID:        order.ID,
		UserID:         order.UserID,
		Amount:         payment.Amount,
	})

	e.logger.WithFields(logrus.Fields{
		"gateway_order_id": gatewayOrderID,
		"order_id":         order.ID,
		"event":            eventType,
	}).Info("Payment failed")

	return payment, nil
}

// CreateDepositInvoice registers a balance top-up attempt with the gateway.
func (e *Engine) CreateDepositInvoice(ctx context.Context, userID, amount int64, method models.PaymentMethod) (*Invoice, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "deposit amount must be positive")
	}
	if !models.ValidMethod(method) {
		return nil, domain.NewValidationError("method", fmt.Sprintf("unsupported payment method %q", method))
	}
	if _, err := e.users.Balance(ctx, userID); err != nil {
		return nil, err
	}

	gatewayOrderID := depositIDPrefix + uuid.NewString()
	fee := e.fees.Fee(method, amount)

	deposit := &models.Deposit{
		GatewayOrderID: gatewayOrderID,
		UserID:         userID,
		Method:         method,
		Status:         models.PaymentStatusCreated,
		Amount:         amount,
		Fee:            fee,
		TotalPayable:   amount + fee,
	}

	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return e.deposits.CreateTx(ctx, tx, deposit)
	})
	if err != nil {
		return nil, err
	}

	txn, err := e.gateway.CreateTransaction(ctx, &gateway.CreateTransactionRequest{
		Method:         method,
		GatewayOrderID: gatewayOrderID,
		Amount:         deposit.TotalPayable,
	})
	if err != nil {
		e.recordGatewayFailure(ctx)
		e.abandonDeposit(ctx, gatewayOrderID)
		return nil, fmt.Errorf("register deposit %s: %w", gatewayOrderID, err)
	}
	e.resetGatewayFailures()

	if err := e.deposits.ActivateInvoice(ctx, gatewayOrderID, txn.ExpiredAt); err != nil {
		return nil, err
	}
	deposit.Status = models.PaymentStatusWaiting
	deposit.ExpiresAt = &txn.ExpiredAt

	e.logger.WithFields(logrus.Fields{
		"gateway_order_id": gatewayOrderID,
		"user_id":          userID,
		"total_payable":    deposit.TotalPayable,
	}).Info("Deposit invoice created")

	return &Invoice{
		Deposit:       deposit,
		PaymentNumber: txn.PaymentNumber,
		PayURL:        txn.PayURL,
		QRPayload:     txn.QRPayload,
		ExpiresAt:     txn.ExpiredAt,
	}, nil
}

func (e *Engine) abandonDeposit(ctx context.Context, gatewayOrderID string) {
	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		deposit, err := e.deposits.GetForUpdateTx(ctx, tx, gatewayOrderID)
		if err != nil {
			return err
		}
		if deposit.Status.Terminal() {
			return nil
		}
		return e.deposits.MarkStatusTx(ctx, tx, deposit.ID, deposit.Status, models.PaymentStatusFailed)
	})
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"error":            err.Error(),
		}).Error("Failed to abandon unregistered deposit")
	}
}

// MarkDepositCompleted settles a deposit confirmation. The terminal flip and
// the balance credit commit in one transaction under the deposit row lock, so
// a replay can never credit twice.
func (e *Engine) MarkDepositCompleted(ctx context.Context, gatewayOrderID string, confirmedAmount int64) (*models.Deposit, error) {
	var deposit *models.Deposit
	replay := false

	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		replay = false

		var err error
		deposit, err = e.deposits.GetForUpdateTx(ctx, tx, gatewayOrderID)
		if err != nil {
			return err
		}
		if deposit.Status.Terminal() {
			replay = true
			return nil
		}
		if confirmedAmount != deposit.TotalPayable {
			metrics.AmountConflictsTotal.Inc()
			return &domain.AmountMismatchError{
				GatewayOrderID: gatewayOrderID,
				Stored:         deposit.TotalPayable,
				Confirmed:      confirmedAmount,
			}
		}
		if err := e.deposits.MarkStatusTx(ctx, tx, deposit.ID, deposit.Status, models.PaymentStatusCompleted); err != nil {
			return err
		}
		return e.users.CreditBalanceTx(ctx, tx, deposit.UserID, deposit.Amount)
	})
	if err != nil {
		return nil, err
	}

	if replay {
		metrics.ReplaysTotal.WithLabelValues("deposit").Inc()
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"status":           deposit.Status,
		}).Info("Deposit already terminal, completion replayed")
		return deposit, nil
	}
	deposit.Status = models.PaymentStatusCompleted
	metrics.SettlementsTotal.WithLabelValues("deposit", "completed").Inc()

	e.publish(ctx, &events.SettlementEvent{
		Type:           events.EventTypeDepositCompleted,
		GatewayOrderID: gatewayOrderID,
		UserID:         deposit.UserID,
		Amount:         deposit.Amount,
	})

	e.logger.WithFields(logrus.Fields{
		"gateway_order_id": gatewayOrderID,
		"user_id":          deposit.UserID,
		"amount":           deposit.Amount,
	}).Info("Deposit completed")

	return deposit, nil
}

// MarkDepositFailed settles a deposit failure callback.
func (e *Engine) MarkDepositFailed(ctx context.Context, gatewayOrderID string) (*models.Deposit, error) {
	return e.failDeposit(ctx, gatewayOrderID)
}

// ExpireDeposit settles a deposit whose deadline passed.
func (e *Engine) ExpireDeposit(ctx context.Context, gatewayOrderID string) (*models.Deposit, error) {
	return e.failDeposit(ctx, gatewayOrderID)
}

func (e *Engine) failDeposit(ctx context.Context, gatewayOrderID string) (*models.Deposit, error) {
	var deposit *models.Deposit
	replay := false

	err := database.WithRetry(ctx, e.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		replay = false

		var err error
		deposit, err = e.deposits.GetForUpdateTx(ctx, tx, gatewayOrderID)
		if err != nil {
			return err
		}
		if deposit.Status.Terminal() {
			replay = true
			return nil
		}
		return e.deposits.MarkStatusTx(ctx, tx, deposit.ID, deposit.Status, models.PaymentStatusFailed)
	})
	if err != nil {
		return nil, err
	}

	if replay {
		metrics.ReplaysTotal.WithLabelValues("deposit").Inc()
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"status":           deposit.Status,
		}).Info("Deposit already terminal, failure replayed")
		return deposit, nil
	}
	deposit.Status = models.PaymentStatusFailed
	metrics.SettlementsTotal.WithLabelValues("deposit", "failed").Inc()

	e.publish(ctx, &events.SettlementEvent{
		Type:           events.EventTypeDepositFailed,
		GatewayOrderID: gatewayOrderID,
		UserID:         deposit.UserID,
		Amount:         deposit.Amount,
	})

	e.logger.WithField("gateway_order_id", gatewayOrderID).Info("Deposit failed")
	return deposit, nil
}

// RefreshFromGateway reconciles one attempt against the provider's detail
// endpoint, for when a callback went missing. It drives the record through
// the same terminal transitions a webhook would have.
func (e *Engine) RefreshFromGateway(ctx context.Context, gatewayOrderID string) error {
	var totalPayable int64
	switch {
	case strings.HasPrefix(gatewayOrderID, paymentIDPrefix):
		payment, err := e.payments.GetByGatewayID(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		if payment.Status.Terminal() {
			return nil
		}
		totalPayable = payment.TotalPayable
	case strings.HasPrefix(gatewayOrderID, depositIDPrefix):
		deposit, err := e.deposits.GetByGatewayID(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		if deposit.Status.Terminal() {
			return nil
		}
		totalPayable = deposit.TotalPayable
	default:
		return domain.NewValidationError("gateway_order_id",
			fmt.Sprintf("unrecognized id %q", gatewayOrderID))
	}

	detail, err := e.gateway.GetTransactionDetail(ctx, gatewayOrderID, totalPayable)
	if err != nil {
		e.recordGatewayFailure(ctx)
		return err
	}
	e.resetGatewayFailures()

	isPayment := strings.HasPrefix(gatewayOrderID, paymentIDPrefix)
	switch strings.ToLower(detail.Status) {
	case "completed", "success", "paid":
		if isPayment {
			_, err = e.MarkPaymentCompleted(ctx, gatewayOrderID, totalPayable)
		} else {
			_, err = e.MarkDepositCompleted(ctx, gatewayOrderID, totalPayable)
		}
	case "failed", "cancelled":
		if isPayment {
			_, err = e.MarkPaymentFailed(ctx, gatewayOrderID)
		} else {
			_, err = e.MarkDepositFailed(ctx, gatewayOrderID)
		}
	case "expired":
		if isPayment {
			_, err = e.ExpirePayment(ctx, gatewayOrderID)
		} else {
			_, err = e.ExpireDeposit(ctx, gatewayOrderID)
		}
	default:
		e.logger.WithFields(logrus.Fields{
			"gateway_order_id": gatewayOrderID,
			"gateway_status":   detail.Status,
		}).Info("Gateway reports non-terminal status, nothing to reconcile")
	}
	return err
}

func (e *Engine) publish(ctx context.Context, event *events.SettlementEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		// Notification loss only; the settled state is already committed.
		e.logger.WithFields(logrus.Fields{
			"event_type":       event.Type,
			"gateway_order_id": event.GatewayOrderID,
			"error":            err.Error(),
		}).Error("Failed to publish settlement event")
	}
}

func (e *Engine) recordGatewayFailure(ctx context.Context) {
	metrics.GatewayFailuresTotal.Inc()

	e.failureMu.Lock()
	e.failureStreak++
	streak := e.failureStreak
	e.failureMu.Unlock()

	e.logger.WithField("streak", streak).Warn("Gateway request failed")

	// Alert exactly once per crossing; the streak reset on the next success
	// re-arms it.
	if e.alertThreshold > 0 && streak == e.alertThreshold {
		metrics.GatewayAlertsTotal.Inc()
		text := fmt.Sprintf("payment gateway down: %d consecutive failures", streak)
		if e.alerts != nil {
			if err := e.alerts.SendAdminAlert(ctx, text); err != nil {
				e.logger.WithField("error", err.Error()).Error("Failed to send gateway alert")
			}
		} else {
			e.logger.Error(text)
		}
	}
}

func (e *Engine) resetGatewayFailures() {
	e.failureMu.Lock()
	e.failureStreak = 0
	e.failureMu.Unlock()
}
