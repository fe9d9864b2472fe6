package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/botmart/botmart-settlement-service/internal/database"
	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/events"
	"github.com/botmart/botmart-settlement-service/internal/gateway"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

func TestInvoiceLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "premium-account", 50000, 3)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 2},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if invoice.Payment.Amount != 100000 {
		t.Errorf("Expected amount 100000, got %d", invoice.Payment.Amount)
	}
	wantFee := DefaultFees().Fee(models.PaymentMethodQRIS, 100000)
	if invoice.Payment.TotalPayable != 100000+wantFee {
		t.Errorf("Expected total payable %d, got %d", 100000+wantFee, invoice.Payment.TotalPayable)
	}
	if got := env.paymentStatus(t, invoice.Payment.GatewayOrderID); got != "waiting" {
		t.Errorf("Expected payment waiting after activation, got %s", got)
	}
	if invoice.QRPayload == "" {
		t.Error("Expected QR payload from gateway")
	}

	payment, err := env.engine.MarkPaymentCompleted(ctx, invoice.Payment.GatewayOrderID, invoice.Payment.TotalPayable)
	if err != nil {
		t.Fatalf("MarkPaymentCompleted: %v", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		t.Errorf("Expected completed, got %s", payment.Status)
	}
	if got := env.orderStatus(t, invoice.Order.ID); got != "paid" {
		t.Errorf("Expected order paid, got %s", got)
	}
	if got := env.usedUnits(t, productID); got != 2 {
		t.Errorf("Expected 2 consumed units, got %d", got)
	}
	if got := env.storedStock(t, productID); got != 1 {
		t.Errorf("Expected derived stock 1, got %d", got)
	}

	published := env.publisher.Published()
	if len(published) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(published))
	}
	if published[0].Type != events.EventTypePaymentCompleted {
		t.Errorf("Expected completion event, got %s", published[0].Type)
	}
	if len(published[0].Delivered) != 2 {
		t.Errorf("Expected 2 delivered payloads, got %d", len(published[0].Delivered))
	}
	if len(published[0].Shortages) != 0 {
		t.Errorf("Expected no shortages, got %v", published[0].Shortages)
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "vpn-key", 25000, 5)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	id := invoice.Payment.GatewayOrderID

	if _, err := env.engine.MarkPaymentCompleted(ctx, id, invoice.Payment.TotalPayable); err != nil {
		t.Fatalf("First completion: %v", err)
	}

	// The replay must no-op even with a mismatched amount: terminal wins
	// before amount verification.
	replayed, err := env.engine.MarkPaymentCompleted(ctx, id, 1)
	if err != nil {
		t.Fatalf("Replayed completion: %v", err)
	}
	if replayed.Status != models.PaymentStatusCompleted {
		t.Errorf("Expected completed on replay, got %s", replayed.Status)
	}

	if got := env.usedUnits(t, productID); got != 1 {
		t.Errorf("Expected 1 consumed unit after replay, got %d", got)
	}
	if got := len(env.publisher.Published()); got != 1 {
		t.Errorf("Expected 1 event after replay, got %d", got)
	}
}

func TestAmountMismatchRejected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "gift-card", 50000, 2)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	id := invoice.Payment.GatewayOrderID

	_, err = env.engine.MarkPaymentCompleted(ctx, id, invoice.Payment.TotalPayable-1)
	var mismatch *domain.AmountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected AmountMismatchError, got %v", err)
	}
	if mismatch.Stored != invoice.Payment.TotalPayable {
		t.Errorf("Expected stored %d, got %d", invoice.Payment.TotalPayable, mismatch.Stored)
	}

	// Nothing may have moved.
	if got := env.paymentStatus(t, id); got != "waiting" {
		t.Errorf("Expected payment still waiting, got %s", got)
	}
	if got := env.orderStatus(t, invoice.Order.ID); got != "awaiting_payment" {
		t.Errorf("Expected order still awaiting_payment, got %s", got)
	}
	if got := env.usedUnits(t, productID); got != 0 {
		t.Errorf("Expected no consumed units, got %d", got)
	}

	// The correct amount still settles afterwards.
	if _, err := env.engine.MarkPaymentCompleted(ctx, id, invoice.Payment.TotalPayable); err != nil {
		t.Fatalf("Completion with correct amount: %v", err)
	}
}

func TestFailureAfterCompletionIsNoOp(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "stream-account", 30000, 2)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodEWallet)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	id := invoice.Payment.GatewayOrderID

	if _, err := env.engine.MarkPaymentCompleted(ctx, id, invoice.Payment.TotalPayable); err != nil {
		t.Fatalf("Completion: %v", err)
	}

	payment, err := env.engine.MarkPaymentFailed(ctx, id)
	if err != nil {
		t.Fatalf("Late failure: %v", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		t.Errorf("Expected completed to stand, got %s", payment.Status)
	}
	if got := env.orderStatus(t, invoice.Order.ID); got != "paid" {
		t.Errorf("Expected order to stay paid, got %s", got)
	}
	if got := env.usedUnits(t, productID); got != 1 {
		t.Errorf("Expected consumed unit to stay consumed, got %d", got)
	}
}

func TestFailureThenCompletionIsNoOp(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "proxy-list", 10000, 2)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	id := invoice.Payment.GatewayOrderID

	if _, err := env.engine.MarkPaymentFailed(ctx, id); err != nil {
		t.Fatalf("Failure: %v", err)
	}

	payment, err := env.engine.MarkPaymentCompleted(ctx, id, invoice.Payment.TotalPayable)
	if err != nil {
		t.Fatalf("Late completion: %v", err)
	}
	if payment.Status != models.PaymentStatusFailed {
		t.Errorf("Expected failed to stand, got %s", payment.Status)
	}
	if got := env.orderStatus(t, invoice.Order.ID); got != "cancelled" {
		t.Errorf("Expected order cancelled, got %s", got)
	}
	// No units were ever consumed, so stock is untouched.
	if got := env.usedUnits(t, productID); got != 0 {
		t.Errorf("Expected no consumed units, got %d", got)
	}
}

func TestStockShortageSettlesAnyway(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "scarce-item", 20000, 1)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 3},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	payment, err := env.engine.MarkPaymentCompleted(ctx, invoice.Payment.GatewayOrderID, invoice.Payment.TotalPayable)
	if err != nil {
		t.Fatalf("MarkPaymentCompleted: %v", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		t.Errorf("Expected completion despite shortage, got %s", payment.Status)
	}

	published := env.publisher.Published()
	if len(published) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(published))
	}
	if len(published[0].Delivered) != 1 {
		t.Errorf("Expected 1 delivered payload, got %d", len(published[0].Delivered))
	}
	if len(published[0].Shortages) != 1 {
		t.Fatalf("Expected 1 shortage, got %v", published[0].Shortages)
	}
	s := published[0].Shortages[0]
	if s.Requested != 3 || s.Delivered != 1 {
		t.Errorf("Expected shortage 3 requested / 1 delivered, got %+v", s)
	}
}

func TestConcurrentCompletionsSettleOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "race-item", 15000, 10)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	id := invoice.Payment.GatewayOrderID

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.MarkPaymentCompleted(ctx, id, invoice.Payment.TotalPayable)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Completion %d returned error: %v", i, err)
		}
	}
	if got := env.usedUnits(t, productID); got != 1 {
		t.Errorf("Expected exactly 1 consumed unit, got %d", got)
	}
	if got := len(env.publisher.Published()); got != 1 {
		t.Errorf("Expected exactly 1 event, got %d", got)
	}
}

func TestConcurrentClaimsNeverShareUnits(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "contested", 10000, 2)

	// Two buyers, one unit each, two units in the pool: each must receive a
	// distinct unit.
	var invoices [2]*Invoice
	for i := range invoices {
		inv, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
			{ProductID: productID, Quantity: 1},
		}, models.PaymentMethodQRIS)
		if err != nil {
			t.Fatalf("CreateInvoice %d: %v", i, err)
		}
		invoices[i] = inv
	}

	var wg sync.WaitGroup
	for i := range invoices {
		wg.Add(1)
		go func(inv *Invoice) {
			defer wg.Done()
			if _, err := env.engine.MarkPaymentCompleted(ctx, inv.Payment.GatewayOrderID, inv.Payment.TotalPayable); err != nil {
				t.Errorf("Completion: %v", err)
			}
		}(invoices[i])
	}
	wg.Wait()

	rows, err := db.Query(
		`SELECT order_id FROM product_contents WHERE product_id = $1 AND is_used = TRUE`, productID)
	if err != nil {
		t.Fatalf("Query consumed units: %v", err)
	}
	defer rows.Close()

	owners := make(map[int64]int)
	for rows.Next() {
		var orderID int64
		if err := rows.Scan(&orderID); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		owners[orderID]++
	}
	if len(owners) != 2 {
		t.Errorf("Expected 2 distinct consuming orders, got %v", owners)
	}
	for orderID, n := range owners {
		if n != 1 {
			t.Errorf("Order %d consumed %d units, want 1", orderID, n)
		}
	}
	if got := env.storedStock(t, productID); got != 0 {
		t.Errorf("Expected stock 0, got %d", got)
	}
}

func TestDepositCreditsBalanceOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 100)

	invoice, err := env.engine.CreateDepositInvoice(ctx, userID, 50000, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateDepositInvoice: %v", err)
	}
	id := invoice.Deposit.GatewayOrderID

	if _, err := env.engine.MarkDepositCompleted(ctx, id, invoice.Deposit.TotalPayable); err != nil {
		t.Fatalf("First deposit completion: %v", err)
	}
	if _, err := env.engine.MarkDepositCompleted(ctx, id, invoice.Deposit.TotalPayable); err != nil {
		t.Fatalf("Replayed deposit completion: %v", err)
	}

	balance, err := env.users.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 100+50000 {
		t.Errorf("Expected balance %d credited exactly once, got %d", 100+50000, balance)
	}
}

func TestGatewayFailureAbandonsInvoice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "unreachable", 10000, 1)

	env.gateway.CreateErr = domain.ErrGatewayUnavailable

	_, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("Expected ErrGatewayUnavailable, got %v", err)
	}

	// The abandoned attempt must not linger as payable.
	var status string
	if err := db.QueryRow(`SELECT status FROM payments LIMIT 1`).Scan(&status); err != nil {
		t.Fatalf("Read abandoned payment: %v", err)
	}
	if status != "failed" {
		t.Errorf("Expected abandoned payment failed, got %s", status)
	}
	var orderStatus string
	if err := db.QueryRow(`SELECT status FROM orders LIMIT 1`).Scan(&orderStatus); err != nil {
		t.Fatalf("Read abandoned order: %v", err)
	}
	if orderStatus != "cancelled" {
		t.Errorf("Expected abandoned order cancelled, got %s", orderStatus)
	}
}

func TestValidationRejectsBeforeMutation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "item", 10000, 1)

	if _, err := env.engine.CreateInvoice(ctx, userID, nil, models.PaymentMethodQRIS); !errors.Is(err, domain.ErrEmptyCart) {
		t.Errorf("Expected ErrEmptyCart, got %v", err)
	}

	var validation *domain.ValidationError
	_, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 0},
	}, models.PaymentMethodQRIS)
	if !errors.As(err, &validation) {
		t.Errorf("Expected ValidationError for zero quantity, got %v", err)
	}

	_, err = env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethod("cheque"))
	if !errors.As(err, &validation) {
		t.Errorf("Expected ValidationError for bad method, got %v", err)
	}

	_, err = env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: 99999, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if !errors.Is(err, domain.ErrUnknownProduct) {
		t.Errorf("Expected ErrUnknownProduct, got %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no orders persisted by rejected requests, got %d", count)
	}
}

func TestReconcileSettlesMissedCallback(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	env := newTestEnv(t, db)
	ctx := context.Background()

	userID := env.createUser(t, 0)
	productID := env.createProduct(t, "reconciled", 10000, 1)

	invoice, err := env.engine.CreateInvoice(ctx, userID, []models.CartLine{
		{ProductID: productID, Quantity: 1},
	}, models.PaymentMethodQRIS)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	id := invoice.Payment.GatewayOrderID

	env.gateway.Details[id] = &gateway.TransactionDetail{
		OrderID: id,
		Status:  "completed",
		Amount:  gateway.WholeUnits(invoice.Payment.TotalPayable),
	}

	if err := env.engine.RefreshFromGateway(ctx, id); err != nil {
		t.Fatalf("RefreshFromGateway: %v", err)
	}
	if got := env.paymentStatus(t, id); got != "completed" {
		t.Errorf("Expected completed after reconcile, got %s", got)
	}
}

func TestAdvisoryLockExclusion(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	locks := database.NewAdvisoryLock(db)

	lock, err := locks.TryAcquire(ctx, "settlement:test")
	if err != nil {
		t.Fatalf("First acquire: %v", err)
	}

	if _, err := locks.TryAcquire(ctx, "settlement:test"); !errors.Is(err, domain.ErrLockNotAcquired) {
		t.Errorf("Expected ErrLockNotAcquired, got %v", err)
	}

	// A different name is independent.
	other, err := locks.TryAcquire(ctx, "settlement:other")
	if err != nil {
		t.Fatalf("Acquire other name: %v", err)
	}
	other.Unlock(ctx)

	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	reacquired, err := locks.TryAcquire(ctx, "settlement:test")
	if err != nil {
		t.Fatalf("Reacquire after unlock: %v", err)
	}
	reacquired.Unlock(ctx)
}
