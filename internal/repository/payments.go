package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// PaymentRepository persists payment attempts. Mutations are one explicit
// method per recognized change; there is no open-ended field-map update.
type PaymentRepository struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewPaymentRepository(db *sql.DB, logger *logrus.Entry) *PaymentRepository {
	return &PaymentRepository{db: db, logger: logger.WithField("component", "payment-repo")}
}

const paymentColumns = `id, gateway_order_id, order_id, method, status,
	amount, fee, total_payable, expires_at, created_at, updated_at`

// CreateTx inserts a payment inside the invoice transaction.
func (r *PaymentRepository) CreateTx(ctx context.Context, tx *sql.Tx, p *models.Payment) error {
	query := `
		INSERT INTO payments (gateway_order_id, order_id, method, status, amount, fee, total_payable)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := tx.QueryRowContext(ctx, query,
		p.GatewayOrderID, p.OrderID, p.Method, p.Status, p.Amount, p.Fee, p.TotalPayable,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByGatewayID fetches a payment without locking it.
func (r *PaymentRepository) GetByGatewayID(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_order_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, gatewayOrderID))
}

// GetForUpdateTx locks the payment row for the duration of tx. Every
// terminal-state check happens on the row returned here, immediately before
// mutation, so concurrent terminal calls serialize on this lock.
func (r *PaymentRepository) GetForUpdateTx(ctx context.Context, tx *sql.Tx, gatewayOrderID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_order_id = $1 FOR UPDATE`
	return r.scanOne(tx.QueryRowContext(ctx, query, gatewayOrderID))
}

// MarkStatusTx moves the payment from one status to another under the row
// lock taken by GetForUpdateTx. The transition is checked against the allowed
// table before any SQL runs, and the UPDATE predicate repeats the from-status
// so a stale caller cannot overwrite a row it never observed.
func (r *PaymentRepository) MarkStatusTx(ctx context.Context, tx *sql.Tx, id int64, from, to models.PaymentStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("payment %d: %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		id, to, from)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

// ActivateInvoice records the gateway-reported expiry and moves the payment
// from created to waiting. A no-op if the payment already left created, so a
// slow gateway response cannot regress a terminal state.
func (r *PaymentRepository) ActivateInvoice(ctx context.Context, gatewayOrderID string, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, expires_at = $3, updated_at = now()
		WHERE gateway_order_id = $1 AND status = $4`,
		gatewayOrderID, models.PaymentStatusWaiting, expiresAt, models.PaymentStatusCreated)
	if err != nil {
		return fmt.Errorf("activate payment invoice: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		r.logger.WithField("gateway_order_id", gatewayOrderID).
			Warn("Payment already left created state, expiry not recorded")
	}
	return nil
}

// ListExpired returns up to limit non-terminal payments past their expiry,
// oldest deadline first, joined with the owning order's user for best-effort
// notification. The listing takes no locks; the failure path is idempotent,
// so overlapping sweeps are safe.
func (r *PaymentRepository) ListExpired(ctx context.Context, limit int) ([]*models.Payment, error) {
	query := `
		SELECT p.id, p.gateway_order_id, p.order_id, p.method, p.status,
		       p.amount, p.fee, p.total_payable, p.expires_at, p.created_at, p.updated_at,
		       o.user_id
		FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.status IN ($1, $2)
		  AND p.expires_at IS NOT NULL
		  AND p.expires_at < now()
		ORDER BY p.expires_at
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query,
		models.PaymentStatusCreated, models.PaymentStatusWaiting, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var expiresAt sql.NullTime
		err := rows.Scan(&p.ID, &p.GatewayOrderID, &p.OrderID, &p.Method, &p.Status,
			&p.Amount, &p.Fee, &p.TotalPayable, &expiresAt, &p.CreatedAt, &p.UpdatedAt,
			&p.UserID)
		if err != nil {
			return nil, fmt.Errorf("scan expired payment: %w", err)
		}
		if expiresAt.Valid {
			p.ExpiresAt = &expiresAt.Time
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return payments, nil
}

func (r *PaymentRepository) scanOne(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	var expiresAt sql.NullTime

	err := row.Scan(&p.ID, &p.GatewayOrderID, &p.OrderID, &p.Method, &p.Status,
		&p.Amount, &p.Fee, &p.TotalPayable, &expiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	if expiresAt.Valid {
		p.ExpiresAt = &expiresAt.Time
	}
	return &p, nil
}
