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

// DepositRepository persists balance top-up attempts. It mirrors
// PaymentRepository with a user in place of an order.
type DepositRepository struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewDepositRepository(db *sql.DB, logger *logrus.Entry) *DepositRepository {
	return &DepositRepository{db: db, logger: logger.WithField("component", "deposit-repo")}
}

const depositColumns = `id, gateway_order_id, user_id, method, status,
	amount, fee, total_payable, expires_at, created_at, updated_at`

func (r *DepositRepository) CreateTx(ctx context.Context, tx *sql.Tx, d *models.Deposit) error {
	query := `
		INSERT INTO deposits (gateway_order_id, user_id, method, status, amount, fee, total_payable)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := tx.QueryRowContext(ctx, query,
		d.GatewayOrderID, d.UserID, d.Method, d.Status, d.Amount, d.Fee, d.TotalPayable,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

func (r *DepositRepository) GetByGatewayID(ctx context.Context, gatewayOrderID string) (*models.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE gateway_order_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, gatewayOrderID))
}

// GetForUpdateTx locks the deposit row; terminal-state checks happen on the
// locked row immediately before mutation.
func (r *DepositRepository) GetForUpdateTx(ctx context.Context, tx *sql.Tx, gatewayOrderID string) (*models.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE gateway_order_id = $1 FOR UPDATE`
	return r.scanOne(tx.QueryRowContext(ctx, query, gatewayOrderID))
}

// MarkStatusTx moves the deposit from one status to another, refusing
// transitions outside the allowed table and guarding the UPDATE with the
// from-status the caller observed under the row lock.
func (r *DepositRepository) MarkStatusTx(ctx context.Context, tx *sql.Tx, id int64, from, to models.PaymentStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("deposit %d: %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE deposits SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		id, to, from)
	if err != nil {
		return fmt.Errorf("update deposit status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrDepositNotFound
	}
	return nil
}

// ActivateInvoice records the gateway-reported expiry, created → waiting.
func (r *DepositRepository) ActivateInvoice(ctx context.Context, gatewayOrderID string, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE deposits
		SET status = $2, expires_at = $3, updated_at = now()
		WHERE gateway_order_id = $1 AND status = $4`,
		gatewayOrderID, models.PaymentStatusWaiting, expiresAt, models.PaymentStatusCreated)
	if err != nil {
		return fmt.Errorf("activate deposit invoice: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		r.logger.WithField("gateway_order_id", gatewayOrderID).
			Warn("Deposit already left created state, expiry not recorded")
	}
	return nil
}

// ListExpired mirrors PaymentRepository.ListExpired for deposits.
func (r *DepositRepository) ListExpired(ctx context.Context, limit int) ([]*models.Deposit, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE status IN ($1, $2)
		  AND expires_at IS NOT NULL
		  AND expires_at < now()
		ORDER BY expires_at
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query,
		models.PaymentStatusCreated, models.PaymentStatusWaiting, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*models.Deposit
	for rows.Next() {
		var d models.Deposit
		var expiresAt sql.NullTime
		err := rows.Scan(&d.ID, &d.GatewayOrderID, &d.UserID, &d.Method, &d.Status,
			&d.Amount, &d.Fee, &d.TotalPayable, &expiresAt, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan expired deposit: %w", err)
		}
		if expiresAt.Valid {
			d.ExpiresAt = &expiresAt.Time
		}
		deposits = append(deposits, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return deposits, nil
}

func (r *DepositRepository) scanOne(row *sql.Row) (*models.Deposit, error) {
	var d models.Deposit
	var expiresAt sql.NullTime

	err := row.Scan(&d.ID, &d.GatewayOrderID, &d.UserID, &d.Method, &d.Status,
		&d.Amount, &d.Fee, &d.TotalPayable, &expiresAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDepositNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deposit: %w", err)
	}

	if expiresAt.Valid {
		d.ExpiresAt = &expiresAt.Time
	}
	return &d, nil
}
