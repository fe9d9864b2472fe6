package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
)

// UserRepository covers the single user mutation the settlement core owns:
// the atomic balance credit on a completed deposit.
type UserRepository struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewUserRepository(db *sql.DB, logger *logrus.Entry) *UserRepository {
	return &UserRepository{db: db, logger: logger.WithField("component", "user-repo")}
}

// CreditBalanceTx atomically increments the user balance inside the deposit
// completion transaction, so the terminal flip and the credit commit as one.
func (r *UserRepository) CreditBalanceTx(ctx context.Context, tx *sql.Tx, userID, amount int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance + $2 WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}

	r.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  amount,
	}).Info("Balance credited")
	return nil
}

// Balance reads the current balance.
func (r *UserRepository) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, domain.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}
