package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// OrderRepository persists orders and their line items. Orders are never
// deleted; only the settlement engine changes their status.
type OrderRepository struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewOrderRepository(db *sql.DB, logger *logrus.Entry) *OrderRepository {
	return &OrderRepository{db: db, logger: logger.WithField("component", "order-repo")}
}

// CreateTx inserts a new order in awaiting_payment inside the invoice
// transaction.
func (r *OrderRepository) CreateTx(ctx context.Context, tx *sql.Tx, userID, totalPrice int64) (*models.Order, error) {
	order := &models.Order{
		UserID:     userID,
		TotalPrice: totalPrice,
		Status:     models.OrderStatusAwaitingPayment,
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, total_price, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		userID, totalPrice, order.Status,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

// AddItemTx inserts one line item with its captured unit price.
func (r *OrderRepository) AddItemTx(ctx context.Context, tx *sql.Tx, item *models.OrderItem) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice,
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

// GetByID fetches a single order.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	var o models.Order
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_price, status, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.UserID, &o.TotalPrice, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// ItemsByOrder returns the order's line items.
func (r *OrderRepository) ItemsByOrder(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// MarkPaidTx flips the order to paid. Guarded by status so only a
// not-yet-terminal order can become paid.
func (r *OrderRepository) MarkPaidTx(ctx context.Context, tx *sql.Tx, orderID int64) error {
	return r.markStatusTx(ctx, tx, orderID, models.OrderStatusPaid)
}

// MarkCancelledTx flips the order to cancelled unless it is already paid:
// paid always wins over a late failure signal.
func (r *OrderRepository) MarkCancelledTx(ctx context.Context, tx *sql.Tx, orderID int64) error {
	return r.markStatusTx(ctx, tx, orderID, models.OrderStatusCancelled)
}

func (r *OrderRepository) markStatusTx(ctx context.Context, tx *sql.Tx, orderID int64, to models.OrderStatus) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		orderID, to, models.OrderStatusAwaitingPayment, models.OrderStatusPendingManual)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		// Already terminal. The payment row lock makes this benign: the
		// caller saw a non-terminal payment, so the order state is the
		// one our own earlier transition produced.
		r.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"status":   to,
		}).Info("Order already terminal, status unchanged")
	}
	return nil
}
