package inventory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// Allocator manages the pool of single-use content units backing each
// product. A product's visible stock is always the count of its unused
// units, recomputed on every consumption, never maintained independently.
type Allocator struct {
	db     *sql.DB
	cache  StockCache
	logger *logrus.Entry
}

func NewAllocator(db *sql.DB, cache StockCache, logger *logrus.Entry) *Allocator {
	if cache == nil {
		cache = NoopStockCache{}
	}
	return &Allocator{
		db:     db,
		cache:  cache,
		logger: logger.WithField("component", "inventory"),
	}
}

// ClaimTx selects up to quantity unused units for the product, oldest first.
// SKIP LOCKED excludes rows locked by concurrent claims, so two in-flight
// claims for the same product never see the same unit. May return fewer
// units than requested.
func (a *Allocator) ClaimTx(ctx context.Context, tx *sql.Tx, productID int64, quantity int) ([]models.ContentUnit, error) {
	query := `
		SELECT id, product_id, payload, created_at
		FROM product_contents
		WHERE product_id = $1 AND is_used = FALSE
		ORDER BY created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT $2`

	rows, err := tx.QueryContext(ctx, query, productID, quantity)
	if err != nil {
		return nil, fmt.Errorf("claim content units: %w", err)
	}
	defer rows.Close()

	var units []models.ContentUnit
	for rows.Next() {
		var u models.ContentUnit
		if err := rows.Scan(&u.ID, &u.ProductID, &u.Payload, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return units, nil
}

// ConsumeTx marks one claimed unit as used by the order and recomputes the
// product's derived stock. The is_used re-check under the row lock cannot
// fire after a SKIP LOCKED claim in the same transaction; it is a safety
// invariant against a future caller that selects units some other way.
func (a *Allocator) ConsumeTx(ctx context.Context, tx *sql.Tx, unitID, orderID int64) error {
	var productID int64
	var isUsed bool
	err := tx.QueryRowContext(ctx, `
		SELECT product_id, is_used FROM product_contents WHERE id = $1 FOR UPDATE`,
		unitID).Scan(&productID, &isUsed)
	if err == sql.ErrNoRows {
		return fmt.Errorf("content unit %d not found", unitID)
	}
	if err != nil {
		return fmt.Errorf("lock content unit: %w", err)
	}
	if isUsed {
		return fmt.Errorf("unit %d: %w", unitID, domain.ErrUnitConsumed)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE product_contents
		SET is_used = TRUE, order_id = $2, used_at = now()
		WHERE id = $1`, unitID, orderID)
	if err != nil {
		return fmt.Errorf("consume content unit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET stock = (SELECT COUNT(*) FROM product_contents WHERE product_id = $1 AND is_used = FALSE)
		WHERE id = $1`, productID)
	if err != nil {
		return fmt.Errorf("recompute stock: %w", err)
	}

	return nil
}

// Stock returns the derived stock count, read through the cache.
func (a *Allocator) Stock(ctx context.Context, productID int64) (int, error) {
	if count, ok := a.cache.Get(ctx, productID); ok {
		return count, nil
	}

	var count int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM product_contents WHERE product_id = $1 AND is_used = FALSE`,
		productID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unused units: %w", err)
	}

	a.cache.Set(ctx, productID, count)
	return count, nil
}

// InvalidateStock drops the cached count after allocation changed it.
func (a *Allocator) InvalidateStock(ctx context.Context, productID int64) {
	a.cache.Invalidate(ctx, productID)
}

// RecomputeStockAll heals any historical drift by setting every product's
// stock to the live count of its unused units. Callers serialize this under
// the distributed lock; it is a maintenance pass, not a hot-path operation.
func (a *Allocator) RecomputeStockAll(ctx context.Context) (int64, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE products p
		SET stock = (SELECT COUNT(*) FROM product_contents c
		             WHERE c.product_id = p.id AND c.is_used = FALSE)`)
	if err != nil {
		return 0, fmt.Errorf("recompute stock: %w", err)
	}

	updated, _ := result.RowsAffected()
	a.logger.WithField("products", updated).Info("Stock recomputed from unused unit counts")
	return updated, nil
}

// Anomaly is one inconsistency found by IntegrityCheck.
type Anomaly struct {
	Kind      string `json:"kind"`
	ProductID int64  `json:"product_id,omitempty"`
	UnitID    int64  `json:"unit_id,omitempty"`
	Detail    string `json:"detail"`
}

// IntegrityCheck reports units used without a consuming order or used-at
// stamp, and products whose stored stock disagrees with the derived count.
// It never mutates.
func (a *Allocator) IntegrityCheck(ctx context.Context) ([]Anomaly, error) {
	var anomalies []Anomaly

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, product_id, order_id IS NULL, used_at IS NULL
		FROM product_contents
		WHERE is_used = TRUE AND (order_id IS NULL OR used_at IS NULL)`)
	if err != nil {
		return nil, fmt.Errorf("check used units: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var unitID, productID int64
		var noOrder, noUsedAt bool
		if err := rows.Scan(&unitID, &productID, &noOrder, &noUsedAt); err != nil {
			return nil, fmt.Errorf("scan unit anomaly: %w", err)
		}
		if noOrder {
			anomalies = append(anomalies, Anomaly{
				Kind: "used_without_order", UnitID: unitID, ProductID: productID,
				Detail: "unit marked used but has no consuming order",
			})
		}
		if noUsedAt {
			anomalies = append(anomalies, Anomaly{
				Kind: "used_without_timestamp", UnitID: unitID, ProductID: productID,
				Detail: "unit marked used but has no used-at timestamp",
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	driftRows, err := a.db.QueryContext(ctx, `
		SELECT p.id, p.stock,
		       (SELECT COUNT(*) FROM product_contents c
		        WHERE c.product_id = p.id AND c.is_used = FALSE) AS derived
		FROM products p
		WHERE p.stock <> (SELECT COUNT(*) FROM product_contents c
		                  WHERE c.product_id = p.id AND c.is_used = FALSE)`)
	if err != nil {
		return nil, fmt.Errorf("check stock drift: %w", err)
	}
	defer driftRows.Close()

	for driftRows.Next() {
		var productID int64
		var stored, derived int
		if err := driftRows.Scan(&productID, &stored, &derived); err != nil {
			return nil, fmt.Errorf("scan drift anomaly: %w", err)
		}
		anomalies = append(anomalies, Anomaly{
			Kind: "stock_drift", ProductID: productID,
			Detail: fmt.Sprintf("stored stock %d, derived %d", stored, derived),
		})
	}
	if err := driftRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return anomalies, nil
}
