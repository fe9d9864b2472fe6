package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/domain"
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// ProductRepository reads catalog rows for price capture and maintains the
// sold counter. Catalog CRUD itself lives outside the settlement core.
type ProductRepository struct {
	db     *sql.DB
	logger *logrus.Entry
}

func NewProductRepository(db *sql.DB, logger *logrus.Entry) *ProductRepository {
	return &ProductRepository{db: db, logger: logger.WithField("component", "product-repo")}
}

// GetTx reads a product inside the invoice transaction so the captured
// price and the order rows commit together.
func (r *ProductRepository) GetTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error) {
	var p models.Product
	err := tx.QueryRowContext(ctx, `
		SELECT id, name, price, stock, sold_count
		FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.SoldCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrUnknownProduct)
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// Get reads a product outside a transaction.
func (r *ProductRepository) Get(ctx context.Context, id int64) (*models.Product, error) {
	var p models.Product
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price, stock, sold_count
		FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.SoldCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrUnknownProduct)
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// IncrementSoldTx bumps the sold counter after allocation. Sold count is a
// plain counter, unlike stock, which is always derived.
func (r *ProductRepository) IncrementSoldTx(ctx context.Context, tx *sql.Tx, productID int64, n int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE products SET sold_count = sold_count + $2 WHERE id = $1`,
		productID, n)
	if err != nil {
		return fmt.Errorf("increment sold count: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("product %d: %w", productID, domain.ErrUnknownProduct)
	}
	return nil
}
