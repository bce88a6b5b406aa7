package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shop-api/internal/apperr"
	"shop-api/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, name, price, stock, is_active, created_at, updated_at`

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs. Missing ids are
// simply absent from the result.
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	return products, nil
}

// ReserveStock decrements stock only if enough is available. The check and
// the decrement are a single statement, so concurrent reservations for the
// same product serialize on the row lock and never drive stock negative.
func (s *Store) ReserveStock(ctx context.Context, productID int64, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}
	if n == 1 {
		return nil
	}

	var available int
	err = s.db.GetContext(ctx, &available, "SELECT stock FROM products WHERE id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("product %d not found", productID)
	}
	if err != nil {
		return fmt.Errorf("failed to read stock for product %d: %w", productID, err)
	}
	return apperr.ErrInsufficientStock.With(
		"insufficient stock for product %d: available=%d, requested=%d", productID, available, quantity)
}

// RestoreStock increments stock unconditionally.
func (s *Store) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to restore stock for product %d: %w", productID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to restore stock for product %d: %w", productID, err)
	}
	if n == 0 {
		return apperr.NotFound("product %d not found", productID)
	}
	return nil
}
