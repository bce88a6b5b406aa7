package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
)

const orderColumns = `id, order_number, user_id, total_amount, status, payment_status, payment_method,
	snap_token, payment_url, notes, created_at, updated_at, deleted_at`

const itemColumns = `id, order_id, product_id, product_name, price, quantity, subtotal, created_at`

// ErrOrderNumberTaken is returned by CreateOrder when the generated order
// number collides with an existing row.
var ErrOrderNumberTaken = apperr.New(apperr.KindConflict, "duplicate_order_number", "order number already exists")

// CreateOrder inserts the order and all of its items in one transaction.
// On success order and items carry their generated ids and timestamps.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (order_number, user_id, total_amount, status, payment_status, payment_method, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.UserID, order.TotalAmount, order.Status,
		order.PaymentStatus, order.PaymentMethod, order.Notes)
	if isUniqueViolation(err, "orders_order_number_key") {
		return ErrOrderNumberTaken.Wrap(err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i], `
			INSERT INTO order_items (order_id, product_id, product_name, price, quantity, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			items[i].OrderID, items[i].ProductID, items[i].ProductName,
			items[i].Price, items[i].Quantity, items[i].Subtotal)
		if err != nil {
			return fmt.Errorf("failed to insert order item for product %d: %w", items[i].ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	order.Items = items
	return nil
}

// GetOrderByID retrieves a live (not soft-deleted) order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND deleted_at IS NULL", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return &order, nil
}

// GetOrderByNumber retrieves a live order by its order number
func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE order_number = $1 AND deleted_at IS NULL", orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", orderNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderNumber, err)
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT "+itemColumns+" FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get items for order %d: %w", orderID, err)
	}
	return items, nil
}

// ListOrders pages through live orders, newest first. A zero userID lists
// every user's orders.
func (s *Store) ListOrders(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error) {
	where := "deleted_at IS NULL"
	args := []any{}
	if userID != 0 {
		where += " AND user_id = $1"
		args = append(args, userID)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		orderColumns, where, len(args)+1, len(args)+2)
	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// CompareAndSetStatus moves the order from one status to another only if it
// is still in the expected status. It reports whether the row changed.
func (s *Store) CompareAndSetStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND deleted_at IS NULL`,
		to, orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update status of order %d: %w", orderID, err)
	}
	return affectedOne(res)
}

// ApplyPayment sets payment_status and status together, guarded on both
// current values.
func (s *Store) ApplyPayment(ctx context.Context, orderID int64,
	fromPayment models.PaymentStatus, fromStatus models.OrderStatus,
	toPayment models.PaymentStatus, toStatus models.OrderStatus,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = $4 AND status = $5 AND deleted_at IS NULL`,
		toPayment, toStatus, orderID, fromPayment, fromStatus)
	if err != nil {
		return false, fmt.Errorf("failed to apply payment to order %d: %w", orderID, err)
	}
	return affectedOne(res)
}

// MarkPaymentFailed records a synchronous gateway failure. Only a pending
// payment is moved.
func (s *Store) MarkPaymentFailed(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed for order %d: %w", orderID, err)
	}
	return nil
}

// SetPaymentLink stores the gateway transaction token and redirect URL
func (s *Store) SetPaymentLink(ctx context.Context, orderID int64, token, url string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET snap_token = $1, payment_url = $2, updated_at = NOW() WHERE id = $3",
		token, url, orderID)
	if err != nil {
		return fmt.Errorf("failed to store payment link for order %d: %w", orderID, err)
	}
	return nil
}

// SoftDeleteOrder hides an order whose stock could not be reserved. The row
// is kept so its order number stays taken.
func (s *Store) SoftDeleteOrder(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, orderID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete order %d: %w", orderID, err)
	}
	return nil
}

// IsNotificationProcessed checks if a gateway notification has been applied.
// A fraud review outcome is a separate notification for the same status.
func (s *Store) IsNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM processed_notifications
		WHERE transaction_id = $1 AND transaction_status = $2 AND fraud_status = $3)`,
		transactionID, transactionStatus, fraudStatus)
	return exists, err
}

// MarkNotificationProcessed records an applied gateway notification
func (s *Store) MarkNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus, orderNumber string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_notifications (transaction_id, transaction_status, fraud_status, order_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transaction_id, transaction_status, fraud_status) DO NOTHING`,
		transactionID, transactionStatus, fraudStatus, orderNumber)
	return err
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
