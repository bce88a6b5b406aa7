package service

import (
	"context"
	"time"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
	"shop-api/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger is the only writer of product stock.
type StockLedger struct {
	repo   StockRepository
	logger *zap.Logger
}

func NewStockLedger(repo StockRepository) *StockLedger {
	return &StockLedger{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// Reserve takes quantity units of a product. It fails with
// ErrInsufficientStock or NotFound and mutates nothing in either case.
func (l *StockLedger) Reserve(ctx context.Context, productID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Reserve")
	defer span.End()
	span.SetAttributes(attribute.Int64("product_id", productID), attribute.Int("quantity", quantity))

	if quantity <= 0 {
		return apperr.Validation("quantity must be positive, got %d", quantity)
	}

	start := time.Now()
	err := l.repo.ReserveStock(ctx, productID, quantity)
	util.StockReserveLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		util.StockReservationsTotal.WithLabelValues("reserved").Inc()
	case apperr.KindOf(err) == apperr.KindConflict:
		util.StockReservationsTotal.WithLabelValues("insufficient").Inc()
	case apperr.KindOf(err) == apperr.KindNotFound:
		util.StockReservationsTotal.WithLabelValues("not_found").Inc()
	default:
		util.StockReservationsTotal.WithLabelValues("error").Inc()
	}
	util.RecordError(span, err)
	return err
}

// Restore returns quantity units of a product to stock.
func (l *StockLedger) Restore(ctx context.Context, productID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Restore")
	defer span.End()
	span.SetAttributes(attribute.Int64("product_id", productID), attribute.Int("quantity", quantity))

	if quantity <= 0 {
		return apperr.Validation("quantity must be positive, got %d", quantity)
	}

	err := l.repo.RestoreStock(ctx, productID, quantity)
	util.RecordError(span, err)
	return err
}

// RestoreItems puts back the stock of every item. Failures are logged and
// counted as anomalies and never stop the remaining items. It returns the
// number of items that could not be restored.
func (l *StockLedger) RestoreItems(ctx context.Context, orderNumber string, items []models.OrderItem) int {
	failed := 0
	for _, item := range items {
		if err := l.Restore(ctx, item.ProductID, item.Quantity); err != nil {
			failed++
			util.StockRestoreAnomaliesTotal.Inc()
			util.LoggerFromContext(ctx, l.logger).Error("Failed to restore stock",
				zap.String("order_number", orderNumber),
				zap.Int64("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
		}
	}
	return failed
}
