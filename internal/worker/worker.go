package worker

import (
	"context"
	"fmt"

	"shop-api/internal/broker"
	"shop-api/internal/util"

	"go.uber.org/zap"
)

// StatusCache is the cache the projection keeps fresh.
type StatusCache interface {
	InvalidateOrderStatus(ctx context.Context, orderNumber string) error
}

// StatusWorker consumes order events and drops the cached payment status
// snapshot of every order that changed, so instances that did not handle
// the change stop serving stale reads.
type StatusWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	cache        StatusCache
	logger       *zap.Logger
}

// NewStatusWorker creates a new status cache worker
func NewStatusWorker(consumer *broker.Consumer, cache StatusCache) *StatusWorker {
	w := &StatusWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		cache:        cache,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnAny(w.invalidate)
	return w
}

// Start starts the worker
func (w *StatusWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting status cache worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StatusWorker) Stop() error {
	w.logger.Info("Stopping status cache worker")
	return w.consumer.Close()
}

func (w *StatusWorker) invalidate(ctx context.Context, event *broker.OrderEvent) error {
	if event.OrderNumber == "" {
		w.logger.Warn("Order event without order number", zap.String("event_id", event.EventID))
		return nil
	}

	ctx, span := util.StartSpan(ctx, "StatusWorker.Invalidate")
	defer span.End()

	if err := w.cache.InvalidateOrderStatus(ctx, event.OrderNumber); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to invalidate status of %s: %w", event.OrderNumber, err)
	}

	w.logger.Debug("Order status cache invalidated",
		zap.String("order_number", event.OrderNumber),
		zap.String("event_type", event.EventType))
	return nil
}
