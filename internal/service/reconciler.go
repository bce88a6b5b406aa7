package service

import (
	"context"
	"fmt"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
	"shop-api/internal/payment"
	"shop-api/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome describes what a notification did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Reconciler applies gateway payment notifications to orders. Redelivered
// and out-of-order notifications never move payment_status backwards.
type Reconciler struct {
	verifier NotificationVerifier
	orders   OrderRepository
	log      NotificationLog
	cache    Cache
	ledger   *StockLedger
	events   EventPublisher
	logger   *zap.Logger
}

func NewReconciler(
	verifier NotificationVerifier,
	orders OrderRepository,
	log NotificationLog,
	cache Cache,
	ledger *StockLedger,
	events EventPublisher,
) *Reconciler {
	return &Reconciler{
		verifier: verifier,
		orders:   orders,
		log:      log,
		cache:    cache,
		ledger:   ledger,
		events:   events,
		logger:   util.GetLogger(),
	}
}

type reconciliationPlan struct {
	payment models.PaymentStatus
	status  models.OrderStatus
	changed bool
}

// planReconciliation decides the order's next payment_status and status for
// an incoming payment status.
func planReconciliation(order *models.Order, incoming models.PaymentStatus) reconciliationPlan {
	plan := reconciliationPlan{payment: order.PaymentStatus, status: order.Status}
	if !incoming.Advances(order.PaymentStatus) {
		return plan
	}

	plan.payment = incoming
	plan.changed = true
	switch incoming {
	case models.PaymentStatusSuccess:
		if models.CanTransition(order.Status, models.OrderStatusProcessing) {
			plan.status = models.OrderStatusProcessing
		}
	case models.PaymentStatusFailed:
		shippedOrLater := order.Status == models.OrderStatusShipped || order.Status == models.OrderStatusDelivered
		if !shippedOrLater && models.CanTransition(order.Status, models.OrderStatusCancelled) {
			plan.status = models.OrderStatusCancelled
		}
	}
	return plan
}

// Reconcile parses, verifies and applies one raw notification body.
func (r *Reconciler) Reconcile(ctx context.Context, raw []byte) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile")
	defer span.End()

	outcome, err := r.reconcile(ctx, raw)
	if err != nil {
		util.RecordError(span, err)
		util.WebhookNotificationsTotal.WithLabelValues(webhookFailure(err)).Inc()
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	util.WebhookNotificationsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) reconcile(ctx context.Context, raw []byte) (Outcome, error) {
	logger := util.LoggerFromContext(ctx, r.logger)

	n, err := payment.ParseNotification(raw)
	if err != nil {
		logger.Warn("Malformed payment notification", zap.Error(err))
		return "", err
	}
	logger = logger.With(
		zap.String("order_number", n.OrderID),
		zap.String("transaction_id", n.TransactionID),
		zap.String("transaction_status", n.TransactionStatus),
		zap.String("fraud_status", n.FraudStatus))

	if err := r.verifier.Verify(n); err != nil {
		logger.Warn("Rejected unverified payment notification", zap.Error(err))
		return "", err
	}

	dedupID := n.DedupID()
	if dup, err := r.cache.IsNotificationProcessed(ctx, dedupID, n.TransactionStatus, n.FraudStatus); err != nil {
		logger.Warn("Notification dedup cache read failed", zap.Error(err))
	} else if dup {
		logger.Info("Duplicate payment notification skipped")
		return OutcomeDuplicate, nil
	}
	dup, err := r.log.IsNotificationProcessed(ctx, dedupID, n.TransactionStatus, n.FraudStatus)
	if err != nil {
		return "", fmt.Errorf("failed to check processed notification: %w", err)
	}
	if dup {
		r.markCached(ctx, logger, dedupID, n.TransactionStatus, n.FraudStatus)
		logger.Info("Duplicate payment notification skipped")
		return OutcomeDuplicate, nil
	}

	incoming := n.PaymentStatus()
	outcome, order, from, err := r.apply(ctx, logger, n, incoming)
	if err != nil {
		return "", err
	}

	if err := r.log.MarkNotificationProcessed(ctx, dedupID, n.TransactionStatus, n.FraudStatus, n.OrderID); err != nil {
		return "", fmt.Errorf("failed to record processed notification: %w", err)
	}
	r.markCached(ctx, logger, dedupID, n.TransactionStatus, n.FraudStatus)

	if outcome != OutcomeApplied {
		logger.Info("Stale payment notification ignored",
			zap.String("payment_status", string(order.PaymentStatus)),
			zap.String("incoming", string(incoming)))
		return outcome, nil
	}

	if order.Status == models.OrderStatusCancelled && from != models.OrderStatusCancelled {
		util.OrdersCancelledTotal.WithLabelValues("payment").Inc()
		items, err := r.orders.GetOrderItems(ctx, order.ID)
		if err != nil {
			util.StockRestoreAnomaliesTotal.Inc()
			logger.Error("Failed to load items for stock restore", zap.Error(err))
		} else {
			r.ledger.RestoreItems(ctx, order.OrderNumber, items)
		}
	}
	if order.Status != from {
		util.OrderTransitionsTotal.WithLabelValues(string(from), string(order.Status)).Inc()
	}

	if err := r.cache.InvalidateOrderStatus(ctx, order.OrderNumber); err != nil {
		logger.Warn("Failed to invalidate order status cache", zap.Error(err))
	}

	event := &models.PaymentStatusChangedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypePaymentStatusChanged),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		PaymentStatus: order.PaymentStatus,
		Status:        order.Status,
		TransactionID: n.TransactionID,
	}
	if err := r.events.PublishPaymentStatusChanged(ctx, event); err != nil {
		logger.Error("Failed to publish PaymentStatusChanged event", zap.Error(err))
	}

	logger.Info("Payment notification applied",
		zap.String("payment_status", string(order.PaymentStatus)),
		zap.String("status", string(order.Status)))
	return OutcomeApplied, nil
}

// apply re-reads and re-plans until the guarded update lands or the plan
// becomes a no-op. It returns the order as written and its previous status.
func (r *Reconciler) apply(ctx context.Context, logger *zap.Logger, n *payment.Notification, incoming models.PaymentStatus) (Outcome, *models.Order, models.OrderStatus, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		order, err := r.orders.GetOrderByNumber(ctx, n.OrderID)
		if err != nil {
			return "", nil, "", err
		}
		if attempt == 0 {
			if err := checkAmount(n, order); err != nil {
				logger.Warn("Payment notification amount mismatch",
					zap.String("gross_amount", n.GrossAmount),
					zap.Int64("expected", order.IntegerTotal()))
				return "", nil, "", err
			}
		}

		plan := planReconciliation(order, incoming)
		if !plan.changed {
			return OutcomeIgnored, order, order.Status, nil
		}

		ok, err := r.orders.ApplyPayment(ctx, order.ID,
			order.PaymentStatus, order.Status, plan.payment, plan.status)
		if err != nil {
			return "", nil, "", err
		}
		if !ok {
			continue
		}

		from := order.Status
		order.PaymentStatus = plan.payment
		order.Status = plan.status
		return OutcomeApplied, order, from, nil
	}
	return "", nil, "", apperr.Conflict("order %s was modified concurrently", n.OrderID)
}

func (r *Reconciler) markCached(ctx context.Context, logger *zap.Logger, transactionID, transactionStatus, fraudStatus string) {
	if err := r.cache.MarkNotificationProcessed(ctx, transactionID, transactionStatus, fraudStatus); err != nil {
		logger.Warn("Notification dedup cache write failed", zap.Error(err))
	}
}

// checkAmount rejects a notification whose gross amount differs from the
// integer total the gateway was asked to collect.
func checkAmount(n *payment.Notification, order *models.Order) error {
	if n.GrossAmount == "" {
		return nil
	}
	amount, err := decimal.NewFromString(n.GrossAmount)
	if err != nil {
		return apperr.ErrUnverified.With("notification gross_amount %q is not a number", n.GrossAmount)
	}
	if !amount.Equal(decimal.NewFromInt(order.IntegerTotal())) {
		return apperr.ErrUnverified.With("notification amount %s does not match order total", n.GrossAmount)
	}
	return nil
}

func webhookFailure(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "malformed"
	case apperr.KindGateway:
		return "unverified"
	case apperr.KindNotFound:
		return "unknown_order"
	case apperr.KindConflict:
		return "conflict"
	default:
		return "error"
	}
}
