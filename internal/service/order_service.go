package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
	"shop-api/internal/payment"
	"shop-api/internal/store"
	"shop-api/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// first attempt plus three regenerations on collision
	maxOrderNumberAttempts = 4

	// bounded re-read loop for compare-and-set updates
	maxCASAttempts = 3

	defaultPageLimit = 10
	maxPageLimit     = 100

	paymentMethodManual  = "manual"
	paymentMethodGateway = "midtrans"
)

// OrderService coordinates order creation, cancellation and status changes
// across the order store, the stock ledger and the payment gateway.
type OrderService struct {
	orders         OrderRepository
	products       ProductReader
	users          UserRepository
	ledger         *StockLedger
	gateway        Gateway
	cache          Cache
	events         EventPublisher
	logger         *zap.Logger
	newOrderNumber func() (string, error)
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderRepository,
	products ProductReader,
	users UserRepository,
	ledger *StockLedger,
	gateway Gateway,
	cache Cache,
	events EventPublisher,
) *OrderService {
	return &OrderService{
		orders:         orders,
		products:       products,
		users:          users,
		ledger:         ledger,
		gateway:        gateway,
		cache:          cache,
		events:         events,
		logger:         util.GetLogger(),
		newOrderNumber: NewOrderNumber,
	}
}

// CreateOrderInput is the validated cart submitted by a buyer.
type CreateOrderInput struct {
	Items         []OrderItemInput `json:"items" binding:"required,min=1,dive"`
	PaymentMethod string           `json:"payment_method"`
	Notes         string           `json:"notes"`
}

type OrderItemInput struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrder turns a cart into a pending order with its stock reserved.
// With withGateway set it also opens a gateway transaction; if that fails the
// order is kept with payment_status=failed and the gateway error is returned.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, input CreateOrderInput, withGateway bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Bool("with_gateway", withGateway))
	logger := util.LoggerFromContext(ctx, s.logger)

	order, err := s.placeOrder(ctx, userID, input, withGateway)
	if err != nil {
		util.RecordError(span, err)
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)))

	s.publishOrderCreated(ctx, order)

	if withGateway {
		if err := s.startPayment(ctx, order); err != nil {
			util.RecordError(span, err)
			util.OrdersFailedTotal.WithLabelValues("gateway").Inc()
			return nil, err
		}
	}

	return order, nil
}

func (s *OrderService) placeOrder(ctx context.Context, userID int64, input CreateOrderInput, withGateway bool) (*models.Order, error) {
	items, err := s.snapshotItems(ctx, input.Items)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal)
	}

	method := input.PaymentMethod
	if method == "" {
		method = paymentMethodManual
		if withGateway {
			method = paymentMethodGateway
		}
	}

	order := &models.Order{
		UserID:        userID,
		TotalAmount:   total,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		PaymentMethod: method,
	}
	if input.Notes != "" {
		order.Notes.String, order.Notes.Valid = input.Notes, true
	}

	if err := s.persist(ctx, order, items); err != nil {
		return nil, err
	}

	if err := s.reserveStock(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// snapshotItems validates the cart against the catalogue and copies name and
// price into order items. Stock is checked against the combined quantity
// per product but nothing is reserved yet.
func (s *OrderService) snapshotItems(ctx context.Context, lines []OrderItemInput) ([]models.OrderItem, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}

	wanted := make(map[int64]int, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if line.ProductID <= 0 {
			return nil, apperr.Validation("invalid product id %d", line.ProductID)
		}
		if line.Quantity < 1 {
			return nil, apperr.Validation("quantity for product %d must be at least 1", line.ProductID)
		}
		if _, seen := wanted[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		wanted[line.ProductID] += line.Quantity
	}

	products, err := s.products.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, apperr.NotFound("product %d not found", id)
		}
		if !p.IsActive {
			return nil, apperr.ErrInactive.With("product %d is not active", id)
		}
		if p.Stock < wanted[id] {
			return nil, apperr.ErrInsufficientStock.With(
				"insufficient stock for product %d: available=%d, requested=%d", id, p.Stock, wanted[id])
		}
	}

	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		p := byID[line.ProductID]
		items = append(items, models.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Price:       p.Price,
			Quantity:    line.Quantity,
			Subtotal:    p.Price.Mul(decimal.NewFromInt(int64(line.Quantity))),
		})
	}
	return items, nil
}

func (s *OrderService) persist(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	for attempt := 1; ; attempt++ {
		number, err := s.newOrderNumber()
		if err != nil {
			return err
		}
		order.OrderNumber = number

		err = s.orders.CreateOrder(ctx, order, items)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrOrderNumberTaken) && attempt < maxOrderNumberAttempts {
			s.logger.Warn("Order number collision, regenerating", zap.String("order_number", number))
			continue
		}
		return err
	}
}

// reserveStock takes stock for every item. When one reservation fails the
// ones already taken are put back and the order is soft-deleted.
func (s *OrderService) reserveStock(ctx context.Context, order *models.Order) error {
	for i, item := range order.Items {
		err := s.ledger.Reserve(ctx, item.ProductID, item.Quantity)
		if err == nil {
			continue
		}

		logger := util.LoggerFromContext(ctx, s.logger)
		logger.Warn("Stock reservation failed, compensating",
			zap.String("order_number", order.OrderNumber),
			zap.Int64("product_id", item.ProductID),
			zap.Error(err))

		s.ledger.RestoreItems(ctx, order.OrderNumber, order.Items[:i])
		if derr := s.orders.SoftDeleteOrder(ctx, order.ID); derr != nil {
			logger.Error("Failed to soft-delete order after reservation failure",
				zap.String("order_number", order.OrderNumber), zap.Error(derr))
		}
		return err
	}
	return nil
}

func (s *OrderService) startPayment(ctx context.Context, order *models.Order) error {
	logger := util.LoggerFromContext(ctx, s.logger)

	req := payment.TransactionRequest{
		OrderNumber: order.OrderNumber,
		Amount:      order.IntegerTotal(),
		Items:       make([]payment.Item, 0, len(order.Items)),
	}
	if user, err := s.users.GetUserByID(ctx, order.UserID); err == nil {
		req.Buyer = payment.Buyer{FirstName: user.FullName, Email: user.Email, Phone: user.Phone}
	} else {
		logger.Warn("Buyer details unavailable for payment", zap.Int64("user_id", order.UserID), zap.Error(err))
	}
	for _, item := range order.Items {
		req.Items = append(req.Items, payment.Item{
			ID:       strconv.FormatInt(item.ProductID, 10),
			Price:    item.Price.IntPart(),
			Quantity: item.Quantity,
			Name:     item.ProductName,
		})
	}

	tx, err := s.gateway.CreateTransaction(ctx, req)
	if err != nil {
		logger.Error("Payment transaction failed",
			zap.String("order_number", order.OrderNumber), zap.Error(err))
		if merr := s.orders.MarkPaymentFailed(ctx, order.ID); merr != nil {
			logger.Error("Failed to mark payment failed",
				zap.String("order_number", order.OrderNumber), zap.Error(merr))
		}
		order.PaymentStatus = models.PaymentStatusFailed
		if apperr.KindOf(err) != apperr.KindGateway {
			return apperr.Gateway("payment gateway request failed", err)
		}
		return err
	}

	if err := s.orders.SetPaymentLink(ctx, order.ID, tx.Token, tx.RedirectURL); err != nil {
		return fmt.Errorf("failed to store payment link: %w", err)
	}
	order.SnapToken.String, order.SnapToken.Valid = tx.Token, true
	order.PaymentURL.String, order.PaymentURL.Valid = tx.RedirectURL, true
	return nil
}

// CancelOrder lets the owner or an administrator cancel a pending or
// processing order. Stock is returned by whichever caller wins the status
// update.
func (s *OrderService) CancelOrder(ctx context.Context, requester models.Requester, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", orderID))

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		order, err := s.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if !requester.CanAccess(order.UserID) {
			return nil, apperr.Forbidden("you are not allowed to cancel order %d", orderID)
		}
		if !order.Status.UserCancellable() {
			return nil, apperr.ErrInvalidTransition.With("order in status %s cannot be cancelled", order.Status)
		}

		ok, err := s.orders.CompareAndSetStatus(ctx, order.ID, order.Status, models.OrderStatusCancelled)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if !ok {
			continue
		}

		from := order.Status
		order.Status = models.OrderStatusCancelled
		source := "user"
		if requester.IsAdmin() && requester.UserID != order.UserID {
			source = "admin"
		}
		s.afterCancel(ctx, order, from, source, "cancelled by "+source)
		return s.withItems(ctx, order)
	}

	return nil, apperr.Conflict("order %d was modified concurrently, try again", orderID)
}

// UpdateStatus moves an order along the status table. Administrators only.
func (s *OrderService) UpdateStatus(ctx context.Context, requester models.Requester, orderID int64, to models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", orderID), attribute.String("to", string(to)))

	if !requester.IsAdmin() {
		return nil, apperr.Forbidden("only administrators can change order status")
	}
	if !to.Valid() {
		return nil, apperr.Validation("unknown order status %q", to)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		order, err := s.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if err := models.ValidateTransition(order.Status, to); err != nil {
			return nil, err
		}

		ok, err := s.orders.CompareAndSetStatus(ctx, order.ID, order.Status, to)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if !ok {
			continue
		}

		from := order.Status
		order.Status = to
		if to == models.OrderStatusCancelled {
			s.afterCancel(ctx, order, from, "admin", "cancelled by admin")
		} else {
			util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
			s.invalidate(ctx, order.OrderNumber)
		}

		event := &models.OrderStatusChangedEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			From:        from,
			To:          to,
		}
		if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
		}

		util.LoggerFromContext(ctx, s.logger).Info("Order status updated",
			zap.String("order_number", order.OrderNumber),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return s.withItems(ctx, order)
	}

	return nil, apperr.Conflict("order %d was modified concurrently, try again", orderID)
}

// afterCancel runs the side effects owed by the caller that moved an order
// into cancelled.
func (s *OrderService) afterCancel(ctx context.Context, order *models.Order, from models.OrderStatus, source, reason string) {
	logger := util.LoggerFromContext(ctx, s.logger)
	util.OrdersCancelledTotal.WithLabelValues(source).Inc()
	util.OrderTransitionsTotal.WithLabelValues(string(from), string(models.OrderStatusCancelled)).Inc()

	items, err := s.orders.GetOrderItems(ctx, order.ID)
	if err != nil {
		util.StockRestoreAnomaliesTotal.Inc()
		logger.Error("Failed to load items for stock restore",
			zap.String("order_number", order.OrderNumber), zap.Error(err))
	} else {
		order.Items = items
		s.ledger.RestoreItems(ctx, order.OrderNumber, items)
	}

	if order.SnapToken.Valid && !order.PaymentStatus.Terminal() {
		if err := s.gateway.CancelTransaction(ctx, order.OrderNumber); err != nil {
			logger.Warn("Failed to cancel gateway transaction",
				zap.String("order_number", order.OrderNumber), zap.Error(err))
		}
	}

	s.invalidate(ctx, order.OrderNumber)

	event := &models.OrderCancelledEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Reason:      reason,
	}
	if err := s.events.PublishOrderCancelled(ctx, event); err != nil {
		logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	logger.Info("Order cancelled",
		zap.String("order_number", order.OrderNumber),
		zap.String("from", string(from)),
		zap.String("source", source))
}

func (s *OrderService) publishOrderCreated(ctx context.Context, order *models.Order) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       items,
	}
	if err := s.events.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

func (s *OrderService) invalidate(ctx context.Context, orderNumber string) {
	if err := s.cache.InvalidateOrderStatus(ctx, orderNumber); err != nil {
		s.logger.Warn("Failed to invalidate order status cache",
			zap.String("order_number", orderNumber), zap.Error(err))
	}
}

func (s *OrderService) withItems(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Items != nil {
		return order, nil
	}
	items, err := s.orders.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// GetOrder retrieves an order with its items. Only the owner or an
// administrator may read it.
func (s *OrderService) GetOrder(ctx context.Context, requester models.Requester, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(order.UserID) {
		return nil, apperr.Forbidden("you are not allowed to view order %d", orderID)
	}
	return s.withItems(ctx, order)
}

// OrderPage is one page of a listing.
type OrderPage struct {
	Orders []models.OrderView `json:"orders"`
	Page   int                `json:"page"`
	Limit  int                `json:"limit"`
	Total  int                `json:"total"`
}

// ListOrders pages through the requester's orders. Administrators see every
// order.
func (s *OrderService) ListOrders(ctx context.Context, requester models.Requester, page, limit int) (*OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	page, limit = normalizePage(page, limit)
	userID := requester.UserID
	if requester.IsAdmin() {
		userID = 0
	}

	orders, total, err := s.orders.ListOrders(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	views := make([]models.OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, orders[i].View())
	}
	return &OrderPage{Orders: views, Page: page, Limit: limit, Total: total}, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}
	return page, limit
}

// PaymentStatusView is the stored payment state of an order plus, when a
// gateway transaction exists, the gateway's own view of it.
type PaymentStatusView struct {
	OrderNumber   string               `json:"order_number"`
	UserID        int64                `json:"user_id"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	PaymentMethod string               `json:"payment_method"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	PaymentURL    string               `json:"payment_url,omitempty"`
	Gateway       *GatewayView         `json:"gateway,omitempty"`
	CheckedAt     time.Time            `json:"checked_at"`
}

type GatewayView struct {
	TransactionStatus string               `json:"transaction_status"`
	FraudStatus       string               `json:"fraud_status,omitempty"`
	PaymentType       string               `json:"payment_type,omitempty"`
	Normalized        models.PaymentStatus `json:"normalized_status"`
}

// PaymentStatus reports an order's payment state. The gateway view is
// informational only; state changes arrive through notifications.
func (s *OrderService) PaymentStatus(ctx context.Context, requester models.Requester, orderNumber string) (*PaymentStatusView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PaymentStatus")
	defer span.End()
	logger := util.LoggerFromContext(ctx, s.logger)

	var cached PaymentStatusView
	hit, err := s.cache.GetOrderStatus(ctx, orderNumber, &cached)
	if err != nil {
		logger.Warn("Order status cache read failed", zap.String("order_number", orderNumber), zap.Error(err))
	}
	if hit {
		if !requester.CanAccess(cached.UserID) {
			return nil, apperr.Forbidden("you are not allowed to view order %s", orderNumber)
		}
		return &cached, nil
	}

	// An invalidation after this read makes the write below a no-op.
	version, versionErr := s.cache.StatusVersion(ctx, orderNumber)
	if versionErr != nil {
		logger.Warn("Order status version read failed", zap.String("order_number", orderNumber), zap.Error(versionErr))
	}

	order, err := s.orders.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(order.UserID) {
		return nil, apperr.Forbidden("you are not allowed to view order %s", orderNumber)
	}

	view := &PaymentStatusView{
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		PaymentMethod: order.PaymentMethod,
		TotalAmount:   order.TotalAmount,
		PaymentURL:    order.PaymentURL.String,
		CheckedAt:     time.Now().UTC(),
	}

	if order.SnapToken.Valid {
		live, err := s.gateway.GetTransactionStatus(ctx, order.OrderNumber)
		if err != nil {
			logger.Warn("Gateway status lookup failed", zap.String("order_number", orderNumber), zap.Error(err))
		} else {
			view.Gateway = &GatewayView{
				TransactionStatus: live.TransactionStatus,
				FraudStatus:       live.FraudStatus,
				PaymentType:       live.PaymentType,
				Normalized:        payment.NormalizeStatus(live.TransactionStatus, live.FraudStatus),
			}
		}
	}

	if versionErr == nil {
		written, err := s.cache.CacheOrderStatus(ctx, orderNumber, version, view)
		if err != nil {
			logger.Warn("Order status cache write failed", zap.String("order_number", orderNumber), zap.Error(err))
		} else if !written {
			logger.Debug("Order status changed while loading, snapshot not cached", zap.String("order_number", orderNumber))
		}
	}
	return view, nil
}

// PaymentRecord is one entry of a buyer's payment history.
type PaymentRecord struct {
	OrderNumber   string               `json:"order_number"`
	UserID        int64                `json:"user_id"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	PaymentMethod string               `json:"payment_method"`
	PaymentURL    string               `json:"payment_url,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

type PaymentHistoryPage struct {
	Payments []PaymentRecord `json:"payments"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
	Total    int             `json:"total"`
}

// PaymentHistory lists the requester's orders with their payment fields.
// Administrators see every order.
func (s *OrderService) PaymentHistory(ctx context.Context, requester models.Requester, page, limit int) (*PaymentHistoryPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PaymentHistory")
	defer span.End()

	page, limit = normalizePage(page, limit)
	userID := requester.UserID
	if requester.IsAdmin() {
		userID = 0
	}

	orders, total, err := s.orders.ListOrders(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	records := make([]PaymentRecord, 0, len(orders))
	for _, o := range orders {
		records = append(records, PaymentRecord{
			OrderNumber:   o.OrderNumber,
			UserID:        o.UserID,
			TotalAmount:   o.TotalAmount,
			Status:        o.Status,
			PaymentStatus: o.PaymentStatus,
			PaymentMethod: o.PaymentMethod,
			PaymentURL:    o.PaymentURL.String,
			CreatedAt:     o.CreatedAt,
		})
	}
	return &PaymentHistoryPage{Payments: records, Page: page, Limit: limit, Total: total}, nil
}

func failureReason(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Reason
	}
	return "internal"
}
