package service

import (
	"context"

	"shop-api/internal/models"
	"shop-api/internal/payment"
)

// StockRepository is the persistence primitive behind the StockLedger.
type StockRepository interface {
	ReserveStock(ctx context.Context, productID int64, quantity int) error
	RestoreStock(ctx context.Context, productID int64, quantity int) error
}

type ProductReader interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListOrders(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error)
	CompareAndSetStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
	ApplyPayment(ctx context.Context, orderID int64,
		fromPayment models.PaymentStatus, fromStatus models.OrderStatus,
		toPayment models.PaymentStatus, toStatus models.OrderStatus) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID int64) error
	SetPaymentLink(ctx context.Context, orderID int64, token, url string) error
	SoftDeleteOrder(ctx context.Context, orderID int64) error
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByOAuth(ctx context.Context, provider, externalID string) (*models.User, error)
}

// NotificationLog is the durable record of applied gateway notifications.
type NotificationLog interface {
	IsNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus string) (bool, error)
	MarkNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus, orderNumber string) error
}

// Cache is the Redis-backed fast path for webhook dedup and status reads.
type Cache interface {
	IsNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus string) (bool, error)
	MarkNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus string) error
	StatusVersion(ctx context.Context, orderNumber string) (int64, error)
	CacheOrderStatus(ctx context.Context, orderNumber string, version int64, snapshot any) (bool, error)
	GetOrderStatus(ctx context.Context, orderNumber string, dest any) (bool, error)
	InvalidateOrderStatus(ctx context.Context, orderNumber string) error
}

type Gateway interface {
	CreateTransaction(ctx context.Context, req payment.TransactionRequest) (*payment.Transaction, error)
	GetTransactionStatus(ctx context.Context, orderNumber string) (*payment.TransactionStatus, error)
	CancelTransaction(ctx context.Context, orderNumber string) error
}

type NotificationVerifier interface {
	Verify(n *payment.Notification) error
}

// EventPublisher publishes order domain events. Publishing is best-effort:
// callers log failures and carry on.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error
}

// IdentityProvider exchanges an OAuth authorization code for the external
// account behind it.
type IdentityProvider interface {
	Exchange(ctx context.Context, code string) (*ExternalIdentity, error)
}

type ExternalIdentity struct {
	Email      string
	Name       string
	ExternalID string
}
