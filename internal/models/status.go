package models

import (
	"shop-api/internal/apperr"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:    {OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusProcessing: {OrderStatusShipped: true, OrderStatusCancelled: true},
	OrderStatusShipped:    {OrderStatusDelivered: true, OrderStatusCancelled: true},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// CanTransition is the only guard for order status changes.
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// ValidateTransition returns ErrInvalidTransition naming the pair when the
// edge is not in the table.
func ValidateTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return apperr.ErrInvalidTransition.With("cannot move order from %s to %s", from, to)
	}
	return nil
}

// UserCancellable reports whether the owner may still cancel the order.
// Shipped orders can only be cancelled by an administrator.
func (s OrderStatus) UserCancellable() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusChallenge PaymentStatus = "challenge"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (p PaymentStatus) rank() int {
	switch p {
	case PaymentStatusPending:
		return 0
	case PaymentStatusChallenge:
		return 1
	case PaymentStatusSuccess, PaymentStatusFailed:
		return 2
	default:
		return -1
	}
}

func (p PaymentStatus) Terminal() bool {
	return p == PaymentStatusSuccess || p == PaymentStatusFailed
}

// Advances reports whether moving from the recorded status to p is a forward
// step. Terminal statuses never change and equal statuses are no-ops.
func (p PaymentStatus) Advances(from PaymentStatus) bool {
	if from.Terminal() || p.rank() < 0 {
		return false
	}
	return p.rank() > from.rank()
}
