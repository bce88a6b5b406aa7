package models

import (
	"errors"
	"testing"

	"shop-api/internal/apperr"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

func TestCanTransitionTable(t *testing.T) {
	allowed := map[[2]OrderStatus]bool{
		{OrderStatusPending, OrderStatusProcessing}:   true,
		{OrderStatusPending, OrderStatusCancelled}:    true,
		{OrderStatusProcessing, OrderStatusShipped}:   true,
		{OrderStatusProcessing, OrderStatusCancelled}: true,
		{OrderStatusShipped, OrderStatusDelivered}:    true,
		{OrderStatusShipped, OrderStatusCancelled}:    true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]OrderStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := ValidateTransition(from, to)
			if want {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
			}
		}
	}
}

func TestValidateTransitionNamesPair(t *testing.T) {
	err := ValidateTransition(OrderStatusDelivered, OrderStatusPending)
	assert.EqualError(t, err, "cannot move order from delivered to pending")
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, OrderStatusDelivered.Terminal())
	assert.True(t, OrderStatusCancelled.Terminal())
	assert.False(t, OrderStatusShipped.Terminal())
	assert.False(t, OrderStatus("refunded").Valid())
	assert.False(t, CanTransition("refunded", OrderStatusCancelled))
}

func TestPaymentStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		want     bool
	}{
		{PaymentStatusPending, PaymentStatusChallenge, true},
		{PaymentStatusPending, PaymentStatusSuccess, true},
		{PaymentStatusPending, PaymentStatusFailed, true},
		{PaymentStatusChallenge, PaymentStatusSuccess, true},
		{PaymentStatusChallenge, PaymentStatusFailed, true},
		{PaymentStatusPending, PaymentStatusPending, false},
		{PaymentStatusChallenge, PaymentStatusPending, false},
		{PaymentStatusSuccess, PaymentStatusPending, false},
		{PaymentStatusSuccess, PaymentStatusChallenge, false},
		{PaymentStatusSuccess, PaymentStatusFailed, false},
		{PaymentStatusFailed, PaymentStatusSuccess, false},
		{PaymentStatusPending, PaymentStatus("refund"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.to.Advances(tt.from), "%s -> %s", tt.from, tt.to)
	}
}

func TestRequesterCanAccess(t *testing.T) {
	owner := Requester{UserID: 1, Role: RoleUser}
	other := Requester{UserID: 2, Role: RoleUser}
	admin := Requester{UserID: 3, Role: RoleAdmin}

	assert.True(t, owner.CanAccess(1))
	assert.False(t, other.CanAccess(1))
	assert.True(t, admin.CanAccess(1))
}
