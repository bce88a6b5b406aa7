package payment

import (
	"strings"

	"shop-api/internal/models"
)

// Gateway transaction statuses
const (
	TransactionCapture    = "capture"
	TransactionSettlement = "settlement"
	TransactionPending    = "pending"
	TransactionDeny       = "deny"
	TransactionCancel     = "cancel"
	TransactionExpire     = "expire"

	FraudAccept    = "accept"
	FraudChallenge = "challenge"
)

// NormalizeStatus maps the gateway's vocabulary onto payment statuses.
// Anything unrecognised stays pending, including a capture without a fraud
// verdict; it never becomes success.
func NormalizeStatus(transactionStatus, fraudStatus string) models.PaymentStatus {
	fraud := strings.ToLower(strings.TrimSpace(fraudStatus))

	switch strings.ToLower(strings.TrimSpace(transactionStatus)) {
	case TransactionCapture:
		switch fraud {
		case FraudChallenge:
			return models.PaymentStatusChallenge
		case FraudAccept:
			return models.PaymentStatusSuccess
		default:
			return models.PaymentStatusPending
		}
	case TransactionSettlement:
		return models.PaymentStatusSuccess
	case TransactionCancel, TransactionDeny, TransactionExpire:
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPending
	}
}
