package payment

import (
	"bytes"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"shop-api/config"
	"shop-api/internal/apperr"
	"shop-api/internal/models"
)

// Notification is the gateway's HTTP notification body.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type"`
	TransactionTime   string `json:"transaction_time"`
}

// PaymentStatus is the normalized status the notification reports.
func (n *Notification) PaymentStatus() models.PaymentStatus {
	return NormalizeStatus(n.TransactionStatus, n.FraudStatus)
}

// DedupID identifies the gateway transaction for duplicate suppression.
func (n *Notification) DedupID() string {
	if n.TransactionID != "" {
		return n.TransactionID
	}
	return n.OrderID
}

// ParseNotification decodes a raw notification body. Malformed input is a
// ValidationError.
func ParseNotification(raw []byte) (*Notification, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.Validation("empty notification body")
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, apperr.Validation("malformed notification: %v", err)
	}
	if n.OrderID == "" || n.TransactionStatus == "" {
		return nil, apperr.Validation("notification is missing order_id or transaction_status")
	}
	return &n, nil
}

// Verifier checks notification signatures against the server key.
type Verifier struct {
	serverKey     string
	allowUnsigned bool
}

func NewVerifier(cfg config.PaymentConfig) *Verifier {
	return &Verifier{serverKey: cfg.ServerKey, allowUnsigned: cfg.AllowUnsignedNotifications}
}

// Verify returns ErrUnverified unless the signature matches
// sha512(order_id + status_code + gross_amount + server_key).
func (v *Verifier) Verify(n *Notification) error {
	if v.serverKey == "" {
		if v.allowUnsigned {
			return nil
		}
		return apperr.ErrUnverified.With("gateway server key is not configured")
	}
	if n.SignatureKey == "" {
		return apperr.ErrUnverified.With("notification has no signature")
	}

	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, v.serverKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(n.SignatureKey))) != 1 {
		return apperr.ErrUnverified.With("notification signature mismatch")
	}
	return nil
}

// Signature computes the gateway's notification signature.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}
