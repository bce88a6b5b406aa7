package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// NewOrderNumber returns ORD-YYYYMMDD-XXXXXXXX: the UTC date and 32 random
// bits as upper-case hex. Uniqueness is enforced by the orders table.
func NewOrderNumber() (string, error) {
	return orderNumberAt(time.Now())
}

func orderNumberAt(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate order number: %w", err)
	}
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(b[:]))), nil
}
