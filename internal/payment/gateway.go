// Package payment adapts orders to the Snap payment gateway and translates
// the gateway's status vocabulary and notifications back into ours.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shop-api/config"
	"shop-api/internal/apperr"
	"shop-api/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sandboxSnapURL    = "https://app.sandbox.midtrans.com"
	sandboxAPIURL     = "https://api.sandbox.midtrans.com"
	productionSnapURL = "https://app.midtrans.com"
	productionAPIURL  = "https://api.midtrans.com"

	mockRedirectURL = "https://simulator.sandbox.midtrans.com/mock-payment/"

	maxResponseBytes = 1 << 20
)

// Buyer is the customer block sent with a transaction.
type Buyer struct {
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Item is one line of a transaction. Price is an integer amount.
type Item struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

type TransactionRequest struct {
	OrderNumber string
	Amount      int64
	Buyer       Buyer
	Items       []Item
}

// Transaction is the hosted payment page handed back to the buyer.
type Transaction struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// TransactionStatus is the gateway's live view of a transaction.
type TransactionStatus struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
}

type snapRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails Buyer  `json:"customer_details"`
	ItemDetails     []Item `json:"item_details,omitempty"`
}

type errorResponse struct {
	ErrorMessages []string `json:"error_messages"`
	StatusMessage string   `json:"status_message"`
}

// Client talks to the gateway over HTTP. With no server key configured it
// runs in mock mode and never leaves the process.
type Client struct {
	serverKey string
	snapURL   string
	apiURL    string
	timeout   time.Duration
	http      *http.Client
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

type Option func(*Client)

// WithBaseURLs points the client at another host, for tests.
func WithBaseURLs(snapURL, apiURL string) Option {
	return func(c *Client) {
		c.snapURL = strings.TrimRight(snapURL, "/")
		c.apiURL = strings.TrimRight(apiURL, "/")
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(cfg config.PaymentConfig, opts ...Option) *Client {
	c := &Client{
		serverKey: cfg.ServerKey,
		snapURL:   sandboxSnapURL,
		apiURL:    sandboxAPIURL,
		timeout:   cfg.Timeout,
		http:      &http.Client{Timeout: cfg.Timeout},
		breaker:   NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerReset),
		logger:    util.GetLogger(),
	}
	if cfg.IsProduction {
		c.snapURL, c.apiURL = productionSnapURL, productionAPIURL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mock reports whether the client fakes gateway responses.
func (c *Client) Mock() bool {
	return c.serverKey == ""
}

// CreateTransaction opens a hosted payment page for the order.
func (c *Client) CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.CreateTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	if req.Amount <= 0 {
		return nil, apperr.Validation("transaction amount must be positive")
	}

	if c.Mock() {
		util.PaymentGatewayRequestsTotal.WithLabelValues("create", "mock").Inc()
		c.logger.Info("Mock payment transaction created", zap.String("order_number", req.OrderNumber))
		return &Transaction{
			Token:       "mock-snap-token-" + uuid.New().String(),
			RedirectURL: mockRedirectURL + req.OrderNumber,
		}, nil
	}

	body := snapRequest{CustomerDetails: req.Buyer, ItemDetails: balanceItems(req.Items, req.Amount)}
	body.TransactionDetails.OrderID = req.OrderNumber
	body.TransactionDetails.GrossAmount = req.Amount

	var tx Transaction
	if err := c.do(ctx, "create", http.MethodPost, c.snapURL+"/snap/v1/transactions", body, &tx); err != nil {
		c.logger.Error("Payment transaction failed",
			zap.String("order_number", req.OrderNumber),
			zap.Error(err))
		return nil, err
	}
	if tx.Token == "" {
		util.PaymentGatewayRequestsTotal.WithLabelValues("create", "error").Inc()
		return nil, apperr.Gateway("payment gateway returned no token", nil)
	}

	c.logger.Info("Payment transaction created", zap.String("order_number", req.OrderNumber))
	return &tx, nil
}

// GetTransactionStatus fetches the gateway's current view of a transaction.
func (c *Client) GetTransactionStatus(ctx context.Context, orderNumber string) (*TransactionStatus, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.GetTransactionStatus")
	defer span.End()

	if c.Mock() {
		util.PaymentGatewayRequestsTotal.WithLabelValues("status", "mock").Inc()
		return &TransactionStatus{
			OrderID:           orderNumber,
			TransactionStatus: TransactionPending,
			StatusCode:        "201",
			StatusMessage:     "mock transaction",
		}, nil
	}

	var st TransactionStatus
	if err := c.do(ctx, "status", http.MethodGet, c.apiURL+"/v2/"+orderNumber+"/status", nil, &st); err != nil {
		return nil, err
	}
	if st.StatusCode == "404" {
		return nil, apperr.NotFound("transaction %s not found at payment gateway", orderNumber)
	}
	return &st, nil
}

// CancelTransaction asks the gateway to void a transaction that has not
// been paid.
func (c *Client) CancelTransaction(ctx context.Context, orderNumber string) error {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.CancelTransaction")
	defer span.End()

	if c.Mock() {
		util.PaymentGatewayRequestsTotal.WithLabelValues("cancel", "mock").Inc()
		return nil
	}
	return c.do(ctx, "cancel", http.MethodPost, c.apiURL+"/v2/"+orderNumber+"/cancel", nil, nil)
}

// do performs one gateway call through the breaker. Transport errors and 5xx
// responses count against the breaker; 4xx responses do not.
func (c *Client) do(ctx context.Context, op, method, url string, body, out any) error {
	var apiErr error

	err := c.breaker.Execute(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				apiErr = fmt.Errorf("failed to marshal gateway request: %w", err)
				return nil
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			apiErr = fmt.Errorf("failed to build gateway request: %w", err)
			return nil
		}
		req.SetBasicAuth(c.serverKey, "")
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read gateway response: %w", err)
		}

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, gatewayMessage(data, resp.StatusCode))
		case resp.StatusCode >= http.StatusBadRequest:
			apiErr = apperr.Gateway(gatewayMessage(data, resp.StatusCode), nil)
			return nil
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				apiErr = apperr.Gateway("payment gateway returned an unreadable response", err)
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, ErrCircuitOpen):
		util.PaymentGatewayRequestsTotal.WithLabelValues(op, "circuit_open").Inc()
		return apperr.Gateway("payment gateway unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		util.PaymentGatewayRequestsTotal.WithLabelValues(op, "timeout").Inc()
		return apperr.Gateway("payment gateway timed out", err)
	case err != nil:
		util.PaymentGatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return apperr.Gateway("payment gateway request failed", err)
	case apiErr != nil:
		util.PaymentGatewayRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return apiErr
	}

	util.PaymentGatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func gatewayMessage(data []byte, status int) string {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		if len(er.ErrorMessages) > 0 {
			return strings.Join(er.ErrorMessages, "; ")
		}
		if er.StatusMessage != "" {
			return er.StatusMessage
		}
	}
	return "payment gateway returned HTTP " + strconv.Itoa(status)
}

// balanceItems makes the item lines add up to the integer gross amount. The
// gateway rejects transactions whose lines do not sum to the total, which
// happens when fractional prices are truncated.
func balanceItems(items []Item, amount int64) []Item {
	if len(items) == 0 {
		return nil
	}
	var sum int64
	for _, it := range items {
		sum += it.Price * int64(it.Quantity)
	}
	if sum == amount {
		return items
	}

	out := make([]Item, len(items), len(items)+1)
	copy(out, items)
	return append(out, Item{ID: "ADJUSTMENT", Price: amount - sum, Quantity: 1, Name: "Rounding adjustment"})
}
