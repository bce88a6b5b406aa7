package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the identity record read by the auth flow. PasswordHash never
// leaves the service layer.
type User struct {
	ID            int64          `db:"id" json:"id"`
	Username      string         `db:"username" json:"username"`
	Email         string         `db:"email" json:"email"`
	PasswordHash  string         `db:"password" json:"-"`
	FullName      string         `db:"full_name" json:"full_name"`
	Phone         string         `db:"phone" json:"phone"`
	Role          string         `db:"role" json:"role"`
	IsActive      bool           `db:"is_active" json:"is_active"`
	OAuthProvider sql.NullString `db:"oauth_provider" json:"-"`
	OAuthID       sql.NullString `db:"oauth_id" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Product represents a product in the catalog
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order
type Order struct {
	ID            int64           `db:"id" json:"id"`
	OrderNumber   string          `db:"order_number" json:"order_number"`
	UserID        int64           `db:"user_id" json:"user_id"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status        OrderStatus     `db:"status" json:"status"`
	PaymentStatus PaymentStatus   `db:"payment_status" json:"payment_status"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	SnapToken     sql.NullString  `db:"snap_token" json:"-"`
	PaymentURL    sql.NullString  `db:"payment_url" json:"-"`
	Notes         sql.NullString  `db:"notes" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
	DeletedAt     sql.NullTime    `db:"deleted_at" json:"-"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// IntegerTotal is the amount handed to the payment gateway.
func (o *Order) IntegerTotal() int64 {
	return o.TotalAmount.IntPart()
}

// OrderItem is an immutable snapshot of a product at purchase time.
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Subtotal    decimal.Decimal `db:"subtotal" json:"subtotal"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// OrderView is the JSON shape served to clients.
type OrderView struct {
	ID            int64           `json:"id"`
	OrderNumber   string          `json:"order_number"`
	UserID        int64           `json:"user_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentMethod string          `json:"payment_method"`
	SnapToken     string          `json:"snap_token,omitempty"`
	PaymentURL    string          `json:"payment_url,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Items         []OrderItem     `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (o *Order) View() OrderView {
	return OrderView{
		ID:            o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		TotalAmount:   o.TotalAmount,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		PaymentMethod: o.PaymentMethod,
		SnapToken:     o.SnapToken.String,
		PaymentURL:    o.PaymentURL.String,
		Notes:         o.Notes.String,
		Items:         o.Items,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

// Requester is the authenticated caller of a service operation.
type Requester struct {
	UserID int64
	Email  string
	Role   string
}

func (r Requester) IsAdmin() bool {
	return r.Role == RoleAdmin
}

// CanAccess reports whether r may read or cancel an order owned by ownerID.
func (r Requester) CanAccess(ownerID int64) bool {
	return r.IsAdmin() || r.UserID == ownerID
}
