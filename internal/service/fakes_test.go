package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
	"shop-api/internal/payment"
	"shop-api/internal/store"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for store.Store. Every method holds the
// mutex for its whole duration, which gives the same atomicity as the
// conditional updates in Postgres.
type memStore struct {
	mu        sync.Mutex
	products  map[int64]*models.Product
	orders    map[int64]*models.Order
	items     map[int64][]models.OrderItem
	users     map[int64]*models.User
	processed map[string]string
	numbers   map[string]bool

	nextOrderID int64
	nextItemID  int64
	nextUserID  int64

	failCreateOrder error
	failRestore     map[int64]error
	failReserve     map[int64]error
	// casMisses makes the next n guarded updates report a lost race
	casMisses int
}

func newMemStore() *memStore {
	return &memStore{
		products:    map[int64]*models.Product{},
		orders:      map[int64]*models.Order{},
		items:       map[int64][]models.OrderItem{},
		users:       map[int64]*models.User{},
		processed:   map[string]string{},
		numbers:     map[string]bool{},
		failRestore: map[int64]error{},
		failReserve: map[int64]error{},
	}
}

func (m *memStore) addProduct(id int64, name string, price int64, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = &models.Product{ID: id, Name: name, Price: decimal.NewFromInt(price), Stock: stock, IsActive: true}
}

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memStore) order(id int64) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ReserveStock(_ context.Context, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failReserve[productID]; err != nil {
		return err
	}
	p, ok := m.products[productID]
	if !ok {
		return apperr.NotFound("product %d not found", productID)
	}
	if p.Stock < quantity {
		return apperr.ErrInsufficientStock.With("insufficient stock for product %d", productID)
	}
	p.Stock -= quantity
	return nil
}

func (m *memStore) RestoreStock(_ context.Context, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRestore[productID]; err != nil {
		return err
	}
	p, ok := m.products[productID]
	if !ok {
		return apperr.NotFound("product %d not found", productID)
	}
	p.Stock += quantity
	return nil
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateOrder != nil {
		return m.failCreateOrder
	}
	if m.numbers[order.OrderNumber] {
		return store.ErrOrderNumberTaken
	}
	m.numbers[order.OrderNumber] = true

	m.nextOrderID++
	order.ID = m.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	for i := range items {
		m.nextItemID++
		items[i].ID = m.nextItemID
		items[i].OrderID = order.ID
	}

	stored := *order
	stored.Items = nil
	m.orders[order.ID] = &stored
	m.items[order.ID] = append([]models.OrderItem(nil), items...)
	order.Items = items
	return nil
}

func (m *memStore) live(id int64) (*models.Order, bool) {
	o, ok := m.orders[id]
	if !ok || o.DeletedAt.Valid {
		return nil, false
	}
	return o, true
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.live(id)
	if !ok {
		return nil, apperr.NotFound("order %d not found", id)
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrderByNumber(_ context.Context, number string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orders {
		if o.OrderNumber == number {
			if live, ok := m.live(id); ok {
				cp := *live
				return &cp, nil
			}
		}
	}
	return nil, apperr.NotFound("order %s not found", number)
}

func (m *memStore) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem{}, m.items[orderID]...), nil
}

func (m *memStore) ListOrders(_ context.Context, userID int64, limit, offset int) ([]models.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := []models.Order{}
	for id, o := range m.orders {
		if _, ok := m.live(id); !ok {
			continue
		}
		if userID == 0 || o.UserID == userID {
			all = append(all, *o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	if offset >= total {
		return []models.Order{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) CompareAndSetStatus(_ context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casMisses > 0 {
		m.casMisses--
		return false, nil
	}
	o, ok := m.live(orderID)
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *memStore) ApplyPayment(_ context.Context, orderID int64,
	fromPayment models.PaymentStatus, fromStatus models.OrderStatus,
	toPayment models.PaymentStatus, toStatus models.OrderStatus,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casMisses > 0 {
		m.casMisses--
		return false, nil
	}
	o, ok := m.live(orderID)
	if !ok || o.PaymentStatus != fromPayment || o.Status != fromStatus {
		return false, nil
	}
	o.PaymentStatus = toPayment
	o.Status = toStatus
	return true, nil
}

func (m *memStore) MarkPaymentFailed(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok && o.PaymentStatus == models.PaymentStatusPending {
		o.PaymentStatus = models.PaymentStatusFailed
	}
	return nil
}

func (m *memStore) SetPaymentLink(_ context.Context, orderID int64, token, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.SnapToken.String, o.SnapToken.Valid = token, true
	o.PaymentURL.String, o.PaymentURL.Valid = url, true
	return nil
}

func (m *memStore) SoftDeleteOrder(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.Status = models.OrderStatusCancelled
	o.DeletedAt.Time, o.DeletedAt.Valid = time.Now(), true
	return nil
}

func (m *memStore) IsNotificationProcessed(_ context.Context, txID, status, fraud string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[dedupKey(txID, status, fraud)]
	return ok, nil
}

func (m *memStore) MarkNotificationProcessed(_ context.Context, txID, status, fraud, orderNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[dedupKey(txID, status, fraud)] = orderNumber
	return nil
}

func (m *memStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return apperr.ErrEmailTaken
		}
	}
	m.nextUserID++
	user.ID = m.nextUserID
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memStore) findUser(match func(*models.User) bool) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("user not found")
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	return m.findUser(func(u *models.User) bool { return u.ID == id })
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return m.findUser(func(u *models.User) bool { return u.Email == email })
}

func (m *memStore) GetUserByOAuth(_ context.Context, provider, externalID string) (*models.User, error) {
	return m.findUser(func(u *models.User) bool {
		return u.OAuthProvider.String == provider && u.OAuthID.String == externalID
	})
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	statusErr error
	requests  []payment.TransactionRequest
	cancelled []string
	live      payment.TransactionStatus
	// onStatus runs before a status lookup answers
	onStatus func(orderNumber string)
}

func (g *fakeGateway) CreateTransaction(_ context.Context, req payment.TransactionRequest) (*payment.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &payment.Transaction{
		Token:       "snap-" + req.OrderNumber,
		RedirectURL: "https://pay.example.com/" + req.OrderNumber,
	}, nil
}

func (g *fakeGateway) GetTransactionStatus(_ context.Context, orderNumber string) (*payment.TransactionStatus, error) {
	if g.onStatus != nil {
		g.onStatus(orderNumber)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	st := g.live
	st.OrderID = orderNumber
	return &st, nil
}

func (g *fakeGateway) CancelTransaction(_ context.Context, orderNumber string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, orderNumber)
	return nil
}

type fakeCache struct {
	mu          sync.Mutex
	processed   map[string]bool
	statuses    map[string][]byte
	versions    map[string]int64
	invalidated []string
	failReads   bool
}

// dedupKey renders "tx/status" or "tx/status/fraud".
func dedupKey(txID, status, fraud string) string {
	if fraud == "" {
		return txID + "/" + status
	}
	return txID + "/" + status + "/" + fraud
}

func newFakeCache() *fakeCache {
	return &fakeCache{processed: map[string]bool{}, statuses: map[string][]byte{}, versions: map[string]int64{}}
}

func (c *fakeCache) IsNotificationProcessed(_ context.Context, txID, status, fraud string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return false, errors.New("redis down")
	}
	return c.processed[dedupKey(txID, status, fraud)], nil
}

func (c *fakeCache) MarkNotificationProcessed(_ context.Context, txID, status, fraud string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed[dedupKey(txID, status, fraud)] = true
	return nil
}

func (c *fakeCache) StatusVersion(_ context.Context, orderNumber string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return 0, errors.New("redis down")
	}
	return c.versions[orderNumber], nil
}

func (c *fakeCache) CacheOrderStatus(_ context.Context, orderNumber string, version int64, snapshot any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[orderNumber] != version {
		return false, nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, err
	}
	c.statuses[orderNumber] = data
	return true, nil
}

func (c *fakeCache) GetOrderStatus(_ context.Context, orderNumber string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return false, errors.New("redis down")
	}
	data, ok := c.statuses[orderNumber]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (c *fakeCache) InvalidateOrderStatus(_ context.Context, orderNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, orderNumber)
	c.versions[orderNumber]++
	c.invalidated = append(c.invalidated, orderNumber)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) record(eventType, orderNumber string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("%s:%s", eventType, orderNumber))
	return nil
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return p.record(e.EventType, e.OrderNumber)
}

func (p *fakePublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	return p.record(e.EventType, e.OrderNumber)
}

func (p *fakePublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return p.record(e.EventType, e.OrderNumber)
}

func (p *fakePublisher) PublishPaymentStatusChanged(_ context.Context, e *models.PaymentStatusChangedEvent) error {
	return p.record(e.EventType, e.OrderNumber)
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type acceptAll struct{}

func (acceptAll) Verify(*payment.Notification) error { return nil }

type fakeIdentityProvider struct {
	identity *ExternalIdentity
	err      error
}

func (f fakeIdentityProvider) Exchange(context.Context, string) (*ExternalIdentity, error) {
	return f.identity, f.err
}
