package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"shop-api/config"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/rate_limit.lua
var rateLimitScript string

//go:embed scripts/cache_status.lua
var cacheStatusScript string

// Key templates
const (
	// ratelimit:{client}:{route group}
	KeyRateLimit = "ratelimit:%s:%s"

	// webhook:processed:{transaction_id}:{transaction_status}:{fraud_status}
	KeyNotificationProcessed = "webhook:processed:%s:%s:%s"

	// order_status:{order_number} -> JSON snapshot
	KeyOrderStatus = "order_status:%s"

	// order_status_version:{order_number} -> invalidation counter
	KeyOrderStatusVersion = "order_status_version:%s"
)

var (
	TTLNotificationDedup = 48 * time.Hour
	TTLStatusCache       = 5 * time.Minute
	TTLStatusVersion     = 24 * time.Hour
)

type Client struct {
	rdb               *redis.Client
	rateLimitScript   *redis.Script
	cacheStatusScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:               rdb,
		rateLimitScript:   redis.NewScript(rateLimitScript),
		cacheStatusScript: redis.NewScript(cacheStatusScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RateLimitResult describes the state of one client's window after a hit.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Allow counts one request for key in a fixed window and reports whether it
// is within limit.
func (c *Client) Allow(ctx context.Context, client, group string, limit int, window time.Duration) (RateLimitResult, error) {
	key := fmt.Sprintf(KeyRateLimit, client, group)

	res, err := c.rateLimitScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return RateLimitResult{}, fmt.Errorf("unexpected rate limit script result %v", res)
	}
	count, ok1 := values[0].(int64)
	ttl, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return RateLimitResult{}, fmt.Errorf("unexpected rate limit script result %v", res)
	}

	return evaluateWindow(int(count), limit, time.Duration(ttl)*time.Millisecond), nil
}

func evaluateWindow(count, limit int, ttl time.Duration) RateLimitResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   ttl,
	}
}

// IsNotificationProcessed checks the webhook dedup key
func (c *Client) IsNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus string) (bool, error) {
	n, err := c.rdb.Exists(ctx, notificationKey(transactionID, transactionStatus, fraudStatus)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkNotificationProcessed sets the webhook dedup key
func (c *Client) MarkNotificationProcessed(ctx context.Context, transactionID, transactionStatus, fraudStatus string) error {
	return c.rdb.Set(ctx, notificationKey(transactionID, transactionStatus, fraudStatus), "1",
		TTLNotificationDedup).Err()
}

func notificationKey(transactionID, transactionStatus, fraudStatus string) string {
	return fmt.Sprintf(KeyNotificationProcessed, transactionID, transactionStatus, fraudStatus)
}

// StatusVersion returns the invalidation counter of an order's snapshot.
// Read it before loading the state that goes into CacheOrderStatus.
func (c *Client) StatusVersion(ctx context.Context, orderNumber string) (int64, error) {
	v, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatusVersion, orderNumber)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// CacheOrderStatus stores a JSON snapshot of an order's payment state unless
// the order was invalidated after version was read. It reports whether the
// snapshot was written.
func (c *Client) CacheOrderStatus(ctx context.Context, orderNumber string, version int64, snapshot any) (bool, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to marshal status snapshot: %w", err)
	}
	keys := []string{fmt.Sprintf(KeyOrderStatus, orderNumber), fmt.Sprintf(KeyOrderStatusVersion, orderNumber)}
	written, err := c.cacheStatusScript.Run(ctx, c.rdb, keys,
		strconv.FormatInt(version, 10), data, TTLStatusCache.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("status cache script failed: %w", err)
	}
	return written == 1, nil
}

// GetOrderStatus loads a cached snapshot into dest. It reports false on a miss.
func (c *Client) GetOrderStatus(ctx context.Context, orderNumber string, dest any) (bool, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderNumber)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal status snapshot: %w", err)
	}
	return true, nil
}

// InvalidateOrderStatus drops a cached snapshot and bumps its version so a
// read already in flight cannot write back what it loaded.
func (c *Client) InvalidateOrderStatus(ctx context.Context, orderNumber string) error {
	versionKey := fmt.Sprintf(KeyOrderStatusVersion, orderNumber)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, versionKey)
	pipe.Expire(ctx, versionKey, TTLStatusVersion)
	pipe.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderNumber))
	_, err := pipe.Exec(ctx)
	return err
}
