package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// openGuardTTL bounds how long a stuck open-guard can block a buyer
const openGuardTTL = 5 * time.Second

// Client caches eager order views and holds short-lived guards against
// concurrent negotiation opens
type Client struct {
	rdb      *redis.Client
	orderTTL time.Duration
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int, orderTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, orderTTL: orderTTL}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order:detail:%d", orderID)
}

func openGuardKey(productID, buyerID int64) string {
	return fmt.Sprintf("negotiation:open:%d:%d", productID, buyerID)
}

// GetOrderDetail returns a cached order view, or (nil, nil) on a miss
func (c *Client) GetOrderDetail(ctx context.Context, orderID int64) (*models.OrderDetail, error) {
	payload, err := c.rdb.Get(ctx, orderKey(orderID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var detail models.OrderDetail
	if err := json.Unmarshal(payload, &detail); err != nil {
		return nil, fmt.Errorf("failed to decode cached order: %w", err)
	}
	return &detail, nil
}

// SetOrderDetail caches an order view with the configured TTL
func (c *Client) SetOrderDetail(ctx context.Context, detail *models.OrderDetail) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	return c.rdb.Set(ctx, orderKey(detail.ID), payload, c.orderTTL).Err()
}

// InvalidateOrder drops a cached order view after a status change
func (c *Client) InvalidateOrder(ctx context.Context, orderID int64) error {
	return c.rdb.Del(ctx, orderKey(orderID)).Err()
}

// AcquireOpenGuard takes the short-lived guard for one (product, buyer)
// pair; returns false when another open holds it
func (c *Client) AcquireOpenGuard(ctx context.Context, productID, buyerID int64) (bool, error) {
	return c.rdb.SetNX(ctx, openGuardKey(productID, buyerID), "1", openGuardTTL).Result()
}

// ReleaseOpenGuard releases the guard
func (c *Client) ReleaseOpenGuard(ctx context.Context, productID, buyerID int64) error {
	return c.rdb.Del(ctx, openGuardKey(productID, buyerID)).Err()
}
