// Package redis реализует кэш модели чтения заказов поверх go-redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	// DefaultTTL — время жизни записи заказа в кэше.
	DefaultTTL = 5 * time.Minute

	keyPrefix = "storefront:order:"
	opTimeout = 500 * time.Millisecond
)

// client — подмножество goredis.Cmdable, которое использует кэш.
type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// OrderCache хранит зафиксированные заказы в Redis в виде JSON.
type OrderCache struct {
	rdb    client
	ttl    time.Duration
	logger *log.Entry
}

// Option настраивает OrderCache.
type Option func(*OrderCache)

// WithTTL задаёт время жизни записи.
func WithTTL(ttl time.Duration) Option {
	return func(c *OrderCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *OrderCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient создаёт клиента Redis по адресу host:port.
func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// NewOrderCache создаёт кэш поверх готового клиента.
func NewOrderCache(rdb client, opts ...Option) *OrderCache {
	c := &OrderCache{
		rdb:    rdb,
		ttl:    DefaultTTL,
		logger: log.WithField("component", "order-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func orderKey(id string) string { return keyPrefix + id }

// Get возвращает заказ из кэша. Промах — (Order{}, false, nil).
func (c *OrderCache) Get(ctx context.Context, id string) (domain.Order, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, orderKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("redis get order %s: %w", id, err)
	}

	var order domain.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		// Битая запись: удаляем и считаем промахом.
		c.logger.WithError(err).WithField("order_id", id).Warn("dropping undecodable cache entry")
		_ = c.rdb.Del(ctx, orderKey(id)).Err()
		return domain.Order{}, false, nil
	}
	return order, true, nil
}

// Set кладёт заказ в кэш с TTL.
func (c *OrderCache) Set(ctx context.Context, order domain.Order) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, orderKey(order.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set order %s: %w", order.ID, err)
	}
	return nil
}

// Invalidate удаляет заказ из кэша.
func (c *OrderCache) Invalidate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, orderKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del order %s: %w", id, err)
	}
	return nil
}

// PingContext позволяет использовать кэш как health.Pinger.
func (c *OrderCache) PingContext(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

var _ domain.OrderCache = (*OrderCache)(nil)
