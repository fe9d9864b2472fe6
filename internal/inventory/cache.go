package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/config"
)

const stockKeyPrefix = "stock:"

// StockCache caches derived stock counts. A miss or cache error falls back
// to the live count; the cache is advisory only and never authoritative.
type StockCache interface {
	Get(ctx context.Context, productID int64) (int, bool)
	Set(ctx context.Context, productID int64, count int)
	Invalidate(ctx context.Context, productID int64)
}

// RedisStockCache implements StockCache using Redis.
type RedisStockCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Entry
}

func NewRedisStockCache(cfg config.RedisConfig, logger *logrus.Entry) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ttl := cfg.StockTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &RedisStockCache{
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "stock-cache"),
	}
}

func (c *RedisStockCache) Get(ctx context.Context, productID int64) (int, bool) {
	key := stockKeyPrefix + strconv.FormatInt(productID, 10)

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"product_id": productID,
			"error":      err.Error(),
		}).Warn("Stock cache get failed")
		return 0, false
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return count, true
}

func (c *RedisStockCache) Set(ctx context.Context, productID int64, count int) {
	key := stockKeyPrefix + strconv.FormatInt(productID, 10)

	if err := c.client.Set(ctx, key, strconv.Itoa(count), c.ttl).Err(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"product_id": productID,
			"error":      err.Error(),
		}).Warn("Stock cache set failed")
	}
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productID int64) {
	key := stockKeyPrefix + strconv.FormatInt(productID, 10)

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"product_id": productID,
			"error":      err.Error(),
		}).Warn("Stock cache invalidate failed")
	}
}

// Close releases the underlying client.
func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

// NoopStockCache disables caching; every read hits the live count.
type NoopStockCache struct{}

func (NoopStockCache) Get(ctx context.Context, productID int64) (int, bool) { return 0, false }
func (NoopStockCache) Set(ctx context.Context, productID int64, count int)  {}
func (NoopStockCache) Invalidate(ctx context.Context, productID int64)      {}
