package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StockCache 缓存药品可用总量供目录页展示。
// 以库存账本为准，库存变动时删除缓存。
type StockCache struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewStockCache(rdb *rd.Client, ttl time.Duration) *StockCache {
	return &StockCache{rdb: rdb, ttl: ttl}
}

// Get 未命中时 found=false。
func (c *StockCache) Get(ctx context.Context, medicineID uint) (int, bool, error) {
	v, err := c.rdb.Get(ctx, StockKey(medicineID)).Int()
	if errors.Is(err, rd.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *StockCache) Set(ctx context.Context, medicineID uint, available int) error {
	return c.rdb.Set(ctx, StockKey(medicineID), available, c.ttl).Err()
}

func (c *StockCache) Forget(ctx context.Context, medicineIDs ...uint) error {
	if len(medicineIDs) == 0 {
		return nil
	}
	keys := make([]string, len(medicineIDs))
	for i, id := range medicineIDs {
		keys[i] = StockKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}
