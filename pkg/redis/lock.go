package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	rd "github.com/redis/go-redis/v9"
)

const defaultLockTTL = 10 * time.Second

// Locker 多实例部署下的分布式锁（redislock）。
// TTL 只用于兜底崩溃的持有者：持锁期间每 TTL/3 续期一次，慢事务不会让锁中途过期。
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewLocker(rdb *rd.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), int(ttl/(25*time.Millisecond))),
	}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("lock %s not obtained: %w", key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	done := make(chan struct{})
	go l.keepAlive(lk, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			// 用新的 context 释放，请求被取消时也能放锁
			_ = lk.Release(context.Background())
		})
	}, nil
}

// keepAlive 续期直到释放；续期失败说明锁已丢失，停止续期。
func (l *Locker) keepAlive(lk *redislock.Lock, done <-chan struct{}) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := lk.Refresh(context.Background(), l.ttl, nil); err != nil {
				return
			}
		}
	}
}
