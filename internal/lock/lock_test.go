package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "medicine:1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, l.locks)
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	u1, err := l.Lock(ctx, "medicine:1")
	require.NoError(t, err)
	defer u1()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	u2, err := l.Lock(ctx2, "medicine:2")
	require.NoError(t, err)
	u2()
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()
	u, err := l.Lock(context.Background(), "queue")
	require.NoError(t, err)
	defer u()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "queue")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAll_ReleasesOnFailure(t *testing.T) {
	l := NewLocal()
	held, err := l.Lock(context.Background(), "medicine:2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = All(ctx, l, "queue", "medicine:1", "medicine:2")
	require.Error(t, err)
	held()

	// queue 与 medicine:1 必须已释放
	unlock, err := All(context.Background(), l, "queue", "medicine:1")
	require.NoError(t, err)
	unlock()
}
