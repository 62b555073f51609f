package locks_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/jobsheet-engine/locks"
	"github.com/warp/jobsheet-engine/shop"
)

var (
	_ shop.Locker = (*locks.Local)(nil)
	_ shop.Locker = (*locks.Redis)(nil)
)

// =============================================================================
// LOCAL
// =============================================================================

func TestLocal_SerializesSameKey(t *testing.T) {
	// GIVEN: Many goroutines incrementing a shared counter under one key
	// WHEN: They all run concurrently
	// THEN: No increment is lost

	l := locks.NewLocal()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "party:1")
			if !assert.NoError(t, err) {
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Held())
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := locks.NewLocal()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "machine:1")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(ctx, "machine:2")
		assert.NoError(t, err)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestLocal_WaitRespectsContext(t *testing.T) {
	l := locks.NewLocal()

	unlock, err := l.Lock(context.Background(), "inventory:7")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "inventory:7")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	again, err := l.Lock(context.Background(), "inventory:7")
	require.NoError(t, err)
	again()
}

// =============================================================================
// REDIS
// =============================================================================

func newRedisLocker(t *testing.T, wait time.Duration) *locks.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return locks.NewRedis(rdb, logger, locks.RedisOptions{TTL: 5 * time.Second, Wait: wait})
}

func TestRedis_LockIsExclusive(t *testing.T) {
	// GIVEN: One holder of party:1 in Redis
	// WHEN: A second caller tries the same key with a short wait
	// THEN: It gives up with ErrNotObtained, and succeeds once released

	l := newRedisLocker(t, 100*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "party:1")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "party:1")
	assert.ErrorIs(t, err, locks.ErrNotObtained)

	unlock()

	again, err := l.Lock(ctx, "party:1")
	require.NoError(t, err)
	again()
}

func TestRedis_WaiterGetsLockAfterRelease(t *testing.T) {
	l := newRedisLocker(t, 2*time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "machine:3")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	second, err := l.Lock(ctx, "machine:3")
	require.NoError(t, err)
	second()
}
