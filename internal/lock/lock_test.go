package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedis(client, time.Minute, nil)
	l.poll = 5 * time.Millisecond
	return l, mr
}

func lockers(t *testing.T) map[string]Locker {
	r, _ := newRedisLocker(t)
	return map[string]Locker{
		"local": NewLocal(),
		"redis": r,
	}
}

func TestLockerMutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(context.Background(), "session:1")
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestLockerKeysAreIndependent(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock1, err := l.Lock(context.Background(), "session:1")
			require.NoError(t, err)
			defer unlock1()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			unlock2, err := l.Lock(ctx, "session:2")
			require.NoError(t, err)
			unlock2()
		})
	}
}

func TestLockerHonorsContext(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "session:1")
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "session:1")
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestLocalDropsReleasedKeys(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	unlock()
	unlock()
	assert.Equal(t, 0, l.Len())
}

func TestRedisUnlockKeepsForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t)
	unlock, err := l.Lock(context.Background(), "session:9")
	require.NoError(t, err)

	// Simulate expiry followed by another holder.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("autograder:lock:session:9", "someone-else"))

	unlock()
	got, err := mr.Get("autograder:lock:session:9")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisRenewsHeldLock(t *testing.T) {
	l, mr := newRedisLocker(t)
	l.refresh = 5 * time.Millisecond
	const key = "autograder:lock:session:11"

	unlock, err := l.Lock(context.Background(), "session:11")
	require.NoError(t, err)

	// Most of the TTL elapses while grading is still running.
	mr.FastForward(50 * time.Second)
	require.Eventually(t, func() bool {
		return mr.TTL(key) > 30*time.Second
	}, time.Second, 5*time.Millisecond)

	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists(key), "renewed lock should outlive its original TTL")

	unlock()
	unlock()
	assert.False(t, mr.Exists(key))
}

func TestRedisStopsRenewingLostLock(t *testing.T) {
	l, mr := newRedisLocker(t)
	l.refresh = 5 * time.Millisecond
	const key = "autograder:lock:session:12"

	unlock, err := l.Lock(context.Background(), "session:12")
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, "someone-else"))
	mr.SetTTL(key, 10*time.Second)

	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, mr.TTL(key), 10*time.Second)

	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
