package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by SET NX PX, shared by every replica using the same Redis.
// A held lock is renewed every ttl/3 until it is released, so ttl only bounds how long
// a crashed holder blocks others, not how long a live holder may keep the lock.
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	refresh time.Duration
	poll    time.Duration
	prefix  string
	logger  *slog.Logger
}

// NewRedis returns a Redis locker.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{
		client:  client,
		ttl:     ttl,
		refresh: ttl / 3,
		poll:    50 * time.Millisecond,
		prefix:  "autograder:lock:",
		logger:  logger,
	}
}

// Lock blocks until key is acquired or ctx is done. The returned func releases the
// lock and may be called more than once.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.keepAlive(k, token, stop, done)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					r.unlock(k, token)
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// keepAlive pushes the expiry of a held lock forward until stop is closed or
// the key no longer holds token.
func (r *Redis) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.refresh)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.refresh)
		n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			r.logger.Warn("renew lock", "key", key, "error", err)
			continue
		}
		if n == 0 {
			r.logger.Warn("lock lost before release", "key", key)
			return
		}
	}
}

func (r *Redis) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		r.logger.Warn("release lock", "key", key, "error", err)
		return
	}
	if n == 0 {
		r.logger.Warn("lock expired before release", "key", key)
	}
}
