package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Both scripts act only while the key still holds the caller's token, so a
// holder whose lease lapsed can neither extend nor drop a successor's lock.
var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// LockManager implements domain.LockManager. A held lock is leased for ttl
// and renewed every ttl/3 until released, so a battle that runs past the
// lease keeps its exclusivity while its worker is alive.
type LockManager struct {
	rdb *redis.Client
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock for ttl. It returns domain.ErrLockHeld when another
// holder has it. The returned release is idempotent and safe for concurrent
// use; it stops renewal and deletes the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: lock %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		lm.renew(stop, lk, token, ttl)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context is usually finished by now.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

// renew extends the lease until stop closes or the token is no longer the
// holder. Transient errors are retried on the next tick; the lease itself
// bounds how long a dead worker can keep the key.
func (lm *LockManager) renew(stop <-chan struct{}, lk, token string, ttl time.Duration) {
	every := ttl / 3
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
