package distlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker provides a distributed lock backed by a single Redis key (SET NX PX).
type RedisLocker struct {
	client      *redis.Client
	lockName    string
	lockTimeout time.Duration
	tries       int
	retryDelay  time.Duration
	autoRenew   bool
	ownerID     string
	logger      *log.Helper

	mu   sync.Mutex
	stop chan struct{}
}

// Ensure RedisLocker implements the Locker interface.
var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a new RedisLocker instance.
func NewRedisLocker(client *redis.Client, opts ...Option) *RedisLocker {
	o := ApplyOptions(opts...)
	if o.ownerID == "" {
		o.ownerID = uuid.New().String()
	}

	return &RedisLocker{
		client:      client,
		lockName:    o.lockName,
		lockTimeout: o.lockTimeout,
		tries:       o.tries,
		retryDelay:  o.retryDelay,
		autoRenew:   o.autoRenew,
		ownerID:     o.ownerID,
		logger:      o.logger,
	}
}

// Lock attempts to acquire the distributed lock, retrying up to the configured tries.
func (l *RedisLocker) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, l.lockName, l.ownerID, l.lockTimeout).Result()
		if err != nil {
			return fmt.Errorf("failed to set lock %s: %w", l.lockName, err)
		}
		if ok {
			break
		}

		owner, err := l.client.Get(ctx, l.lockName).Result()
		if err == nil && owner == l.ownerID {
			// 重入
			return nil
		}
		if attempt >= l.tries {
			return fmt.Errorf("%w: %s", ErrLockHeld, l.lockName)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	if l.autoRenew {
		l.stop = make(chan struct{})
		go keepAlive(l.stop, l.lockTimeout, l.Renew, l.logger, l.lockName)
	}

	l.logger.Debugw("msg", "lock acquired", "lockName", l.lockName, "ownerID", l.ownerID)
	return nil
}

// Unlock releases the distributed lock if this instance owns it.
func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}

	n, err := unlockScript.Run(ctx, l.client, []string{l.lockName}, l.ownerID).Int64()
	if err != nil {
		return fmt.Errorf("failed to delete lock %s: %w", l.lockName, err)
	}
	if n == 0 {
		return ErrNotOwner
	}

	l.logger.Debugw("msg", "lock released", "lockName", l.lockName, "ownerID", l.ownerID)
	return nil
}

// Renew refreshes the lock's expiration time.
func (l *RedisLocker) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.lockName}, l.ownerID, l.lockTimeout.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", l.lockName, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// GetOwnerID returns the owner ID of this locker instance.
func (l *RedisLocker) GetOwnerID() string {
	return l.ownerID
}

// GetLockName returns the lock name.
func (l *RedisLocker) GetLockName() string {
	return l.lockName
}
