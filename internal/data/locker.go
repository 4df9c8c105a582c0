package data

import (
	"context"
	"fmt"
	"sync"

	"posetl/internal/biz"
	"posetl/internal/conf"
	"posetl/internal/pkg/distlock"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
)

// redisPartitionLocker 基于 Redis 的 (domain, stage) 分布式锁
type redisPartitionLocker struct {
	factory *distlock.Factory
	log     *log.Helper
}

// localPartitionLocker 未配置 Redis 时使用，只在本进程内互斥
type localPartitionLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLocalPartitionLocker() *localPartitionLocker {
	return &localPartitionLocker{locks: make(map[string]chan struct{})}
}

func (l *localPartitionLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// Lock 等待同一 (domain, stage) 的持有者释放，ctx 取消时放弃
func (l *localPartitionLocker) Lock(ctx context.Context, domain string, stage biz.Stage) (func(context.Context) error, error) {
	ch := l.slot(fmt.Sprintf("%s:%s", domain, stage))
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

// NewPartitionLocker 创建分区锁，rdb 为空时退化为进程内锁
func NewPartitionLocker(c *conf.Data, rdb *redis.Client, logger log.Logger) (biz.PartitionLocker, error) {
	helper := log.NewHelper(log.With(logger, "module", "data/locker"))
	if rdb == nil || c.Redis == nil {
		helper.Info("Redis not configured, partition locks are process-local only")
		return newLocalPartitionLocker(), nil
	}
	opts := []distlock.Option{
		distlock.WithLockTimeout(c.Redis.LockTimeout.AsDuration()),
		distlock.WithTries(int(c.Redis.LockTries)),
	}
	if d := c.Redis.LockRetryDelay.AsDuration(); d > 0 {
		opts = append(opts, distlock.WithRetryDelay(d))
	}
	factory, err := distlock.NewFactory(rdb, distlock.LockerType(c.Redis.LockType), helper, opts...)
	if err != nil {
		return nil, &biz.ConfigError{Msg: fmt.Sprintf("data.redis.lock_type: %v", err)}
	}
	return &redisPartitionLocker{factory: factory, log: helper}, nil
}

// Lock 获取锁，返回的 unlock 释放锁
func (l *redisPartitionLocker) Lock(ctx context.Context, domain string, stage biz.Stage) (func(context.Context) error, error) {
	name := fmt.Sprintf("posetl:lock:%s:%s", domain, stage)
	locker := l.factory.New(name)
	if err := locker.Lock(ctx); err != nil {
		return nil, err
	}
	l.log.Debugf("Acquired %s lock %s", l.factory.Type(), name)
	return locker.Unlock, nil
}
