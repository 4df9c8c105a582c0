package distlock

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
)

// LockerType defines the type of distributed locker.
type LockerType string

const (
	// LockerTypeRedis uses a single SET NX key.
	LockerTypeRedis LockerType = "redis"
	// LockerTypeRedsync uses redsync.
	LockerTypeRedsync LockerType = "redsync"
)

// Factory creates named distributed lockers sharing one Redis client and default options.
type Factory struct {
	client   *redis.Client
	kind     LockerType
	defaults []Option
	logger   *log.Helper
}

// NewFactory creates a new locker factory. An empty kind selects redsync.
func NewFactory(client *redis.Client, kind LockerType, logger *log.Helper, defaults ...Option) (*Factory, error) {
	if logger == nil {
		logger = log.NewHelper(log.DefaultLogger)
	}
	switch kind {
	case "":
		kind = LockerTypeRedsync
	case LockerTypeRedis, LockerTypeRedsync:
	default:
		return nil, fmt.Errorf("unsupported locker type: %s", kind)
	}
	return &Factory{
		client:   client,
		kind:     kind,
		defaults: defaults,
		logger:   logger,
	}, nil
}

// New creates a locker for the given name. Each call returns an independent locker.
func (f *Factory) New(name string, opts ...Option) Locker {
	all := make([]Option, 0, len(f.defaults)+len(opts)+2)
	all = append(all, WithLogger(f.logger))
	all = append(all, f.defaults...)
	all = append(all, opts...)
	all = append(all, WithLockName(name))

	if f.kind == LockerTypeRedis {
		return NewRedisLocker(f.client, all...)
	}
	return NewRedsyncLocker(f.client, all...)
}

// Type returns the locker type this factory creates.
func (f *Factory) Type() LockerType {
	return f.kind
}
