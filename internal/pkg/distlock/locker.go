package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrLockHeld is returned when another owner holds the lock.
var ErrLockHeld = errors.New("distlock: lock is held by another owner")

// ErrNotOwner is returned when unlocking or renewing a lock this instance does not own.
var ErrNotOwner = errors.New("distlock: lock is not owned by this instance")

// Locker defines the interface for distributed locking mechanisms.
type Locker interface {
	// Lock attempts to acquire the distributed lock.
	Lock(ctx context.Context) error
	// Unlock releases the distributed lock.
	Unlock(ctx context.Context) error
	// Renew refreshes the lock's expiration time.
	Renew(ctx context.Context) error
}

// Option defines configuration options for lockers.
type Option func(*Options)

// Options holds configuration for distributed lockers.
type Options struct {
	lockName    string
	lockTimeout time.Duration
	ownerID     string
	tries       int
	retryDelay  time.Duration
	autoRenew   bool
	logger      *log.Helper
}

// WithLockName sets the lock name.
func WithLockName(name string) Option {
	return func(o *Options) {
		o.lockName = name
	}
}

// WithLockTimeout sets the lock expiry. The lock is renewed every half expiry while held
// when auto renew is enabled.
func WithLockTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.lockTimeout = timeout
		}
	}
}

// WithOwnerID sets the owner ID for the lock.
func WithOwnerID(ownerID string) Option {
	return func(o *Options) {
		o.ownerID = ownerID
	}
}

// WithTries sets how many acquisition attempts are made before giving up.
func WithTries(tries int) Option {
	return func(o *Options) {
		if tries > 0 {
			o.tries = tries
		}
	}
}

// WithRetryDelay sets the delay between acquisition attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		o.retryDelay = d
	}
}

// WithAutoRenew keeps the lock alive in the background until Unlock.
func WithAutoRenew(enabled bool) Option {
	return func(o *Options) {
		o.autoRenew = enabled
	}
}

// WithLogger sets the logger for the locker.
func WithLogger(logger *log.Helper) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// ApplyOptions applies the given options and returns the final Options.
func ApplyOptions(opts ...Option) *Options {
	o := &Options{
		lockName:    "posetl:lock:default",
		lockTimeout: 30 * time.Second,
		tries:       1,
		retryDelay:  500 * time.Millisecond,
		autoRenew:   true,
		logger:      log.NewHelper(log.DefaultLogger),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// keepAlive calls renew every half timeout until stop is closed or renewal fails.
func keepAlive(stop <-chan struct{}, timeout time.Duration, renew func(context.Context) error, logger *log.Helper, name string) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout/2)
			err := renew(ctx)
			cancel()
			if err != nil {
				logger.Errorw("msg", "lock renewal stopped", "lockName", name, "error", err)
				return
			}
		}
	}
}
