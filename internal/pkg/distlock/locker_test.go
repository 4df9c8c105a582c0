package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestFactoryLockers(t *testing.T) {
	for _, kind := range []LockerType{LockerTypeRedis, LockerTypeRedsync} {
		t.Run(string(kind), func(t *testing.T) {
			mr, client := newClient(t)
			ctx := context.Background()

			f, err := NewFactory(client, kind, nil, WithLockTimeout(5*time.Second), WithAutoRenew(false))
			require.NoError(t, err)
			require.Equal(t, kind, f.Type())

			first := f.New("posetl:lock:sales:raw")
			second := f.New("posetl:lock:sales:raw")
			other := f.New("posetl:lock:sales:core")

			require.NoError(t, first.Lock(ctx))
			require.True(t, mr.Exists("posetl:lock:sales:raw"))

			err = second.Lock(ctx)
			require.ErrorIs(t, err, ErrLockHeld)
			require.NoError(t, other.Lock(ctx))

			require.NoError(t, first.Renew(ctx))
			require.NoError(t, first.Unlock(ctx))
			require.False(t, mr.Exists("posetl:lock:sales:raw"))

			require.NoError(t, second.Lock(ctx))
			require.NoError(t, second.Unlock(ctx))
			require.NoError(t, other.Unlock(ctx))
		})
	}
}

func TestRedisLockerExpiresWithoutRenewal(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	l := NewRedisLocker(client, WithLockName("expiring"), WithLockTimeout(time.Second), WithAutoRenew(false))
	require.NoError(t, l.Lock(ctx))

	mr.FastForward(2 * time.Second)
	require.ErrorIs(t, l.Renew(ctx), ErrNotOwner)
	require.ErrorIs(t, l.Unlock(ctx), ErrNotOwner)
}

func TestRedisLockerRetriesUntilReleased(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	holder := NewRedisLocker(client, WithLockName("busy"), WithAutoRenew(false))
	require.NoError(t, holder.Lock(ctx))

	waiter := NewRedisLocker(client, WithLockName("busy"), WithTries(50), WithRetryDelay(10*time.Millisecond), WithAutoRenew(false))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Unlock(context.Background())
	}()
	require.NoError(t, waiter.Lock(ctx))
	require.NoError(t, waiter.Unlock(ctx))
}

func TestNewFactoryRejectsUnknownType(t *testing.T) {
	_, client := newClient(t)
	_, err := NewFactory(client, "zookeeper", nil)
	require.Error(t, err)
}
