package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisSlotLockReleasesAfterRun(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)
	slotID := uuid.New()

	ran := false
	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:slot:"+slotID.String()))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:slot:"+slotID.String()))
}

func TestRedisSlotLockRejectsSecondHolder(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)
	slotID := uuid.New()

	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		inner := locker.WithSlotLock(ctx, slotID, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestRedisSlotLockPropagatesError(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)
	slotID := uuid.New()
	boom := errors.New("boom")

	err := locker.WithSlotLock(context.Background(), slotID, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:slot:"+slotID.String()))
}

func TestRedisSlotLockDoesNotReleaseForeignToken(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisSlotLocker(client, time.Second)
	slotID := uuid.New()
	key := "lock:slot:" + slotID.String()

	err := locker.WithSlotLock(context.Background(), slotID, func(context.Context) error {
		// Simulate expiry and another process taking the lock.
		require.NoError(t, mr.Set(key, "someone-else"))
		return nil
	})
	require.NoError(t, err)

	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestRedisSlotLockFailsWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	locker := NewRedisSlotLocker(client, time.Second)
	err = locker.WithSlotLock(context.Background(), uuid.New(), func(context.Context) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
}

func TestLocalLockerSingleWinner(t *testing.T) {
	locker := NewLocalLocker()
	slotID := uuid.New()

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = locker.WithSlotLock(context.Background(), slotID, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithSlotLock(context.Background(), slotID, func(context.Context) error { return nil })
			if errors.Is(err, ErrLockNotAcquired) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	assert.Equal(t, int32(10), rejected.Load())

	// Different slots do not contend.
	require.NoError(t, locker.WithSlotLock(context.Background(), uuid.New(), func(context.Context) error { return nil }))
}
