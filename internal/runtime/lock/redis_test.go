package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "agent-kernel/pkg/errors"
)

func testRedisAddr(t *testing.T) string {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis lock tests")
	}
	return addr
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_AcquireCancelledIsTimeout(t *testing.T) {
	m := NewRedisManager(unreachableRedis(t), RedisConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx, "k", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrLockTimeout)
	assert.NotErrorIs(t, err, kerrors.ErrLockBackendUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedis_AcquireBackendDown(t *testing.T) {
	m := NewRedisManager(unreachableRedis(t), RedisConfig{})

	_, err := m.Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrLockBackendUnavailable)
}

func TestRedis_AcquireReleaseTimeout(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, testRedisAddr(t), "", 0)
	require.NoError(t, err)
	defer client.Close()

	m := NewRedisManager(client, RedisConfig{Prefix: "test:" + uuid.NewString() + ":", TTL: 5 * time.Second, RetryInterval: 10 * time.Millisecond})
	l, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	locked, err := m.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.True(t, locked)

	_, err = m.Acquire(ctx, "k", 50*time.Millisecond)
	assert.True(t, errors.Is(err, kerrors.ErrLockTimeout))

	require.NoError(t, l.Extend(ctx, 10*time.Second))
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	locked, err = m.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRedis_ReleaseAfterLeaseLost(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, testRedisAddr(t), "", 0)
	require.NoError(t, err)
	defer client.Close()

	prefix := "test:" + uuid.NewString() + ":"
	m := NewRedisManager(client, RedisConfig{Prefix: prefix, TTL: 5 * time.Second})
	l, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, prefix+"k", "someone-else", time.Second).Err())

	err = l.Release()
	assert.True(t, errors.Is(err, ErrLeaseLost))
	assert.True(t, errors.Is(err, kerrors.ErrLockBackendUnavailable))
}

func TestRedis_BackendUnavailable(t *testing.T) {
	testRedisAddr(t)
	_, err := NewRedisClient(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrLockBackendUnavailable))
}
