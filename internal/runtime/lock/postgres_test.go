package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "agent-kernel/pkg/errors"
)

func TestPostgres_AdvisoryLock(t *testing.T) {
	dsn := os.Getenv("TEST_KERNEL_DSN")
	if dsn == "" {
		t.Skip("TEST_KERNEL_DSN not set, skipping Postgres lock tests")
	}
	ctx := context.Background()
	m, err := NewPostgresManager(ctx, dsn, 10*time.Millisecond)
	require.NoError(t, err)
	defer m.Close()

	l, err := m.Acquire(ctx, "agent:user", time.Second)
	require.NoError(t, err)
	locked, err := m.IsLocked(ctx, "agent:user")
	require.NoError(t, err)
	assert.True(t, locked)

	_, err = m.Acquire(ctx, "agent:user", 50*time.Millisecond)
	assert.True(t, errors.Is(err, kerrors.ErrLockTimeout))

	require.NoError(t, l.Release())
	again, ok, err := m.TryAcquire(ctx, "agent:user")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release())
}
