package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	kerrors "agent-kernel/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocal_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	var inside, entered int32

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			return WithLock(ctx, m, "agent:user", 5*time.Second, func(context.Context) error {
				if n := atomic.AddInt32(&inside, 1); n != 1 {
					return errors.New("two holders inside the critical section")
				}
				atomic.AddInt32(&entered, 1)
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 50, entered)
	assert.Equal(t, 0, m.Len(), "idle keys must be dropped")
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	a, err := m.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	defer a.Release()

	b, err := m.Acquire(ctx, "b", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

func TestLocal_Timeout(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	held, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "k", 30*time.Millisecond)
	assert.True(t, errors.Is(err, kerrors.ErrLockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	require.NoError(t, held.Release())
	assert.Equal(t, 0, m.Len())
}

func TestLocal_ContextCancel(t *testing.T) {
	m := NewLocalManager()
	held, err := m.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "k", 5*time.Second)
	assert.True(t, errors.Is(err, kerrors.ErrLockTimeout))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLocal_WaiterWakesOnRelease(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	held, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l, err := m.Acquire(ctx, "k", 2*time.Second)
		if err == nil {
			err = l.Release()
		}
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, held.Release())
	require.NoError(t, <-got)
}

func TestLocal_ReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	first, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	// 旧凭证再次释放不影响新持有者
	require.NoError(t, first.Release())
	locked, _ := m.IsLocked(ctx, "k")
	assert.True(t, locked)
	require.NoError(t, second.Release())
	assert.NotEqual(t, first.Token(), second.Token())
}

func TestLocal_TryAcquire(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	l, ok, err := m.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release())
	_, ok, _ = m.TryAcquire(ctx, "k")
	assert.True(t, ok)
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = WithLock(ctx, m, "k", time.Second, func(context.Context) error {
			panic("tool exploded")
		})
	}()
	assert.Equal(t, "tool exploded", recovered)

	locked, err := m.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestWithLock_ReturnsFnError(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	want := errors.New("turn failed")
	err := WithLock(ctx, m, "k", time.Second, func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
	locked, _ := m.IsLocked(ctx, "k")
	assert.False(t, locked)
}

type recordingRecorder struct {
	outcomes []string
}

func (r *recordingRecorder) ObserveLLM(time.Duration, error)           {}
func (r *recordingRecorder) ObserveTool(string, string, time.Duration) {}
func (r *recordingRecorder) ObserveSession(string, time.Duration)      {}
func (r *recordingRecorder) IncCompaction(bool)                        {}
func (r *recordingRecorder) IncPermission(string, string)              {}
func (r *recordingRecorder) AddTokens(int, int)                        {}
func (r *recordingRecorder) SessionStarted()                           {}
func (r *recordingRecorder) SessionFinished()                          {}

func (r *recordingRecorder) ObserveLockWait(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	rec := &recordingRecorder{}
	m := Instrument(NewLocalManager(), rec)
	l, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "k", 10*time.Millisecond)
	require.Error(t, err)
	require.NoError(t, l.Release())
	assert.Equal(t, []string{"acquired", "timeout"}, rec.outcomes)
}
