package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyState 单个 key 的状态；released 在每次释放时关闭并替换，作为广播条件变量使用
type keyState struct {
	locked   bool
	waiters  int
	released chan struct{}
}

// LocalManager 进程内会话锁；mu 只保护 map 与 keyState，等待期间从不持有
type LocalManager struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// NewLocalManager 创建进程内锁管理器
func NewLocalManager() *LocalManager {
	return &LocalManager{keys: make(map[string]*keyState)}
}

func (m *LocalManager) state(key string) *keyState {
	st, ok := m.keys[key]
	if !ok {
		st = &keyState{released: make(chan struct{})}
		m.keys[key] = st
	}
	return st
}

// gc 在调用方已持有 mu 时清理空闲 key
func (m *LocalManager) gc(key string, st *keyState) {
	if !st.locked && st.waiters == 0 {
		delete(m.keys, key)
	}
}

func (m *LocalManager) grant(key string, st *keyState) *Lock {
	st.locked = true
	var once sync.Once
	return newLock(key, uuid.NewString(), func(context.Context) error {
		once.Do(func() { m.release(key) })
		return nil
	}, nil)
}

func (m *LocalManager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.keys[key]
	if !ok || !st.locked {
		return
	}
	st.locked = false
	close(st.released)
	st.released = make(chan struct{})
	m.gc(key, st)
}

// Acquire 实现 Manager
func (m *LocalManager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	m.mu.Lock()
	st := m.state(key)
	for st.locked {
		st.waiters++
		wake := st.released
		m.mu.Unlock()

		var err error
		select {
		case <-wake:
		case <-timer.C:
			err = timeoutErr(key, timeout)
		case <-ctx.Done():
			err = waitErr(ctx, key)
		}

		m.mu.Lock()
		st.waiters--
		if err != nil {
			m.gc(key, st)
			m.mu.Unlock()
			return nil, err
		}
		// 被唤醒后重新检查：可能已有其他等待者抢先获得
	}
	l := m.grant(key, st)
	m.mu.Unlock()
	return l, nil
}

// TryAcquire 实现 Manager
func (m *LocalManager) TryAcquire(ctx context.Context, key string) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(key)
	if st.locked {
		return nil, false, nil
	}
	return m.grant(key, st), true, nil
}

// IsLocked 实现 Manager
func (m *LocalManager) IsLocked(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.keys[key]
	return ok && st.locked, nil
}

// Len 当前跟踪的 key 数量（持有或有等待者）
func (m *LocalManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
