// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lock 提供按会话 key 的互斥：进程内实现与分布式实现共用同一接口
package lock

import (
	"context"
	"sync"
	"time"

	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/metrics"
)

// releaseTimeout Release 内部使用的超时，不依赖调用方 ctx（调用方 ctx 可能已取消）
const releaseTimeout = 5 * time.Second

// Manager 会话锁管理器
type Manager interface {
	// Acquire 在 timeout 内获取 key 的锁，超时返回 ErrLockTimeout，后端故障返回 ErrLockBackendUnavailable
	Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error)
	// TryAcquire 不等待；已被持有时返回 (nil, false, nil)
	TryAcquire(ctx context.Context, key string) (*Lock, bool, error)
	// IsLocked 查询 key 当前是否被持有
	IsLocked(ctx context.Context, key string) (bool, error)
}

// Pinger 可探活的后端
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lock 单个 key 的持有凭证；Release 幂等
type Lock struct {
	key        string
	token      string
	acquiredAt time.Time

	once       sync.Once
	releaseErr error
	release    func(ctx context.Context) error
	extend     func(ctx context.Context, ttl time.Duration) error
}

func newLock(key, token string, release func(context.Context) error, extend func(context.Context, time.Duration) error) *Lock {
	return &Lock{key: key, token: token, acquiredAt: time.Now(), release: release, extend: extend}
}

// Key 被锁定的会话 key
func (l *Lock) Key() string { return l.key }

// Token 本次持有的唯一标识
func (l *Lock) Token() string { return l.token }

// HeldFor 已持有时长
func (l *Lock) HeldFor() time.Duration { return time.Since(l.acquiredAt) }

// Release 释放锁；多次调用只生效一次并返回首次结果
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if l.release != nil {
			l.releaseErr = l.release(ctx)
		}
	})
	return l.releaseErr
}

// Extend 续期分布式租约；进程内锁无租约，直接返回 nil
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if l == nil || l.extend == nil {
		return nil
	}
	return l.extend(ctx, ttl)
}

// WithLock 持锁执行 fn；任何退出路径（含 panic）都会释放锁，panic 在释放后继续向上抛出。
// fn 成功但释放失败时返回释放错误（分布式租约丢失意味着互斥可能已被破坏）。
func WithLock(ctx context.Context, m Manager, key string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	l, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// instrumented 记录等待耗时
type instrumented struct {
	Manager
	rec metrics.Recorder
}

// Instrument 包装 Manager，Acquire 的等待耗时写入 Recorder
func Instrument(m Manager, rec metrics.Recorder) Manager {
	if rec == nil {
		return m
	}
	return &instrumented{Manager: m, rec: rec}
}

func (i *instrumented) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	start := time.Now()
	l, err := i.Manager.Acquire(ctx, key, timeout)
	outcome := "acquired"
	switch {
	case err == nil:
	case kerrors.Kind(err) == "lock_timeout":
		outcome = "timeout"
	default:
		outcome = "error"
	}
	i.rec.ObserveLockWait(outcome, time.Since(start))
	return l, err
}

// Ping 透传到底层 Manager（若支持）
func (i *instrumented) Ping(ctx context.Context) error {
	if p, ok := i.Manager.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// waitErr 将等待期间 ctx 结束归类为获取超时
func waitErr(ctx context.Context, key string) error {
	return kerrors.Wrapf(kerrors.Mark(ctx.Err(), kerrors.ErrLockTimeout), "acquire %s", key)
}

func timeoutErr(key string, timeout time.Duration) error {
	return kerrors.Wrapf(kerrors.ErrLockTimeout, "acquire %s after %s", key, timeout)
}
