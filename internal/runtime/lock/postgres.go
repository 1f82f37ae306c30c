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

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	kerrors "agent-kernel/pkg/errors"
)

// PostgresManager 基于会话级 advisory lock 的分布式锁；持锁期间独占一个连接，
// 进程崩溃时连接断开，锁由数据库自动释放
type PostgresManager struct {
	pool  *pgxpool.Pool
	retry time.Duration
}

// NewPostgresManager 创建 advisory lock 管理器
func NewPostgresManager(ctx context.Context, dsn string, retry time.Duration) (*PostgresManager, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrLockBackendUnavailable)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrLockBackendUnavailable)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kerrors.Mark(err, kerrors.ErrLockBackendUnavailable)
	}
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	return &PostgresManager{pool: pool, retry: retry}, nil
}

// Close 关闭连接池（可选，用于优雅退出）
func (m *PostgresManager) Close() {
	m.pool.Close()
}

func pgErr(op, key string, err error) error {
	return kerrors.Mark(fmt.Errorf("postgres %s %s: %w", op, key, err), kerrors.ErrLockBackendUnavailable)
}

func (m *PostgresManager) try(ctx context.Context, conn *pgxpool.Conn, key string) (bool, error) {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		return false, pgErr("try_advisory_lock", key, err)
	}
	return ok, nil
}

func (m *PostgresManager) held(conn *pgxpool.Conn, key string) *Lock {
	release := func(ctx context.Context) error {
		var ok bool
		err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&ok)
		if err != nil || !ok {
			// 关闭连接，数据库随会话结束释放 advisory lock
			_ = conn.Conn().Close(ctx)
			conn.Release()
			if err != nil {
				return pgErr("advisory_unlock", key, err)
			}
			return kerrors.Wrapf(ErrLeaseLost, "release %s", key)
		}
		conn.Release()
		return nil
	}
	return newLock(key, uuid.NewString(), release, nil)
}

// Acquire 在专用连接上轮询 pg_try_advisory_lock
func (m *PostgresManager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := m.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, waitErr(ctx, key)
		}
		if time.Now().After(deadline) {
			return nil, timeoutErr(key, timeout)
		}
		return nil, pgErr("acquire_conn", key, err)
	}
	for {
		ok, err := m.try(ctx, conn, key)
		if err != nil {
			conn.Release()
			return nil, err
		}
		if ok {
			return m.held(conn, key), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			conn.Release()
			return nil, timeoutErr(key, timeout)
		}
		wait := m.retry
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			conn.Release()
			return nil, waitErr(ctx, key)
		case <-t.C:
		}
	}
}

// TryAcquire 实现 Manager
func (m *PostgresManager) TryAcquire(ctx context.Context, key string) (*Lock, bool, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, pgErr("acquire_conn", key, err)
	}
	ok, err := m.try(ctx, conn, key)
	if err != nil || !ok {
		conn.Release()
		return nil, false, err
	}
	return m.held(conn, key), true, nil
}

// IsLocked 查询 pg_locks 中是否存在该 key 的已授予 advisory lock
func (m *PostgresManager) IsLocked(ctx context.Context, key string) (bool, error) {
	var locked bool
	err := m.pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM pg_locks
	WHERE locktype = 'advisory' AND granted AND objsubid = 1
	  AND ((classid::bigint << 32) | objid::bigint) = hashtextextended($1, 0)
)`, key).Scan(&locked)
	if err != nil {
		return false, pgErr("is_locked", key, err)
	}
	return locked, nil
}

// Ping 实现 Pinger
func (m *PostgresManager) Ping(ctx context.Context) error {
	if err := m.pool.Ping(ctx); err != nil {
		return pgErr("ping", "", err)
	}
	return nil
}
