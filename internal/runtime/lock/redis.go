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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	kerrors "agent-kernel/pkg/errors"
)

const (
	defaultTTL           = 60 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	defaultPrefix        = "kernel:lock:"
)

// ErrLeaseLost 释放或续期时发现租约已不属于本持有者
var ErrLeaseLost = fmt.Errorf("lease lost: %w", kerrors.ErrLockBackendUnavailable)

// releaseScript 仅当值仍为本 token 时删除
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript 仅当值仍为本 token 时重设过期时间（毫秒）
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisConfig Redis 锁配置
type RedisConfig struct {
	Prefix        string
	TTL           time.Duration // 租约时长；进程崩溃后最长 TTL 后自动失效
	RetryInterval time.Duration // SET NX 轮询间隔
	KeepAlive     bool          // 持有期间每 TTL/3 自动续期
}

// RedisManager 基于 SET NX PX 的分布式会话锁
type RedisManager struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisClient 创建 Redis 客户端并 Ping 确认可用
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, kerrors.Mark(fmt.Errorf("redis ping %s: %w", addr, err), kerrors.ErrLockBackendUnavailable)
	}
	return client, nil
}

// NewRedisManager 创建 Redis 锁管理器
func NewRedisManager(client redis.UniversalClient, cfg RedisConfig) *RedisManager {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &RedisManager{client: client, cfg: cfg}
}

func (m *RedisManager) redisKey(key string) string { return m.cfg.Prefix + key }

func backendErr(op, key string, err error) error {
	return kerrors.Mark(fmt.Errorf("redis %s %s: %w", op, key, err), kerrors.ErrLockBackendUnavailable)
}

func (m *RedisManager) try(ctx context.Context, key string) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.redisKey(key), token, m.cfg.TTL).Result()
	if err != nil {
		return nil, false, backendErr("setnx", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return m.newHeld(key, token), true, nil
}

func (m *RedisManager) newHeld(key, token string) *Lock {
	stop := make(chan struct{})
	var stopOnce sync.Once
	rkey := m.redisKey(key)

	extend := func(ctx context.Context, ttl time.Duration) error {
		res, err := extendScript.Run(ctx, m.client, []string{rkey}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			return backendErr("pexpire", key, err)
		}
		if res == 0 {
			return kerrors.Wrapf(ErrLeaseLost, "extend %s", key)
		}
		return nil
	}
	release := func(ctx context.Context) error {
		stopOnce.Do(func() { close(stop) })
		res, err := releaseScript.Run(ctx, m.client, []string{rkey}, token).Int64()
		if err != nil {
			return backendErr("release", key, err)
		}
		if res == 0 {
			return kerrors.Wrapf(ErrLeaseLost, "release %s", key)
		}
		return nil
	}

	if m.cfg.KeepAlive {
		go m.keepAlive(key, stop, extend)
	}
	return newLock(key, token, release, extend)
}

// keepAlive 周期续期直到 stop 关闭或续期失败
func (m *RedisManager) keepAlive(key string, stop <-chan struct{}, extend func(context.Context, time.Duration) error) {
	interval := m.cfg.TTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := extend(ctx, m.cfg.TTL)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Acquire 轮询 SET NX 直至成功、超时或 ctx 结束
func (m *RedisManager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		l, ok, err := m.try(ctx, key)
		if err != nil {
			// 等待中途被取消的 SET NX 报告为超时而非后端故障
			if ctx.Err() != nil {
				return nil, waitErr(ctx, key)
			}
			return nil, err
		}
		if ok {
			return l, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, timeoutErr(key, timeout)
		}
		wait := m.cfg.RetryInterval
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, waitErr(ctx, key)
		case <-t.C:
		}
	}
}

// TryAcquire 实现 Manager
func (m *RedisManager) TryAcquire(ctx context.Context, key string) (*Lock, bool, error) {
	return m.try(ctx, key)
}

// IsLocked 实现 Manager
func (m *RedisManager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, m.redisKey(key)).Result()
	if err != nil {
		return false, backendErr("exists", key, err)
	}
	return n > 0, nil
}

// Ping 实现 Pinger
func (m *RedisManager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return backendErr("ping", "", err)
	}
	return nil
}
