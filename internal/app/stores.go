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

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-kernel/internal/runtime/lock"
	"agent-kernel/internal/runtime/session"
	"agent-kernel/pkg/config"
	"agent-kernel/pkg/log"
)

// NewLockManager 按 lock.backend 创建会话锁管理器，返回的 close 释放后端连接
func NewLockManager(ctx context.Context, cfg config.LockConfig) (lock.Manager, func(), error) {
	noop := func() {}
	rc := lock.RedisConfig{
		Prefix:        cfg.Prefix,
		TTL:           config.Duration(cfg.TTL, 60*time.Second),
		RetryInterval: config.Duration(cfg.RetryInterval, 50*time.Millisecond),
		KeepAlive:     true,
	}
	if (cfg.Backend == "redis" || cfg.Backend == "sharded-redis") && len(cfg.RedisAddrs) == 0 {
		return nil, nil, fmt.Errorf("lock.backend=%s 需要 lock.redis_addrs", cfg.Backend)
	}
	switch cfg.Backend {
	case "", "local":
		return lock.NewLocalManager(), noop, nil
	case "redis":
		client, err := lock.NewRedisClient(ctx, cfg.RedisAddrs[0], cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewRedisManager(client, rc), func() { _ = client.Close() }, nil
	case "sharded-redis":
		clients := make([]*redis.Client, 0, len(cfg.RedisAddrs))
		closeAll := func() {
			for _, c := range clients {
				_ = c.Close()
			}
		}
		shards := make([]lock.Manager, 0, len(cfg.RedisAddrs))
		for _, addr := range cfg.RedisAddrs {
			client, err := lock.NewRedisClient(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("shard %s: %w", addr, err)
			}
			clients = append(clients, client)
			shards = append(shards, lock.NewRedisManager(client, rc))
		}
		m, err := lock.NewShardedManager(shards, cfg.RedisAddrs)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		return m, closeAll, nil
	case "postgres":
		m, err := lock.NewPostgresManager(ctx, cfg.DSN, rc.RetryInterval)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	return nil, nil, fmt.Errorf("未知的 lock.backend: %q", cfg.Backend)
}

// NewSessionStore 按 session.backend 创建会话存储
func NewSessionStore(ctx context.Context, cfg config.SessionConfig, logger *log.Logger) (session.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", "file":
		s, err := session.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "memory":
		return session.NewMemoryStore(), noop, nil
	case "postgres":
		s, err := session.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("未知的 session.backend: %q", cfg.Backend)
}
