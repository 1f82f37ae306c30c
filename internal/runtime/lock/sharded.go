package lock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShardedManager 按一致性哈希把 key 路由到多个后端之一；同一 key 总是落在同一分片
type ShardedManager struct {
	shards []Manager
	ring   *Ring
}

// NewShardedManager 创建分片锁管理器；names 为空时按下标命名
func NewShardedManager(shards []Manager, names []string) (*ShardedManager, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("sharded lock manager needs at least one shard")
	}
	var ring *Ring
	if len(names) == 0 {
		ring = NewIndexRing(len(shards))
	} else {
		if len(names) != len(shards) {
			return nil, fmt.Errorf("shard names (%d) and shards (%d) differ", len(names), len(shards))
		}
		ring = NewRing(names, DefaultVirtualNodes)
	}
	return &ShardedManager{shards: shards, ring: ring}, nil
}

// ShardFor 返回 key 所属分片下标（纯函数）
func (s *ShardedManager) ShardFor(key string) int {
	return s.ring.Locate(key)
}

func (s *ShardedManager) shard(key string) Manager {
	return s.shards[s.ShardFor(key)]
}

// Acquire 实现 Manager
func (s *ShardedManager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	return s.shard(key).Acquire(ctx, key, timeout)
}

// TryAcquire 实现 Manager
func (s *ShardedManager) TryAcquire(ctx context.Context, key string) (*Lock, bool, error) {
	return s.shard(key).TryAcquire(ctx, key)
}

// IsLocked 实现 Manager
func (s *ShardedManager) IsLocked(ctx context.Context, key string) (bool, error) {
	return s.shard(key).IsLocked(ctx, key)
}

// Ping 并发探活全部支持 Pinger 的分片，返回第一个失败
func (s *ShardedManager) Ping(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range s.shards {
		p, ok := m.(Pinger)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := p.Ping(gctx); err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
