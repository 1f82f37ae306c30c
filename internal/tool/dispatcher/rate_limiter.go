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

package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kerrors "agent-kernel/pkg/errors"
)

// DefaultRateLimitWait 等待令牌的默认上限
const DefaultRateLimitWait = 2 * time.Second

// DefaultSessionIdleTTL 会话令牌桶闲置多久后被回收
const DefaultSessionIdleTTL = 10 * time.Minute

// LimitConfig 单个维度的限流配置；QPS 为 0 表示不限速，MaxConcurrent 为 0 表示不限并发
type LimitConfig struct {
	QPS           float64
	MaxConcurrent int
	Burst         int // 令牌桶容量（可选，默认为 QPS）
}

// RateLimitConfig 工具调用限流配置
type RateLimitConfig struct {
	Wait        time.Duration
	Global      LimitConfig
	Session     LimitConfig            // 每个会话一个令牌桶
	Tools       map[string]LimitConfig // 按工具名
	ToolDefault LimitConfig            // 未单独配置的工具
	SessionIdle time.Duration          // 会话令牌桶闲置回收时间
}

type bucket struct {
	limiter   *rate.Limiter
	semaphore chan struct{}
	lastUsed  time.Time // 由 RateLimiter.mu 保护
}

// idle 没有持有中的并发 slot
func (b *bucket) idle() bool {
	return b.semaphore == nil || len(b.semaphore) == 0
}

func newBucket(cfg LimitConfig) *bucket {
	b := &bucket{}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.QPS)
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	if cfg.MaxConcurrent > 0 {
		b.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return b
}

// wait 先取令牌再取并发 slot；返回的 release 只释放本次获取的 slot
func (b *bucket) wait(ctx context.Context) (func(), error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if b.semaphore == nil {
		return func() {}, nil
	}
	select {
	case b.semaphore <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-b.semaphore }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RateLimiter 会话、工具、全局三级限流
type RateLimiter struct {
	cfg    RateLimitConfig
	global *bucket

	mu        sync.Mutex
	sessions  map[string]*bucket
	tools     map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultRateLimitWait
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = DefaultSessionIdleTTL
	}
	l := &RateLimiter{
		cfg:      cfg,
		global:   newBucket(cfg.Global),
		sessions: make(map[string]*bucket),
		tools:    make(map[string]*bucket),
		now:      time.Now,
	}
	for name, tc := range cfg.Tools {
		l.tools[name] = newBucket(tc)
	}
	return l
}

func (l *RateLimiter) buckets(sessionKey, toolName string) (*bucket, *bucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweepLocked(now)
	s, ok := l.sessions[sessionKey]
	if !ok {
		s = newBucket(l.cfg.Session)
		l.sessions[sessionKey] = s
	}
	s.lastUsed = now
	t, ok := l.tools[toolName]
	if !ok {
		t = newBucket(l.cfg.ToolDefault)
		l.tools[toolName] = t
	}
	return s, t
}

// Acquire 在 Wait 时限内取得三级许可；失败返回 ErrRateLimited。调用方须执行 release
func (l *RateLimiter) Acquire(ctx context.Context, sessionKey, toolName string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.Wait)
	defer cancel()

	sessionBucket, toolBucket := l.buckets(sessionKey, toolName)
	scopes := []struct {
		name string
		b    *bucket
	}{
		{"session", sessionBucket},
		{"tool", toolBucket},
		{"global", l.global},
	}
	releases := make([]func(), 0, len(scopes))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, s := range scopes {
		release, err := s.b.wait(waitCtx)
		if err != nil {
			releaseAll()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, kerrors.Mark(fmt.Errorf("%s limit for %s: %w", s.name, toolName, err), kerrors.ErrRateLimited)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// sweepLocked 每隔半个闲置周期回收一次闲置的会话令牌桶
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.SessionIdle/2 {
		return
	}
	l.lastSweep = now
	for key, b := range l.sessions {
		if now.Sub(b.lastUsed) >= l.cfg.SessionIdle && b.idle() {
			delete(l.sessions, key)
		}
	}
}

// Sessions 当前持有令牌桶的会话数
func (l *RateLimiter) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Forget 丢弃会话的令牌桶
func (l *RateLimiter) Forget(sessionKey string) {
	l.mu.Lock()
	delete(l.sessions, sessionKey)
	l.mu.Unlock()
}
