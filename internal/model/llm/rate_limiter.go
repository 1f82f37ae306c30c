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

package llm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	kerrors "agent-kernel/pkg/errors"
)

// LimitConfig Provider 限流配置；零值表示该维度不限
type LimitConfig struct {
	TokensPerMinute   int     // 每分钟 token 配额
	RequestsPerMinute float64 // 每分钟请求数
	MaxConcurrent     int     // 最大并发请求数
}

// RateLimiter Provider 维度的限流器，支持 token budget + RPM + 并发控制
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*providerLimiter // provider -> limiter
	defaults LimitConfig
}

type providerLimiter struct {
	requestLimiter *rate.Limiter // RPS 限流器
	tokenLimiter   *rate.Limiter // Token 限流器
	semaphore      chan struct{} // 并发控制
}

// NewRateLimiter 创建限流器；未单独配置的 provider 使用 defaults
func NewRateLimiter(configs map[string]LimitConfig, defaults LimitConfig) *RateLimiter {
	l := &RateLimiter{
		limiters: make(map[string]*providerLimiter),
		defaults: defaults,
	}
	for provider, cfg := range configs {
		l.limiters[provider] = newProviderLimiter(cfg)
	}
	return l
}

func newProviderLimiter(cfg LimitConfig) *providerLimiter {
	pl := &providerLimiter{}
	// RPS 限流器（转换为每秒），burst = 2 秒的配额
	if cfg.RequestsPerMinute > 0 {
		burst := int(cfg.RequestsPerMinute / 60.0 * 2)
		if burst < 1 {
			burst = 1
		}
		pl.requestLimiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}
	if cfg.TokensPerMinute > 0 {
		burst := cfg.TokensPerMinute / 60 * 2
		if burst < 1 {
			burst = 1
		}
		pl.tokenLimiter = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), burst)
	}
	if cfg.MaxConcurrent > 0 {
		pl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return pl
}

func (l *RateLimiter) get(provider string) *providerLimiter {
	l.mu.RLock()
	pl, ok := l.limiters[provider]
	l.mu.RUnlock()
	if ok {
		return pl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok = l.limiters[provider]; !ok {
		pl = newProviderLimiter(l.defaults)
		l.limiters[provider] = pl
	}
	return pl
}

// Wait 等待获取执行许可（阻塞直到可以执行或 ctx 结束）
func (l *RateLimiter) Wait(ctx context.Context, provider string, estimatedTokens int) error {
	pl := l.get(provider)
	if pl.requestLimiter != nil {
		if err := pl.requestLimiter.Wait(ctx); err != nil {
			return kerrors.Mark(fmt.Errorf("request rate limit wait failed: %w", err), kerrors.ErrRateLimited)
		}
	}
	if pl.tokenLimiter != nil && estimatedTokens > 0 {
		// 超过 burst 的请求按 burst 预扣，避免永远无法满足
		n := estimatedTokens
		if b := pl.tokenLimiter.Burst(); n > b {
			n = b
		}
		if err := pl.tokenLimiter.WaitN(ctx, n); err != nil {
			return kerrors.Mark(fmt.Errorf("token budget wait failed: %w", err), kerrors.ErrRateLimited)
		}
	}
	if pl.semaphore != nil {
		select {
		case pl.semaphore <- struct{}{}:
		case <-ctx.Done():
			return kerrors.Mark(ctx.Err(), kerrors.ErrRateLimited)
		}
	}
	return nil
}

// Release 释放并发 slot（在调用完成后调用）
func (l *RateLimiter) Release(provider string) {
	pl := l.get(provider)
	if pl.semaphore != nil {
		select {
		case <-pl.semaphore:
		default:
		}
	}
}

// RateLimitedProvider 在真实调用前后执行限流
type RateLimitedProvider struct {
	inner   Provider
	limiter *RateLimiter
}

// NewRateLimitedProvider limiter 为 nil 时退化为直接调用
func NewRateLimitedProvider(inner Provider, limiter *RateLimiter) *RateLimitedProvider {
	return &RateLimitedProvider{inner: inner, limiter: limiter}
}

// Name 实现 Provider
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// Call 实现 Provider
func (p *RateLimitedProvider) Call(ctx context.Context, req Request) (Response, error) {
	if p.limiter != nil {
		provider := p.inner.Name()
		if err := p.limiter.Wait(ctx, provider, estimateTokens(req)); err != nil {
			return nil, &ProviderError{Provider: provider, Retryable: false, Err: err}
		}
		defer p.limiter.Release(provider)
	}
	return p.inner.Call(ctx, req)
}
