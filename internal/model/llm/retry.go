package llm

import (
	"context"
	"sync"
	"time"

	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
)

// RetryConfig 重试与熔断参数；零值字段使用默认值
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Backoff 第 attempt 次重试前的等待：BaseDelay·2^attempt，封顶 MaxDelay
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker 连续失败达到阈值后打开，冷却后放行一次探测
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	now       func() time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow 熔断打开时返回 ErrCircuitOpen
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return kerrors.Mark(kerrors.ErrCircuitOpen, kerrors.ErrModelProvider)
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	case breakerHalfOpen:
		if b.probing {
			return kerrors.Mark(kerrors.ErrCircuitOpen, kerrors.ErrModelProvider)
		}
		b.probing = true
	}
	return nil
}

// Success 记录成功并复位
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
}

// Failure 记录失败；探测失败立即重新打开
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// abandon 调用方取消时释放探测名额，不计失败
func (b *CircuitBreaker) abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Open 熔断器当前是否打开
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < b.cooldown
}

// RetryingProvider 对可重试错误做有界指数退避重试，并由熔断器保护下游
type RetryingProvider struct {
	inner   Provider
	cfg     RetryConfig
	breaker *CircuitBreaker
	logger  *log.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryingProvider 包装 inner
func NewRetryingProvider(inner Provider, cfg RetryConfig, logger *log.Logger) *RetryingProvider {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	return &RetryingProvider{
		inner:   inner,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name 实现 Provider
func (p *RetryingProvider) Name() string { return p.inner.Name() }

// Breaker 返回内部熔断器
func (p *RetryingProvider) Breaker() *CircuitBreaker { return p.breaker }

// Call 实现 Provider；重试耗尽后的错误可被 errors.Is(err, ErrModelProvider) 命中
func (p *RetryingProvider) Call(ctx context.Context, req Request) (Response, error) {
	for attempt := 0; ; attempt++ {
		if err := p.breaker.Allow(); err != nil {
			return nil, err
		}
		resp, err := p.inner.Call(ctx, req)
		if err == nil {
			p.breaker.Success()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.breaker.abandon()
			return nil, kerrors.Mark(err, kerrors.ErrModelProvider)
		}
		p.breaker.Failure()
		if !IsRetryable(err) || attempt >= p.cfg.MaxRetries {
			return nil, kerrors.Mark(err, kerrors.ErrModelProvider)
		}
		delay := p.cfg.Backoff(attempt)
		p.logger.Warn("model call failed, retrying", "provider", p.inner.Name(), "attempt", attempt+1, "delay", delay.String(), "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			return nil, kerrors.Mark(err, kerrors.ErrModelProvider)
		}
	}
}
