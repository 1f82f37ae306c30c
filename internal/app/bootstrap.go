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

	"github.com/google/uuid"

	"agent-kernel/internal/agent/audit"
	"agent-kernel/internal/agent/compactor"
	"agent-kernel/internal/agent/loop"
	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/agent/runtime"
	"agent-kernel/internal/model/llm"
	"agent-kernel/internal/runtime/lock"
	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/sandbox"
	"agent-kernel/internal/tool/builtin"
	"agent-kernel/internal/tool/dispatcher"
	"agent-kernel/internal/tool/registry"
	"agent-kernel/pkg/config"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/metrics"
	"agent-kernel/pkg/redaction"
)

// Options 覆盖配置中的部分组件，用于 CLI 与测试
type Options struct {
	// Approvals 非 nil 时替代 permission.approval_channel
	Approvals permission.ApprovalChannel
	// Provider 非 nil 时替代 model 配置构建的 Provider
	Provider llm.Provider
	// Logger 非 nil 时替代 log 配置
	Logger *log.Logger
}

// Bootstrap 按配置装配好的内核组件
type Bootstrap struct {
	Config     *config.Config
	Logger     *log.Logger
	Recorder   metrics.Recorder
	Locks      lock.Manager
	Store      session.Store
	Registry   *registry.Registry
	Permission *permission.Engine
	// Approvals 仅在 approval_channel=queue 且未被 Options 覆盖时非 nil
	Approvals  *permission.PendingQueue
	Audit      audit.Sink
	Provider   llm.Provider
	Dispatcher *dispatcher.Dispatcher
	Loop       *loop.Loop
	Profiles   *runtime.Manager
	Controller *runtime.Controller

	closers []func()
}

// NewBootstrap 装配内核；失败时已创建的资源会被释放
func NewBootstrap(ctx context.Context, cfg *config.Config, opts Options) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	b := &Bootstrap{Config: cfg}
	if err := b.wire(ctx, opts); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bootstrap) wire(ctx context.Context, opts Options) (err error) {
	cfg := b.Config
	b.Logger = opts.Logger
	if b.Logger == nil {
		b.Logger, err = log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		b.closers = append(b.closers, func() { _ = b.Logger.Close() })
	}

	b.Recorder = metrics.Nop{}
	if cfg.Monitoring.Prometheus.Enable {
		b.Recorder = metrics.NewPrometheusRecorder()
	}

	locks, closeLocks, err := NewLockManager(ctx, cfg.Lock)
	if err != nil {
		return fmt.Errorf("初始化会话锁失败: %w", err)
	}
	b.closers = append(b.closers, closeLocks)
	b.Locks = lock.Instrument(locks, b.Recorder)

	store, closeStore, err := NewSessionStore(ctx, cfg.Session, b.Logger)
	if err != nil {
		return fmt.Errorf("初始化会话存储失败: %w", err)
	}
	b.closers = append(b.closers, closeStore)
	b.Store = store

	if b.Registry, err = NewRegistry(cfg.Sandbox, b.Logger); err != nil {
		return err
	}

	if b.Audit, err = b.newAuditSink(cfg.Audit); err != nil {
		return err
	}

	if b.Permission, err = b.newPermissionEngine(cfg.Permission, opts.Approvals); err != nil {
		return err
	}
	if cfg.Permission.FullAuto {
		b.recordFullAuto(ctx)
	}

	b.Provider = opts.Provider
	if b.Provider == nil {
		secretStore, err := NewSecretStore(cfg)
		if err != nil {
			return fmt.Errorf("初始化 secret store 失败: %w", err)
		}
		if b.Provider, err = NewProviderFromConfig(ctx, cfg, secretStore, b.Logger); err != nil {
			return err
		}
	}

	// 脚本化 Provider 不参与摘要，避免消耗脚本步骤
	var summarizer compactor.Summarizer
	if opts.Provider == nil && cfg.Model.Provider != "" && cfg.Model.Provider != "scripted" {
		summarizer = llm.NewSummarizer(b.Provider)
	}
	comp := compactor.New(compactor.Config{
		ThresholdTokens:     cfg.Compactor.ThresholdTokens,
		KeepRecentTurns:     cfg.Compactor.KeepRecentTurns,
		SummaryInputBudget:  cfg.Compactor.SummaryInputBudget,
		SummaryOutputBudget: cfg.Compactor.SummaryOutputBudget,
		MaxSummaryAttempts:  cfg.Compactor.MaxSummaryAttempts,
	}, summarizer, b.Logger, b.Recorder)

	b.Dispatcher = dispatcher.New(dispatcher.Deps{
		Registry:    b.Registry,
		Engine:      b.Permission,
		Limiter:     dispatcher.NewRateLimiter(toolRateLimits(cfg.RateLimits)),
		Audit:       b.Audit,
		Logger:      b.Logger,
		Recorder:    b.Recorder,
		ToolTimeout: config.Duration(cfg.Loop.ToolTimeout, dispatcher.DefaultToolTimeout),
	})

	b.Loop = loop.New(loop.Deps{
		Locks:         b.Locks,
		Store:         b.Store,
		Provider:      b.Provider,
		Dispatcher:    b.Dispatcher,
		Compactor:     comp,
		Logger:        b.Logger,
		Recorder:      b.Recorder,
		LockTimeout:   config.Duration(cfg.Lock.Timeout, loop.DefaultLockTimeout),
		MaxIterations: cfg.Loop.MaxIterations,
	})

	if b.Profiles, err = runtime.NewManager(cfg.Runtime.ProfilesDir, cfg.Runtime.DefaultAgent, b.Logger); err != nil {
		return fmt.Errorf("加载 agent profile 失败: %w", err)
	}
	b.Controller = runtime.NewController(b.Loop, b.Profiles, cfg.Runtime.MaxConcurrentSessions, b.Logger)

	b.Logger.Info("内核装配完成",
		"lock_backend", cfg.Lock.Backend,
		"session_backend", cfg.Session.Backend,
		"provider", b.Provider.Name(),
		"tools", b.Registry.Names(),
		"full_auto", cfg.Permission.FullAuto,
	)
	return nil
}

// Close 逆序释放资源
func (b *Bootstrap) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// NewRegistry 按沙箱配置注册内置工具
func NewRegistry(cfg config.SandboxConfig, logger *log.Logger) (*registry.Registry, error) {
	paths, err := sandbox.NewPathGuard(cfg.Root, cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("初始化沙箱失败: %w", err)
	}
	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		Root:      paths.Root(),
		Timeout:   config.Duration(cfg.ExecTimeout, sandbox.DefaultExecTimeout),
		MaxOutput: int64(cfg.MaxOutputBytes),
		Limits: sandbox.Limits{
			AddressSpace: uint64(cfg.Limits.AddressSpaceMB) << 20,
			CPUSeconds:   cfg.Limits.CPUSeconds,
			FileSize:     uint64(cfg.Limits.FileSizeMB) << 20,
			Processes:    cfg.Limits.Processes,
			OpenFiles:    cfg.Limits.OpenFiles,
		},
	}, logger)
	commands := sandbox.NewCommandGuard(sandbox.CommandPolicy{
		Allow:          cfg.AllowCommands,
		Deny:           cfg.DenyCommands,
		GitSubcommands: cfg.GitSubcommands,
	})

	reg := registry.New()
	if err := builtin.RegisterBuiltin(reg, builtin.Deps{Paths: paths, Commands: commands, Runner: runner}); err != nil {
		return nil, fmt.Errorf("注册内置工具失败: %w", err)
	}
	return reg, nil
}

func (b *Bootstrap) newAuditSink(cfg config.AuditConfig) (audit.Sink, error) {
	var sink audit.Sink = audit.Discard{}
	if cfg.Path != "" {
		fs, err := audit.NewFileSink(cfg.Path, cfg.HashChain)
		if err != nil {
			return nil, fmt.Errorf("初始化审计日志失败: %w", err)
		}
		if n := fs.Repaired(); n > 0 {
			b.Logger.Warn("审计日志末行不完整，已截断", "path", cfg.Path, "bytes", n)
		}
		b.closers = append(b.closers, func() { _ = fs.Close() })
		sink = fs
	}
	if len(cfg.Redaction) == 0 {
		return sink, nil
	}
	rules := make([]redaction.Rule, 0, len(cfg.Redaction))
	for _, r := range cfg.Redaction {
		rules = append(rules, redaction.Rule{Tool: r.Tool, Field: r.Field, Mode: r.Mode})
	}
	return audit.WithRedaction(sink, redaction.NewEngine(redaction.NewPolicy(rules))), nil
}

func (b *Bootstrap) newPermissionEngine(cfg config.PermissionConfig, override permission.ApprovalChannel) (*permission.Engine, error) {
	tiers := make([]permission.Tier, 0, len(cfg.ApprovalTiers))
	for _, s := range cfg.ApprovalTiers {
		t, err := permission.ParseTier(s)
		if err != nil {
			return nil, fmt.Errorf("permission.approval_tiers: %w", err)
		}
		tiers = append(tiers, t)
	}

	channel := override
	if channel == nil {
		switch cfg.ApprovalChannel {
		case "", "queue":
			b.Approvals = permission.NewPendingQueue()
			channel = b.Approvals
		case "deny":
		default:
			return nil, fmt.Errorf("未知的 permission.approval_channel: %q", cfg.ApprovalChannel)
		}
	}
	return permission.NewEngine(permission.Config{
		BlockedPatterns: cfg.BlockedPatterns,
		BlockedCommands: cfg.BlockedCommands,
		ApprovalTiers:   tiers,
		FullAuto:        cfg.FullAuto,
		ApprovalTimeout: config.Duration(cfg.ApprovalTimeout, 30*time.Second),
	}, channel, b.Logger, b.Recorder), nil
}

// recordFullAuto full_auto 开启时告警并写入一条配置审计
func (b *Bootstrap) recordFullAuto(ctx context.Context) {
	b.Logger.Warn("permission.full_auto 已开启：需要审批的工具调用将自动放行")
	entry := audit.Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      audit.KindConfig,
		Reason:    "full_auto enabled at startup",
		FullAuto:  true,
		Config:    map[string]any{"permission.full_auto": true},
	}
	if err := b.Audit.Record(ctx, entry); err != nil {
		b.Logger.Error("写入 full_auto 审计失败", "error", err)
	}
}

func toolRateLimits(cfg config.RateLimitsConfig) dispatcher.RateLimitConfig {
	conv := func(c config.ToolRateLimitConfig) dispatcher.LimitConfig {
		return dispatcher.LimitConfig{QPS: c.QPS, MaxConcurrent: c.MaxConcurrent, Burst: c.Burst}
	}
	out := dispatcher.RateLimitConfig{
		Wait:    config.Duration(cfg.Wait, dispatcher.DefaultRateLimitWait),
		Global:  conv(cfg.Global),
		Session: conv(cfg.Session),
	}
	if len(cfg.Tools) > 0 {
		out.Tools = make(map[string]dispatcher.LimitConfig, len(cfg.Tools))
		for name, c := range cfg.Tools {
			out.Tools[name] = conv(c)
		}
	}
	return out
}
