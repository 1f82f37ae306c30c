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

// Package dispatcher 是模型工具调用进入真实系统的唯一入口：查找、校验、限流、授权、执行、审计
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agent-kernel/internal/agent/audit"
	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/tool"
	"agent-kernel/internal/tool/registry"
	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/metrics"
	"agent-kernel/pkg/tracing"
)

const (
	// DefaultToolTimeout 单次工具执行的默认时限
	DefaultToolTimeout = 30 * time.Second
	// DefaultMaxInputBytes 工具输入 JSON 的上限
	DefaultMaxInputBytes = 1 << 20
)

// 工具执行结果中的固定错误文本
const (
	errTextTimeout  = "execution timeout"
	errTextInternal = "internal tool error"
)

// 工具调用结果分类，用于指标
const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeTimeout     = "timeout"
	outcomeDenied      = "denied"
	outcomeRateLimited = "rate_limited"
)

// Deps 调度器依赖
type Deps struct {
	Registry      *registry.Registry
	Engine        *permission.Engine
	Limiter       *RateLimiter // 为 nil 时不限流
	Audit         audit.Sink   // 为 nil 时丢弃
	Logger        *log.Logger
	Recorder      metrics.Recorder
	ToolTimeout   time.Duration
	MaxInputBytes int
}

// Dispatcher 工具调度器，可被所有会话共享
type Dispatcher struct {
	registry      *registry.Registry
	engine        *permission.Engine
	limiter       *RateLimiter
	sink          audit.Sink
	logger        *log.Logger
	recorder      metrics.Recorder
	toolTimeout   time.Duration
	maxInputBytes int
}

// New 创建调度器
func New(d Deps) *Dispatcher {
	if d.Audit == nil {
		d.Audit = audit.Discard{}
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.ToolTimeout <= 0 {
		d.ToolTimeout = DefaultToolTimeout
	}
	if d.MaxInputBytes <= 0 {
		d.MaxInputBytes = DefaultMaxInputBytes
	}
	return &Dispatcher{
		registry:      d.Registry,
		engine:        d.Engine,
		limiter:       d.Limiter,
		sink:          d.Audit,
		logger:        d.Logger,
		recorder:      metrics.OrNop(d.Recorder),
		toolTimeout:   d.ToolTimeout,
		maxInputBytes: d.MaxInputBytes,
	}
}

// Registry 返回工具注册表
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// ForgetSession 会话被删除时释放其限流状态
func (d *Dispatcher) ForgetSession(sessionKey string) {
	if d.limiter != nil {
		d.limiter.Forget(sessionKey)
	}
}

// Validate 查找工具并校验输入；不写审计
func (d *Dispatcher) Validate(toolName string, input map[string]any) (tool.Tool, error) {
	t, ok := d.registry.Get(toolName)
	if !ok {
		return nil, kerrors.Wrapf(kerrors.ErrValidation, "unknown tool %q", toolName)
	}
	if input == nil {
		return nil, kerrors.Wrap(kerrors.ErrValidation, "input is nil")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, kerrors.Wrapf(kerrors.ErrValidation, "input is not serializable: %v", err)
	}
	if len(raw) > d.maxInputBytes {
		return nil, kerrors.Wrapf(kerrors.ErrValidation, "input is %d bytes, limit is %d", len(raw), d.maxInputBytes)
	}
	if err := tool.ValidateInput(t.Schema(), input); err != nil {
		return nil, err
	}
	return t, nil
}

// Dispatch 执行一次工具调用。
// 返回的 error 仅包含 ErrValidation、ErrRateLimited、ErrPermissionDenied 与 ctx 错误；
// 工具本身的失败以 Success=false 的 Result 返回。限流及之后的每条路径恰好写一条审计
func (d *Dispatcher) Dispatch(ctx context.Context, sessionKey, toolName string, input map[string]any) (tool.Result, error) {
	t, err := d.Validate(toolName, input)
	if err != nil {
		return tool.Result{}, err
	}

	ctx, span := tracing.StartToolSpan(ctx, toolName, sessionKey)
	start := time.Now()
	entry := audit.Entry{
		Kind:       audit.KindToolCall,
		SessionKey: sessionKey,
		ToolName:   toolName,
		Tier:       t.Tier().String(),
		Input:      input,
		FullAuto:   d.engine.FullAuto(),
	}
	logger := d.logger.With("session_key", sessionKey, "tool", toolName)

	if d.limiter != nil {
		release, err := d.limiter.Acquire(ctx, sessionKey, toolName)
		if err != nil {
			entry.Decision = permission.Deny.String()
			entry.Reason = err.Error()
			entry.ResolvedBy = "rate_limit"
			d.finish(ctx, logger, entry, outcomeRateLimited, start)
			tracing.EndSpan(span, err)
			return tool.Result{}, err
		}
		defer release()
	}

	res, err := d.engine.Authorize(ctx, permission.Request{
		SessionKey: sessionKey,
		ToolName:   toolName,
		Input:      input,
		Tier:       t.Tier(),
	})
	entry.Decision = res.Decision.Kind.String()
	entry.Reason = res.Decision.Reason
	entry.ResolvedBy = string(res.ResolvedBy)
	entry.FullAuto = res.FullAuto || entry.FullAuto
	if err != nil {
		d.finish(ctx, logger, entry, outcomeDenied, start)
		tracing.EndSpan(span, err)
		return tool.Result{}, err
	}
	if !res.Allowed() {
		d.finish(ctx, logger, entry, outcomeDenied, start)
		err := kerrors.Wrapf(kerrors.ErrPermissionDenied, "%s: %s", toolName, res.Decision.Reason)
		tracing.EndSpan(span, err)
		return tool.Result{}, err
	}

	result, outcome, ctxErr := d.execute(ctx, logger, t, input)
	entry.Result = &audit.ResultRecord{
		Success:    result.Success,
		Output:     result.Output,
		Error:      result.Error,
		DurationMS: time.Since(start).Milliseconds(),
	}
	d.finish(ctx, logger, entry, outcome, start)
	if ctxErr != nil {
		tracing.EndSpan(span, ctxErr)
		return result, ctxErr
	}
	var spanErr error
	if !result.Success {
		spanErr = errors.New(result.Error)
	}
	tracing.EndSpan(span, spanErr)
	return result, nil
}

type execOutcome struct {
	result tool.Result
	err    error
}

// execute 在独立 goroutine 中执行工具，隔离 panic 并施加时限
func (d *Dispatcher) execute(ctx context.Context, logger *log.Logger, t tool.Tool, input map[string]any) (tool.Result, string, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.toolTimeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("tool panicked", "panic", fmt.Sprint(r))
				done <- execOutcome{result: tool.Fail(errTextInternal)}
			}
		}()
		res, err := t.Execute(execCtx, input)
		done <- execOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if err := ctx.Err(); err != nil {
			return tool.Fail("execution cancelled"), outcomeFailure, err
		}
		switch {
		case execCtx.Err() != nil, out.err != nil && errors.Is(out.err, kerrors.ErrExecutionTimeout):
			logger.Warn("tool timed out", "timeout", d.toolTimeout.String())
			return tool.Fail(errTextTimeout), outcomeTimeout, nil
		case out.err != nil:
			logger.Warn("tool failed", "error", out.err)
			return tool.Result{Success: false, Error: out.err.Error()}, outcomeFailure, nil
		case !out.result.Success:
			return out.result, outcomeFailure, nil
		}
		return out.result, outcomeSuccess, nil
	case <-execCtx.Done():
		if err := ctx.Err(); err != nil {
			return tool.Fail("execution cancelled"), outcomeFailure, err
		}
		logger.Warn("tool timed out", "timeout", d.toolTimeout.String())
		return tool.Fail(errTextTimeout), outcomeTimeout, nil
	}
}

// finish 写审计并记录指标；审计失败只记录日志
func (d *Dispatcher) finish(ctx context.Context, logger *log.Logger, entry audit.Entry, outcome string, start time.Time) {
	if err := d.sink.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("audit record failed", "error", err)
	}
	d.recorder.ObserveTool(entry.ToolName, outcome, time.Since(start))
	logger.Info("tool dispatched", "tier", entry.Tier, "decision", entry.Decision, "resolved_by", entry.ResolvedBy, "outcome", outcome)
}
