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

// Package loop 实现单个会话的一轮对话：持锁、加载、模型调用、工具调度、持久化
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent-kernel/internal/agent/compactor"
	"agent-kernel/internal/model/llm"
	"agent-kernel/internal/runtime/lock"
	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool"
	"agent-kernel/internal/tool/dispatcher"
	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/metrics"
	"agent-kernel/pkg/tracing"
)

const (
	// DefaultMaxIterations 单轮最多的模型调用次数
	DefaultMaxIterations = 10
	// DefaultLockTimeout 获取会话锁的等待上限
	DefaultLockTimeout = 10 * time.Second
)

// Deps 控制循环依赖
type Deps struct {
	Locks         lock.Manager
	Store         session.Store
	Provider      llm.Provider
	Dispatcher    *dispatcher.Dispatcher
	Compactor     *compactor.Compactor // 为 nil 时使用默认参数与 PreviewSummarizer
	Logger        *log.Logger
	Recorder      metrics.Recorder
	LockTimeout   time.Duration
	MaxIterations int
	// OnState 每次状态变化时调用；测试用
	OnState func(sessionKey string, s State)
}

// Loop 控制循环；本身无每轮可变状态，可被并发调用
type Loop struct {
	locks         lock.Manager
	store         session.Store
	provider      llm.Provider
	dispatcher    *dispatcher.Dispatcher
	compactor     *compactor.Compactor
	logger        *log.Logger
	recorder      metrics.Recorder
	lockTimeout   time.Duration
	maxIterations int
	onState       func(string, State)
}

// New 创建控制循环
func New(d Deps) *Loop {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Compactor == nil {
		d.Compactor = compactor.New(compactor.DefaultConfig(), nil, d.Logger, d.Recorder)
	}
	if d.LockTimeout <= 0 {
		d.LockTimeout = DefaultLockTimeout
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		locks:         d.Locks,
		store:         d.Store,
		provider:      d.Provider,
		dispatcher:    d.Dispatcher,
		compactor:     d.Compactor,
		logger:        d.Logger,
		recorder:      metrics.OrNop(d.Recorder),
		lockTimeout:   d.LockTimeout,
		maxIterations: d.MaxIterations,
		onState:       d.OnState,
	}
}

// Store 返回会话存储
func (l *Loop) Store() session.Store { return l.store }

// Dispatcher 返回工具调度器
func (l *Loop) Dispatcher() *dispatcher.Dispatcher { return l.dispatcher }

func (l *Loop) transition(key string, s State, logger *log.Logger) {
	logger.Debug("turn state", "state", s.String())
	if l.onState != nil {
		l.onState(key, s)
	}
}

// RunTurn 执行一轮对话。锁、持久化、版本、模型错误与迭代超限会终止本轮并原样返回，已持久化的进度保留
func (l *Loop) RunTurn(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	if err := session.ValidateKey(req.SessionKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, kerrors.Wrap(kerrors.ErrValidation, "user message is empty")
	}

	logger := l.logger.ForSession(req.SessionKey).With("agent_id", req.AgentID)
	ctx, span := tracing.StartTurnSpan(ctx, req.SessionKey, req.AgentID)
	start := time.Now()
	l.recorder.SessionStarted()
	defer func() {
		l.recorder.SessionFinished()
		outcome := "ok"
		if err != nil {
			outcome = kerrors.Kind(err)
		}
		l.recorder.ObserveSession(outcome, time.Since(start))
		tracing.EndSpan(span, err)
	}()

	l.transition(req.SessionKey, StateIdle, logger)
	err = lock.WithLock(ctx, l.locks, req.SessionKey, l.lockTimeout, func(ctx context.Context) error {
		l.transition(req.SessionKey, StateLockAcquired, logger)
		r, err := l.run(log.WithContext(ctx, logger), req, logger)
		result = r
		return err
	})
	l.transition(req.SessionKey, StateLockReleased, logger)
	if err != nil {
		logger.Warn("turn failed", "error", err, "kind", kerrors.Kind(err), "duration", time.Since(start).String())
		return result, err
	}
	logger.Info("turn completed",
		"iterations", result.Iterations,
		"tool_calls", result.ToolStats.TotalCalls,
		"input_tokens", result.TokenUsage.TotalInput,
		"output_tokens", result.TokenUsage.TotalOutput,
		"duration", time.Since(start).String(),
	)
	return result, nil
}

func (l *Loop) load(ctx context.Context, key string) (*SessionState, error) {
	msgs, err := l.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	sum, err := l.store.LoadSummary(ctx, key)
	if err != nil {
		return nil, err
	}
	return &SessionState{
		SessionKey: key,
		Window: compactor.Window{
			Messages:        msgs,
			Facts:           sum.Facts,
			LongTermSummary: sum.LongTermSummary,
		},
	}, nil
}

// persist 先落盘再进入内存
func (l *Loop) persist(ctx context.Context, st *SessionState, msg session.Message) error {
	if err := l.store.Append(ctx, st.SessionKey, msg); err != nil {
		return kerrors.Mark(err, kerrors.ErrPersistence)
	}
	st.Messages = append(st.Messages, msg)
	return nil
}

// persistCompaction 先写摘要再覆盖消息日志；两步之间崩溃不会丢失信息
func (l *Loop) persistCompaction(ctx context.Context, st *SessionState) error {
	if err := l.store.SaveSummary(ctx, st.SessionKey, session.NewSummary(st.LongTermSummary, st.Facts)); err != nil {
		return kerrors.Mark(err, kerrors.ErrPersistence)
	}
	if err := l.store.Save(ctx, st.SessionKey, st.Messages); err != nil {
		return kerrors.Mark(err, kerrors.ErrPersistence)
	}
	return nil
}

func (l *Loop) allowedTools(names []string) map[string]bool {
	if len(names) == 0 {
		names = l.dispatcher.Registry().Names()
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return allowed
}

func (l *Loop) run(ctx context.Context, req TurnRequest, logger *log.Logger) (*TurnResult, error) {
	st, err := l.load(ctx, req.SessionKey)
	if err != nil {
		return nil, err
	}
	if err := l.persist(ctx, st, session.NewMessage(session.RoleUser, req.UserMessage)); err != nil {
		return nil, err
	}

	allowed := l.allowedTools(req.Tools)
	var allowedNames []string
	for _, name := range l.dispatcher.Registry().Names() {
		if allowed[name] {
			allowedNames = append(allowedNames, name)
		}
	}
	var specs []tool.Spec
	if len(allowedNames) > 0 {
		specs = l.dispatcher.Registry().Specs(allowedNames)
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = l.maxIterations
	}
	result := &TurnResult{}
	snapshot := func() *TurnResult {
		result.ToolStats = st.ToolStats
		result.TokenUsage = st.TokenUsage
		return result
	}

	for i := 0; i < maxIter; i++ {
		result.Iterations = i + 1

		changed, err := l.compactor.MaybeCompact(ctx, &st.Window)
		if err != nil {
			logger.Warn("compaction failed, continuing with full history", "error", err)
		}
		if changed {
			l.transition(st.SessionKey, StatePersisting, logger)
			if err := l.persistCompaction(ctx, st); err != nil {
				return snapshot(), err
			}
			result.Compacted = true
		}

		l.transition(st.SessionKey, StateAwaitingModel, logger)
		resp, err := l.callModel(ctx, i, llm.Request{
			SystemPrompt: buildSystemPrompt(req.SystemPrompt, st.LongTermSummary, st.Facts),
			Messages:     st.Messages,
			Tools:        specs,
		})
		if err != nil {
			return snapshot(), err
		}
		usage := resp.TokenUsage()
		st.TokenUsage.TotalInput += usage.InputTokens
		st.TokenUsage.TotalOutput += usage.OutputTokens

		switch r := resp.(type) {
		case *llm.Final:
			l.transition(st.SessionKey, StateResponding, logger)
			msg := session.NewMessage(session.RoleAssistant, r.Content)
			if usage.OutputTokens > 0 {
				msg = msg.WithTokenCount(usage.OutputTokens)
			}
			l.transition(st.SessionKey, StatePersisting, logger)
			if err := l.persist(ctx, st, msg); err != nil {
				return snapshot(), err
			}
			l.transition(st.SessionKey, StateDone, logger)
			result.Content = r.Content
			return snapshot(), nil
		case *llm.ToolCall:
			if err := l.handleToolCall(ctx, st, r, allowed, logger); err != nil {
				return snapshot(), err
			}
		default:
			return snapshot(), kerrors.Wrapf(kerrors.ErrValidation, "unexpected model response %T", resp)
		}
	}
	return snapshot(), fmt.Errorf("session %s after %d iterations: %w", st.SessionKey, maxIter, kerrors.ErrMaxIterations)
}

func (l *Loop) callModel(ctx context.Context, iteration int, req llm.Request) (llm.Response, error) {
	ctx, span := tracing.StartModelSpan(ctx, l.provider.Name(), iteration)
	start := time.Now()
	resp, err := l.provider.Call(ctx, req)
	l.recorder.ObserveLLM(time.Since(start), err)
	if err == nil {
		err = llm.ValidateResponse(resp)
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrModelProvider)
	}
	usage := resp.TokenUsage()
	l.recorder.AddTokens(usage.InputTokens, usage.OutputTokens)
	return resp, nil
}

func (l *Loop) handleToolCall(ctx context.Context, st *SessionState, call *llm.ToolCall, allowed map[string]bool, logger *log.Logger) error {
	callID := call.ID
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	input := call.Input
	if call.InputErr != nil {
		input = map[string]any{"raw_arguments": call.RawArguments}
	}
	if err := l.persist(ctx, st, session.NewToolCallMessage(callID, call.ToolName, input)); err != nil {
		return err
	}

	var (
		success   bool
		synthetic bool
		content   string
	)
	if call.InputErr != nil {
		content, synthetic = errorContent(call.InputErr.Error()), true
		logger.Warn("model sent malformed tool arguments", "tool", call.ToolName, "error", call.InputErr)
	} else if _, ok := l.dispatcher.Registry().Get(call.ToolName); !ok || !allowed[call.ToolName] {
		content, synthetic = errorContent("validation: unknown tool"), true
		logger.Warn("model requested unknown or disallowed tool", "tool", call.ToolName)
	} else {
		l.transition(st.SessionKey, StatePermissionPending, logger)
		res, err := l.dispatcher.Dispatch(ctx, st.SessionKey, call.ToolName, call.Input)
		switch {
		case err == nil:
			l.transition(st.SessionKey, StateExecuting, logger)
			success, content = res.Success, res.Content()
		case errors.Is(err, kerrors.ErrValidation),
			errors.Is(err, kerrors.ErrPermissionDenied),
			errors.Is(err, kerrors.ErrRateLimited):
			content, synthetic = errorContent(err.Error()), true
		default:
			return err
		}
	}

	st.ToolStats.record(call.ToolName, success)
	msg := session.NewToolResultMessage(callID, call.ToolName, success, content)
	if synthetic {
		msg.Metadata[session.MetaSynthetic] = true
	}
	l.transition(st.SessionKey, StatePersisting, logger)
	return l.persist(ctx, st, msg)
}

func errorContent(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// buildSystemPrompt 拼接 agent 提示词、长期摘要与事实
func buildSystemPrompt(base, summary string, facts []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	if summary != "" {
		b.WriteString("\n\n## Conversation summary\n")
		b.WriteString(summary)
	}
	if len(facts) > 0 {
		b.WriteString("\n\n## Known facts\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
