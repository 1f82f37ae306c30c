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

package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"agent-kernel/pkg/log"
	"agent-kernel/pkg/metrics"
)

// 默认黑名单；模式在匹配前去除空白并转小写
var (
	DefaultBlockedPatterns = []string{
		"sudo", "chmod", "chown", "mkfs",
		"curl|sh", "wget|sh", "|sh", "|bash",
		"rm-rf", "rm-fr", "dd if=",
	}
	DefaultBlockedCommands = []string{"rm", "shred", "sudo"}
	DefaultApprovalTiers   = []Tier{TierElevated}
)

// DefaultApprovalTimeout 审批等待上限
const DefaultApprovalTimeout = 30 * time.Second

// Config 引擎配置；空切片使用默认值
type Config struct {
	BlockedPatterns []string
	BlockedCommands []string
	ApprovalTiers   []Tier
	FullAuto        bool
	ApprovalTimeout time.Duration
}

// Engine 权限引擎；不持有每次调用的可变状态，可被所有会话共享
type Engine struct {
	patterns        []string
	commands        map[string]bool
	approvalTiers   map[Tier]bool
	fullAuto        bool
	approvalTimeout time.Duration
	channel         ApprovalChannel
	logger          *log.Logger
	recorder        metrics.Recorder
}

// NewEngine 创建权限引擎；channel 为 nil 时所有需审批的调用被拒绝
func NewEngine(cfg Config, channel ApprovalChannel, logger *log.Logger, rec metrics.Recorder) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	patterns := cfg.BlockedPatterns
	if len(patterns) == 0 {
		patterns = DefaultBlockedPatterns
	}
	commands := cfg.BlockedCommands
	if len(commands) == 0 {
		commands = DefaultBlockedCommands
	}
	tiers := cfg.ApprovalTiers
	if len(tiers) == 0 {
		tiers = DefaultApprovalTiers
	}
	e := &Engine{
		commands:        make(map[string]bool, len(commands)),
		approvalTiers:   make(map[Tier]bool, len(tiers)),
		fullAuto:        cfg.FullAuto,
		approvalTimeout: cfg.ApprovalTimeout,
		channel:         channel,
		logger:          logger,
		recorder:        metrics.OrNop(rec),
	}
	for _, p := range patterns {
		if n := normalize(p); n != "" {
			e.patterns = append(e.patterns, n)
		}
	}
	for _, c := range commands {
		e.commands[strings.ToLower(strings.TrimSpace(c))] = true
	}
	for _, t := range tiers {
		e.approvalTiers[t] = true
	}
	if e.approvalTimeout <= 0 {
		e.approvalTimeout = DefaultApprovalTimeout
	}
	if e.fullAuto {
		logger.Warn("permission full_auto is enabled; calls requiring approval will be allowed without a human")
	}
	return e
}

// FullAuto 是否开启免审批
func (e *Engine) FullAuto() bool { return e.fullAuto }

// normalize 转小写并去除所有空白
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isCommandSeparator(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(";|&()`$<>'\"", r)
}

// collectStrings 递归收集 map / slice 中的全部字符串
func collectStrings(v any, out []string) []string {
	switch x := v.(type) {
	case string:
		return append(out, x)
	case []string:
		return append(out, x...)
	case []any:
		for _, it := range x {
			out = collectStrings(it, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collectStrings(x[k], out)
		}
	case map[string]string:
		for _, s := range x {
			out = append(out, s)
		}
	}
	return out
}

// blocked 返回命中的黑名单项
func (e *Engine) blocked(req Request) (string, bool) {
	texts := collectStrings(req.Input, []string{req.ToolName})
	for _, s := range texts {
		n := normalize(s)
		for _, p := range e.patterns {
			if strings.Contains(n, p) {
				return p, true
			}
		}
		for _, tok := range strings.FieldsFunc(strings.ToLower(s), isCommandSeparator) {
			base := tok
			if i := strings.LastIndexByte(tok, '/'); i >= 0 {
				base = tok[i+1:]
			}
			if e.commands[base] {
				return base, true
			}
		}
	}
	return "", false
}

// Check 纯函数判定：黑名单优先，其次按等级
func (e *Engine) Check(req Request) Decision {
	if hit, ok := e.blocked(req); ok {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("blocked pattern %q", hit)}
	}
	if req.Tier == TierSystemCritical {
		return Decision{Kind: Deny, Reason: "system critical operations are not permitted"}
	}
	if e.approvalTiers[req.Tier] {
		return Decision{
			Kind:        RequireApproval,
			Reason:      fmt.Sprintf("tier %s requires approval", req.Tier),
			Description: describe(req),
		}
	}
	return Decision{Kind: Allow, Reason: fmt.Sprintf("tier %s allowed", req.Tier)}
}

const maxDescribeInput = 200

func describe(req Request) string {
	input := strings.Join(collectStrings(req.Input, nil), " ")
	if len(input) > maxDescribeInput {
		input = input[:maxDescribeInput] + "..."
	}
	return fmt.Sprintf("session %s wants to run %s (%s): %s", req.SessionKey, req.ToolName, req.Tier, input)
}

// Authorize 在 Check 基础上解析 RequireApproval；返回的 error 仅表示调用方 ctx 已结束
func (e *Engine) Authorize(ctx context.Context, req Request) (Resolution, error) {
	res, err := e.authorize(ctx, req)
	e.recorder.IncPermission(res.Decision.Kind.String(), string(res.ResolvedBy))
	e.logger.Debug("permission resolved",
		"session_key", req.SessionKey,
		"tool", req.ToolName,
		"tier", req.Tier.String(),
		"decision", res.Decision.Kind.String(),
		"resolved_by", string(res.ResolvedBy),
	)
	return res, err
}

func (e *Engine) authorize(ctx context.Context, req Request) (Resolution, error) {
	d := e.Check(req)
	switch d.Kind {
	case Allow:
		return Resolution{Decision: d, ResolvedBy: ResolvedByPolicy}, nil
	case Deny:
		by := ResolvedByPolicy
		if strings.HasPrefix(d.Reason, "blocked pattern") {
			by = ResolvedByBlockedPattern
		}
		return Resolution{Decision: d, ResolvedBy: by}, nil
	}

	if e.fullAuto {
		return Resolution{
			Decision:   Decision{Kind: Allow, Reason: "approved by full_auto", Description: d.Description},
			ResolvedBy: ResolvedByFullAuto,
			FullAuto:   true,
		}, nil
	}
	if e.channel == nil {
		return Resolution{
			Decision:   Decision{Kind: Deny, Reason: "approval required but no approval channel is configured", Description: d.Description},
			ResolvedBy: ResolvedByNoApprovalChannel,
		}, nil
	}

	deadline := time.Now().Add(e.approvalTimeout)
	promptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	approved, err := e.channel.Prompt(promptCtx, d.Description, deadline)
	switch {
	case err == nil && approved:
		return Resolution{Decision: Decision{Kind: Allow, Reason: "approved", Description: d.Description}, ResolvedBy: ResolvedByApproval}, nil
	case err == nil:
		return Resolution{Decision: Decision{Kind: Deny, Reason: "approval refused", Description: d.Description}, ResolvedBy: ResolvedByApprovalRefused}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Resolution{Decision: Decision{Kind: Deny, Reason: "request cancelled while awaiting approval", Description: d.Description}, ResolvedBy: ResolvedByApprovalRefused}, ctxErr
	}
	if errors.Is(err, ErrApprovalTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Resolution{
			Decision:   Decision{Kind: Deny, Reason: fmt.Sprintf("approval timed out after %s", e.approvalTimeout), Description: d.Description},
			ResolvedBy: ResolvedByApprovalTimeout,
		}, nil
	}
	e.logger.Warn("approval channel failed", "tool", req.ToolName, "error", err)
	return Resolution{
		Decision:   Decision{Kind: Deny, Reason: "approval failed: " + err.Error(), Description: d.Description},
		ResolvedBy: ResolvedByApprovalRefused,
	}, nil
}
