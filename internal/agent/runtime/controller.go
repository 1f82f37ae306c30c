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

// Package runtime 是内核的入口：解析会话 key、加载 agent profile、限制并发轮次并驱动控制循环
package runtime

import (
	"context"
	"strings"
	"unicode"

	"agent-kernel/internal/agent/loop"
	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
)

// DefaultMaxConcurrentSessions 并发轮次上限的默认值
const DefaultMaxConcurrentSessions = 100

// MaxIDLen agent / user id 的最大长度
const MaxIDLen = 64

// ValidateID 校验 agent 或 user id：非空、无空白与控制字符、无路径分隔符与 ..；: 是会话 key 的分隔符，不允许出现
func ValidateID(id string) error {
	switch {
	case id == "":
		return kerrors.Wrap(kerrors.ErrValidation, "id is empty")
	case len(id) > MaxIDLen:
		return kerrors.Wrapf(kerrors.ErrValidation, "id longer than %d bytes", MaxIDLen)
	case strings.Contains(id, ".."):
		return kerrors.Wrapf(kerrors.ErrValidation, "id %q contains ..", id)
	case strings.ContainsAny(id, `/\`):
		return kerrors.Wrapf(kerrors.ErrValidation, "id %q contains a path separator", id)
	case strings.Contains(id, ":"):
		return kerrors.Wrapf(kerrors.ErrValidation, "id %q contains the session key separator", id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return kerrors.Wrapf(kerrors.ErrValidation, "id %q contains whitespace or control characters", id)
		}
	}
	return nil
}

// ResolveSessionKey 由 agent 与 user 生成会话 key：agent_id:user_id
func ResolveSessionKey(agentID, userID string) (string, error) {
	if err := ValidateID(agentID); err != nil {
		return "", kerrors.Wrap(err, "agent id")
	}
	if err := ValidateID(userID); err != nil {
		return "", kerrors.Wrap(err, "user id")
	}
	return agentID + ":" + userID, nil
}

// Controller 运行时控制器
type Controller struct {
	loop     *loop.Loop
	profiles *Manager
	sem      chan struct{}
	logger   *log.Logger
}

// NewController 创建控制器；maxConcurrent <= 0 时使用默认值
func NewController(l *loop.Loop, profiles *Manager, maxConcurrent int, logger *log.Logger) *Controller {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSessions
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Controller{loop: l, profiles: profiles, sem: make(chan struct{}, maxConcurrent), logger: logger}
}

// Loop 返回底层控制循环
func (c *Controller) Loop() *loop.Loop { return c.loop }

// Profiles 返回 profile 管理器
func (c *Controller) Profiles() *Manager { return c.profiles }

// InFlight 正在执行的轮次数
func (c *Controller) InFlight() int { return len(c.sem) }

// Capacity 并发轮次上限
func (c *Controller) Capacity() int { return cap(c.sem) }

// Execute 为 agentID/userID 执行一轮对话；并发已满时等待直到 ctx 结束
func (c *Controller) Execute(ctx context.Context, agentID, userID, message string) (*loop.TurnResult, error) {
	key, err := ResolveSessionKey(agentID, userID)
	if err != nil {
		return nil, err
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, kerrors.Wrapf(ctx.Err(), "waiting for a free session slot (%d in flight)", c.InFlight())
	}
	defer func() { <-c.sem }()

	p := c.profiles.Get(agentID)
	c.logger.Debug("executing turn", "session_key", key, "agent_id", agentID, "tools", len(p.Tools))
	return c.loop.RunTurn(ctx, loop.TurnRequest{
		SessionKey:    key,
		AgentID:       agentID,
		SystemPrompt:  p.SystemPrompt,
		UserMessage:   message,
		Tools:         p.Tools,
		MaxIterations: p.MaxIterations,
	})
}
