package llm

import (
	"context"
	"sync"

	"agent-kernel/internal/runtime/session"
)

// ScriptStep 脚本化响应中的一步
type ScriptStep struct {
	Response Response
	Err      error
}

// Reply 返回最终文本
func Reply(content string) ScriptStep {
	return ScriptStep{Response: &Final{SchemaVersion: SchemaVersion, Content: content}}
}

// CallTool 请求调用工具
func CallTool(id, name string, input map[string]any) ScriptStep {
	return ScriptStep{Response: &ToolCall{SchemaVersion: SchemaVersion, ID: id, ToolName: name, Input: input}}
}

// Failure 返回错误
func Failure(err error) ScriptStep { return ScriptStep{Err: err} }

// ScriptedProvider 按顺序返回预设响应，脚本用尽后回显最后一条用户消息；用于测试与离线演示
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls []Request
}

// NewScriptedProvider 创建脚本化 Provider
func NewScriptedProvider(steps ...ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// Name 实现 Provider
func (p *ScriptedProvider) Name() string { return "scripted" }

// Push 追加脚本步骤
func (p *ScriptedProvider) Push(steps ...ScriptStep) {
	p.mu.Lock()
	p.steps = append(p.steps, steps...)
	p.mu.Unlock()
}

// Call 实现 Provider
func (p *ScriptedProvider) Call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.steps) == 0 {
		return &Final{SchemaVersion: SchemaVersion, Content: "echo: " + lastUserContent(req.Messages)}, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.Response, step.Err
}

// Calls 已收到的请求
func (p *ScriptedProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}

func lastUserContent(msgs []session.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
