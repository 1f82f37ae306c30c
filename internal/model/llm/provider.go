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

// Package llm 定义与模型无关的调用契约，以及 eino / HTTP / 脚本化实现和重试、熔断、限流包装
package llm

import (
	"context"
	"errors"
	"fmt"

	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
)

// SchemaVersion 响应格式版本，与会话消息一致
const SchemaVersion = session.SchemaVersion

// Usage 单次调用的 token 用量
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response 模型响应：*Final 或 *ToolCall
type Response interface {
	Version() int
	TokenUsage() Usage
	sealed()
}

// Final 最终文本回复
type Final struct {
	SchemaVersion int
	Content       string
	Usage         Usage
}

// ToolCall 模型请求调用一个工具
type ToolCall struct {
	SchemaVersion int
	ID            string
	ToolName      string
	Input         map[string]any
	Usage         Usage

	// RawArguments 与 InputErr 在模型给出的参数无法解析时设置；Input 此时为空对象
	RawArguments string
	InputErr     error
}

func (f *Final) Version() int         { return f.SchemaVersion }
func (f *Final) TokenUsage() Usage    { return f.Usage }
func (*Final) sealed()                {}
func (c *ToolCall) Version() int      { return c.SchemaVersion }
func (c *ToolCall) TokenUsage() Usage { return c.Usage }
func (*ToolCall) sealed()             {}

// ValidateResponse 校验响应版本；版本不一致不做转换
func ValidateResponse(r Response) error {
	switch v := r.(type) {
	case *Final:
		if v == nil {
			return kerrors.Wrap(kerrors.ErrValidation, "nil final response")
		}
	case *ToolCall:
		if v == nil {
			return kerrors.Wrap(kerrors.ErrValidation, "nil tool call response")
		}
		if v.ToolName == "" {
			return kerrors.Wrap(kerrors.ErrValidation, "tool call without tool name")
		}
	default:
		return kerrors.Wrapf(kerrors.ErrValidation, "unknown response type %T", r)
	}
	if r.Version() != SchemaVersion {
		return kerrors.SchemaMismatch(SchemaVersion, r.Version())
	}
	return nil
}

// Request 一次模型调用
type Request struct {
	SystemPrompt string
	Messages     []session.Message
	Tools        []tool.Spec
	MaxTokens    int
}

// Provider 模型调用契约
type Provider interface {
	Name() string
	Call(ctx context.Context, req Request) (Response, error)
}

// ProviderError 模型调用失败；Retryable 决定是否由 RetryingProvider 重试
type ProviderError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrModelProvider) 成立
func (e *ProviderError) Is(target error) bool { return target == kerrors.ErrModelProvider }

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// estimateTokens 粗略估算请求的 token 数（4 字符 ≈ 1 token）
func estimateTokens(req Request) int {
	n := len(req.SystemPrompt)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	estimated := (n + 3) / 4
	if req.MaxTokens > 0 {
		estimated += req.MaxTokens
	}
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}
