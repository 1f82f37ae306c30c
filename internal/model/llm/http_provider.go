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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
)

// HTTPConfig OpenAI 兼容端点配置
type HTTPConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// HTTPProvider 通用 OpenAI 兼容 /chat/completions 客户端；重试由 RetryingProvider 负责
type HTTPProvider struct {
	model   string
	apiKey  string
	baseURL string
	client  *resty.Client
}

// NewHTTPProvider 创建 HTTP Provider；BaseURL 为空时使用 OpenAI 官方地址
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	return &HTTPProvider{
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}
}

// Name 实现 Provider
func (p *HTTPProvider) Name() string { return "http" }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []chatTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  tool.Schema `json:"parameters"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// toChatMessages 将会话消息转为 OpenAI 线格式；工具调用与结果按 call_id 配对
func toChatMessages(system string, msgs []session.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch {
		case m.Role == session.RoleAssistant && m.IsToolCall():
			args, _ := json.Marshal(m.ToolInput())
			out = append(out, chatMessage{
				Role: "assistant",
				ToolCalls: []chatToolCall{{
					ID:       m.CallID(),
					Type:     "function",
					Function: chatFunction{Name: m.ToolName(), Arguments: string(args)},
				}},
			})
		case m.Role == session.RoleTool:
			out = append(out, chatMessage{Role: "tool", Content: m.Content, ToolCallID: m.CallID()})
		default:
			out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

// Call 实现 Provider
func (p *HTTPProvider) Call(ctx context.Context, req Request) (Response, error) {
	body := chatRequest{
		Model:     p.model,
		Messages:  toChatMessages(req.SystemPrompt, req.Messages),
		MaxTokens: req.MaxTokens,
	}
	for _, s := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type:     "function",
			Function: chatToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Parameters},
		})
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetBody(body).
		Post(p.baseURL + "/chat/completions")
	if err != nil {
		// 调用方取消不重试；网络错误可重试
		retryable := !errors.Is(err, context.Canceled) && ctx.Err() == nil
		return nil, &ProviderError{Provider: p.Name(), Retryable: retryable, Err: err}
	}

	status := resp.StatusCode()
	if status != http.StatusOK {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Status:    status,
			Retryable: status == http.StatusTooManyRequests || status >= 500,
			Err:       fmt.Errorf("chat completions: %s", truncate(resp.String(), 512)),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Status: status, Retryable: true, Err: errors.New("response has no choices")}
	}
	usage := Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}
	msg := out.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		return newToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments, usage), nil
	}
	return &Final{SchemaVersion: SchemaVersion, Content: msg.Content, Usage: usage}, nil
}

// newToolCall 构造工具调用；参数无法解析时保留原文并设置 InputErr，由控制循环转成校验失败的工具结果
func newToolCall(id, name, arguments string, usage Usage) *ToolCall {
	call := &ToolCall{SchemaVersion: SchemaVersion, ID: id, ToolName: name, Usage: usage}
	input, err := decodeArguments(arguments)
	if err != nil {
		call.Input = map[string]any{}
		call.RawArguments = arguments
		call.InputErr = fmt.Errorf("%w: %v", kerrors.ErrValidation, err)
		return call
	}
	call.Input = input
	return call
}

// decodeArguments 解析工具参数 JSON；空串视为空对象
func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("tool arguments are not a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
