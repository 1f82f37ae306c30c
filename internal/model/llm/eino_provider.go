package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool"
)

// EinoConfig eino OpenAI ChatModel 配置
type EinoConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// EinoProvider 基于 eino ToolCallingChatModel 的 Provider
type EinoProvider struct {
	chat model.ToolCallingChatModel
}

// NewEinoProvider 创建 eino-ext OpenAI ChatModel
func NewEinoProvider(ctx context.Context, cfg EinoConfig) (*EinoProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("eino provider: api_key not configured")
	}
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI ChatModel failed: %w", err)
	}
	return &EinoProvider{chat: chatModel}, nil
}

// NewEinoProviderWithModel 使用已构建的 ChatModel
func NewEinoProviderWithModel(m model.ToolCallingChatModel) *EinoProvider {
	return &EinoProvider{chat: m}
}

// Name 实现 Provider
func (p *EinoProvider) Name() string { return "eino" }

// Call 实现 Provider
func (p *EinoProvider) Call(ctx context.Context, req Request) (Response, error) {
	chat := p.chat
	if len(req.Tools) > 0 {
		bound, err := chat.WithTools(toToolInfos(req.Tools))
		if err != nil {
			return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("bind tools: %w", err)}
		}
		chat = bound
	}
	var opts []model.Option
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	out, err := chat.Generate(ctx, toEinoMessages(req.SystemPrompt, req.Messages), opts...)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Retryable: ctx.Err() == nil, Err: err}
	}
	if out == nil {
		return nil, &ProviderError{Provider: p.Name(), Retryable: true, Err: errors.New("empty response")}
	}

	var usage Usage
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		usage = Usage{InputTokens: out.ResponseMeta.Usage.PromptTokens, OutputTokens: out.ResponseMeta.Usage.CompletionTokens}
	}
	if len(out.ToolCalls) > 0 {
		tc := out.ToolCalls[0]
		return newToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments, usage), nil
	}
	return &Final{SchemaVersion: SchemaVersion, Content: out.Content, Usage: usage}, nil
}

func toEinoMessages(system string, msgs []session.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, schema.SystemMessage(system))
	}
	for _, m := range msgs {
		switch {
		case m.Role == session.RoleAssistant && m.IsToolCall():
			args, _ := json.Marshal(m.ToolInput())
			out = append(out, schema.AssistantMessage("", []schema.ToolCall{{
				ID:       m.CallID(),
				Type:     "function",
				Function: schema.FunctionCall{Name: m.ToolName(), Arguments: string(args)},
			}}))
		case m.Role == session.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case m.Role == session.RoleTool:
			out = append(out, schema.ToolMessage(m.Content, m.CallID()))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

var einoTypes = map[string]schema.DataType{
	"string":  schema.String,
	"number":  schema.Number,
	"integer": schema.Integer,
	"boolean": schema.Boolean,
	"array":   schema.Array,
	"object":  schema.Object,
}

func toParam(p tool.SchemaProperty, required bool) *schema.ParameterInfo {
	info := &schema.ParameterInfo{Type: einoTypes[p.Type], Desc: p.Description, Required: required}
	if info.Type == "" {
		info.Type = schema.String
	}
	if p.Items != nil {
		info.ElemInfo = toParam(*p.Items, false)
	}
	return info
}

func toToolInfos(specs []tool.Spec) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(specs))
	for _, s := range specs {
		required := make(map[string]bool, len(s.Parameters.Required))
		for _, r := range s.Parameters.Required {
			required[r] = true
		}
		params := make(map[string]*schema.ParameterInfo, len(s.Parameters.Properties))
		for name, prop := range s.Parameters.Properties {
			params[name] = toParam(prop, required[name])
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        s.Name,
			Desc:        s.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}
