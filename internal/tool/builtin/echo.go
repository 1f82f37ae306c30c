package builtin

import (
	"context"

	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/tool"
)

// EchoTool 实现 echo：原样返回 message
type EchoTool struct{}

// NewEchoTool 创建 echo 工具
func NewEchoTool() *EchoTool { return &EchoTool{} }

// Name 实现 tool.Tool
func (t *EchoTool) Name() string { return "echo" }

// Description 实现 tool.Tool
func (t *EchoTool) Description() string { return "原样返回 message，用于连通性检查。" }

// Tier 实现 tool.Tool
func (t *EchoTool) Tier() permission.Tier { return permission.TierRead }

// Schema 实现 tool.Tool
func (t *EchoTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"message": {Type: "string", Description: "要返回的文本"},
		},
		Required: []string{"message"},
	}
}

// Execute 实现 tool.Tool
func (t *EchoTool) Execute(_ context.Context, input map[string]any) (tool.Result, error) {
	return tool.OK(tool.StringArg(input, "message", "")), nil
}
