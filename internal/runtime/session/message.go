package session

import (
	"fmt"
	"time"

	kerrors "agent-kernel/pkg/errors"
)

// SchemaVersion 当前消息与摘要的持久化格式版本；不同版本一律拒绝，不做转换
const SchemaVersion = 1

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata 键约定
const (
	MetaToolCall  = "tool_call"
	MetaToolName  = "tool_name"
	MetaInput     = "input"
	MetaCallID    = "call_id"
	MetaSuccess   = "success"
	MetaSynthetic = "synthetic"
)

// Message 会话中的一条消息，追加后不可变
type Message struct {
	SchemaVersion int            `json:"schema_version"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	TokenCount    *int           `json:"token_count,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewMessage 创建当前版本的消息
func NewMessage(role Role, content string) Message {
	return Message{
		SchemaVersion: SchemaVersion,
		Role:          role,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewToolCallMessage 记录模型发起的一次工具调用（assistant 角色）
func NewToolCallMessage(callID, toolName string, input map[string]any) Message {
	m := NewMessage(RoleAssistant, fmt.Sprintf("tool_call %s", toolName))
	m.Metadata = map[string]any{
		MetaToolCall: true,
		MetaToolName: toolName,
		MetaInput:    input,
		MetaCallID:   callID,
	}
	return m
}

// NewToolResultMessage 记录工具调用结果（tool 角色）
func NewToolResultMessage(callID, toolName string, success bool, content string) Message {
	m := NewMessage(RoleTool, content)
	m.Metadata = map[string]any{
		MetaToolName: toolName,
		MetaCallID:   callID,
		MetaSuccess:  success,
	}
	return m
}

// Validate 检查版本与角色
func (m Message) Validate() error {
	if m.SchemaVersion != SchemaVersion {
		return kerrors.SchemaMismatch(SchemaVersion, m.SchemaVersion)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
		return nil
	}
	return kerrors.Wrapf(kerrors.ErrValidation, "unknown role %q", m.Role)
}

// WithTokenCount 返回带精确 token 数的副本
func (m Message) WithTokenCount(n int) Message {
	m.TokenCount = &n
	return m
}

// IsToolCall 是否为工具调用消息
func (m Message) IsToolCall() bool {
	v, _ := m.Metadata[MetaToolCall].(bool)
	return v
}

// ToolName 工具名（非工具消息返回空）
func (m Message) ToolName() string {
	s, _ := m.Metadata[MetaToolName].(string)
	return s
}

// CallID 工具调用 ID
func (m Message) CallID() string {
	s, _ := m.Metadata[MetaCallID].(string)
	return s
}

// ToolInput 工具调用入参
func (m Message) ToolInput() map[string]any {
	in, _ := m.Metadata[MetaInput].(map[string]any)
	return in
}

// Clone 复制 TokenCount 与 Metadata 顶层，存储实现之间不共享可变状态
func (m Message) Clone() Message {
	if m.TokenCount != nil {
		n := *m.TokenCount
		m.TokenCount = &n
	}
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}
