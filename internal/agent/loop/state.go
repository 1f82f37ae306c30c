package loop

import (
	"fmt"

	"agent-kernel/internal/agent/compactor"
)

// State 单轮执行所处阶段，仅用于日志与测试观测
type State int

const (
	StateIdle State = iota
	StateLockAcquired
	StateAwaitingModel
	StateResponding
	StatePermissionPending
	StateExecuting
	StatePersisting
	StateDone
	StateLockReleased
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateLockAcquired:      "lock_acquired",
	StateAwaitingModel:     "awaiting_model",
	StateResponding:        "responding",
	StatePermissionPending: "permission_pending",
	StateExecuting:         "executing",
	StatePersisting:        "persisting",
	StateDone:              "done",
	StateLockReleased:      "lock_released",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ToolStats 单轮工具调用统计
type ToolStats struct {
	TotalCalls int            `json:"total_calls"`
	Failures   int            `json:"failures"`
	ByTool     map[string]int `json:"by_tool"`
}

func (s *ToolStats) record(tool string, success bool) {
	if s.ByTool == nil {
		s.ByTool = make(map[string]int)
	}
	s.TotalCalls++
	s.ByTool[tool]++
	if !success {
		s.Failures++
	}
}

// TokenUsage 单轮 token 用量
type TokenUsage struct {
	TotalInput  int `json:"total_input"`
	TotalOutput int `json:"total_output"`
}

// SessionState 持锁期间由控制循环独占的会话状态
type SessionState struct {
	SessionKey string
	compactor.Window
	ToolStats  ToolStats
	TokenUsage TokenUsage
}

// TurnRequest 一轮对话的输入
type TurnRequest struct {
	SessionKey    string
	AgentID       string
	SystemPrompt  string
	UserMessage   string
	Tools         []string // 允许的工具；为空表示注册表中的全部工具
	MaxIterations int      // 为 0 时使用循环默认值
}

// TurnResult 一轮对话的输出
type TurnResult struct {
	Content    string     `json:"content"`
	Iterations int        `json:"iterations"`
	ToolStats  ToolStats  `json:"tool_stats"`
	TokenUsage TokenUsage `json:"token_usage"`
	Compacted  bool       `json:"compacted"`
}
