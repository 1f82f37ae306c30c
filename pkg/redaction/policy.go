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

package redaction

// Policy 审计输入脱敏策略
type Policy struct {
	ToolRules   map[string][]FieldMask // tool name -> field masks
	GlobalRules []FieldMask            // 应用于全部工具
}

// FieldMask 字段掩码配置
type FieldMask struct {
	FieldPath string // 以 . 分隔的路径，如 "content" 或 "headers.authorization"
	Mode      Mode
	Salt      string // Hash 模式的 salt（可选）
}

// Mode 脱敏模式
type Mode string

const (
	ModeRedact Mode = "redact" // 替换为 ***REDACTED***
	ModeHash   Mode = "hash"   // 替换为 blake3 摘要
	ModeRemove Mode = "remove" // 完全移除字段
)

// Rule 单条配置规则；Tool 为空或 * 时作为全局规则
type Rule struct {
	Tool  string
	Field string
	Mode  string
	Salt  string
}

// NewPolicy 由配置规则构建策略；无规则时返回 nil
func NewPolicy(rules []Rule) *Policy {
	if len(rules) == 0 {
		return nil
	}
	p := &Policy{ToolRules: make(map[string][]FieldMask)}
	for _, r := range rules {
		mode := Mode(r.Mode)
		switch mode {
		case ModeRedact, ModeHash, ModeRemove:
		default:
			mode = ModeRedact
		}
		mask := FieldMask{FieldPath: r.Field, Mode: mode, Salt: r.Salt}
		if r.Tool == "" || r.Tool == "*" {
			p.GlobalRules = append(p.GlobalRules, mask)
			continue
		}
		p.ToolRules[r.Tool] = append(p.ToolRules[r.Tool], mask)
	}
	return p
}
