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

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Redacted 脱敏后的占位值
const Redacted = "***REDACTED***"

// Engine 脱敏引擎，只读共享，可并发使用
type Engine struct {
	policy *Policy
}

// NewEngine 创建脱敏引擎；policy 为 nil 时不做任何处理
func NewEngine(policy *Policy) *Engine {
	return &Engine{policy: policy}
}

// Apply 返回按工具规则脱敏后的输入副本，原输入不会被修改
func (e *Engine) Apply(toolName string, input map[string]any) map[string]any {
	if e == nil || e.policy == nil || input == nil {
		return input
	}
	rules := append([]FieldMask{}, e.policy.ToolRules[toolName]...)
	rules = append(rules, e.policy.GlobalRules...)
	if len(rules) == 0 {
		return input
	}
	out, _ := deepCopy(input).(map[string]any)
	for _, rule := range rules {
		applyFieldMask(out, rule)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	default:
		return v
	}
}

// applyFieldMask 应用字段掩码
func applyFieldMask(obj map[string]any, mask FieldMask) {
	parts := strings.Split(mask.FieldPath, ".")
	current := obj
	for i := 0; i < len(parts)-1; i++ {
		next, ok := current[parts[i]].(map[string]any)
		if !ok {
			return // 字段不存在
		}
		current = next
	}

	lastKey := parts[len(parts)-1]
	value, exists := current[lastKey]
	if !exists {
		return
	}

	switch mask.Mode {
	case ModeRedact:
		current[lastKey] = Redacted
	case ModeHash:
		current[lastKey] = HashValue(fmt.Sprintf("%v", value), mask.Salt)
	case ModeRemove:
		delete(current, lastKey)
	}
}

// HashValue 计算 salt+value 的 blake3 摘要（hex，前缀 blake3:）
func HashValue(value string, salt string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write([]byte(value))
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}
