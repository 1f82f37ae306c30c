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

package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"agent-kernel/internal/agent/permission"
)

// Schema 表示工具的 JSON Schema 子集（供 LLM function-calling 与输入校验使用）
type Schema struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty 表示 Schema 中单个属性的描述
type SchemaProperty struct {
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// Result 工具执行结果；执行失败与成功同形，只以 Success 区分
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK 成功结果
func OK(output any) Result { return Result{Success: true, Output: output} }

// Fail 失败结果
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Content 返回写入会话的文本形式
func (r Result) Content() string {
	payload := map[string]any{"success": r.Success}
	if r.Output != nil {
		payload["output"] = r.Output
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"success":%t,"error":"unencodable output"}`, r.Success)
	}
	return string(b)
}

// Tool Runtime 级工具接口
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Tier() permission.Tier
	Execute(ctx context.Context, input map[string]any) (Result, error)
}

// Spec 提供给模型的工具描述
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// SpecOf 由 Tool 生成 Spec
func SpecOf(t Tool) Spec {
	return Spec{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
}
