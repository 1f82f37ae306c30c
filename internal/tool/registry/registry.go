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

package registry

import (
	"encoding/json"
	"sort"
	"sync"

	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
)

// Registry 工具注册表：注册、发现、供 LLM 使用的 Schema 列表
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.Tool
}

// New 创建新的 ToolRegistry
func New() *Registry {
	return &Registry{
		tools: make(map[string]tool.Tool),
	}
}

// Register 注册工具；重名返回 ErrInvalidArg
func (r *Registry) Register(t tool.Tool) error {
	if t == nil || t.Name() == "" {
		return kerrors.Wrap(kerrors.ErrInvalidArg, "tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return kerrors.Wrapf(kerrors.ErrInvalidArg, "tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get 按名称获取工具
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names 已注册工具名（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List 返回所有已注册工具，按名称排序
func (r *Registry) List() []tool.Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]tool.Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			list = append(list, t)
		}
	}
	return list
}

// Specs 返回指定工具的描述；names 为空时返回全部，未注册的名称被忽略
func (r *Registry) Specs(names []string) []tool.Spec {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]tool.Spec, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			specs = append(specs, tool.SpecOf(t))
		}
	}
	return specs
}

// SchemasForLLM 返回所有工具的 Schema 列表（JSON 序列化供 LLM 使用）
func (r *Registry) SchemasForLLM() ([]byte, error) {
	return json.Marshal(r.Specs(nil))
}
