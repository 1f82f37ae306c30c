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

package builtin

import (
	"agent-kernel/internal/sandbox"
	"agent-kernel/internal/tool"
	"agent-kernel/internal/tool/registry"
)

// Deps 内置工具依赖的沙箱组件
type Deps struct {
	Paths    *sandbox.PathGuard
	Commands *sandbox.CommandGuard
	Runner   *sandbox.Runner
}

// Tools 返回全部内置工具；缺少依赖的工具不返回
func Tools(d Deps) []tool.Tool {
	tools := []tool.Tool{NewEchoTool()}
	if d.Paths != nil {
		tools = append(tools, NewFileReadTool(d.Paths), NewFileListTool(d.Paths), NewFileWriteTool(d.Paths))
	}
	if d.Commands != nil && d.Runner != nil {
		tools = append(tools, NewShellExecTool(d.Commands, d.Runner))
	}
	return tools
}

// RegisterBuiltin 将内置工具注册到 ToolRegistry
func RegisterBuiltin(reg *registry.Registry, d Deps) error {
	if reg == nil {
		return nil
	}
	for _, t := range Tools(d) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
