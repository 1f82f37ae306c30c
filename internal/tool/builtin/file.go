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
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/sandbox"
	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/utils"
)

// MaxListEntries file.list 返回的最大条目数
const MaxListEntries = 1000

var pathProp = tool.SchemaProperty{Type: "string", Description: "沙箱根目录下的相对路径"}

// FileReadTool 实现 file.read
type FileReadTool struct{ guard *sandbox.PathGuard }

// NewFileReadTool 创建 file.read 工具
func NewFileReadTool(g *sandbox.PathGuard) *FileReadTool { return &FileReadTool{guard: g} }

// Name 实现 tool.Tool
func (t *FileReadTool) Name() string { return "file.read" }

// Description 实现 tool.Tool
func (t *FileReadTool) Description() string { return "读取沙箱内的文本文件。" }

// Tier 实现 tool.Tool
func (t *FileReadTool) Tier() permission.Tier { return permission.TierRead }

// Schema 实现 tool.Tool
func (t *FileReadTool) Schema() tool.Schema {
	return tool.Schema{
		Type:       "object",
		Properties: map[string]tool.SchemaProperty{"path": pathProp},
		Required:   []string{"path"},
	}
}

// Execute 实现 tool.Tool
func (t *FileReadTool) Execute(_ context.Context, input map[string]any) (tool.Result, error) {
	p, err := t.guard.ResolveFile(tool.StringArg(input, "path", ""))
	if err != nil {
		return tool.Result{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return tool.Result{}, kerrors.Mark(err, kerrors.ErrExecutionFailed)
	}
	if !utf8.Valid(data) {
		return tool.Fail("file %s is not valid UTF-8 text", t.guard.Rel(p)), nil
	}
	return tool.OK(string(data)), nil
}

// Entry file.list 的单个条目
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// FileListTool 实现 file.list
type FileListTool struct{ guard *sandbox.PathGuard }

// NewFileListTool 创建 file.list 工具
func NewFileListTool(g *sandbox.PathGuard) *FileListTool { return &FileListTool{guard: g} }

// Name 实现 tool.Tool
func (t *FileListTool) Name() string { return "file.list" }

// Description 实现 tool.Tool
func (t *FileListTool) Description() string {
	return "列出沙箱内目录的条目（跳过隐藏文件，最多 1000 条）。"
}

// Tier 实现 tool.Tool
func (t *FileListTool) Tier() permission.Tier { return permission.TierRead }

// Schema 实现 tool.Tool
func (t *FileListTool) Schema() tool.Schema {
	return tool.Schema{
		Type:       "object",
		Properties: map[string]tool.SchemaProperty{"path": {Type: "string", Description: "目录相对路径，默认 ."}},
	}
}

// Execute 实现 tool.Tool
func (t *FileListTool) Execute(_ context.Context, input map[string]any) (tool.Result, error) {
	dir, err := t.guard.Resolve(tool.StringArg(input, "path", "."))
	if err != nil {
		return tool.Result{}, err
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return tool.Result{}, kerrors.Mark(err, kerrors.ErrExecutionFailed)
	}
	entries := make([]Entry, 0, len(des))
	truncated := false
	for _, de := range des {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if len(entries) >= MaxListEntries {
			truncated = true
			break
		}
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return tool.OK(map[string]any{"entries": entries, "truncated": truncated}), nil
}

// FileWriteTool 实现 file.write，原子写入
type FileWriteTool struct{ guard *sandbox.PathGuard }

// NewFileWriteTool 创建 file.write 工具
func NewFileWriteTool(g *sandbox.PathGuard) *FileWriteTool { return &FileWriteTool{guard: g} }

// Name 实现 tool.Tool
func (t *FileWriteTool) Name() string { return "file.write" }

// Description 实现 tool.Tool
func (t *FileWriteTool) Description() string {
	return "写入沙箱内的文件；文件已存在时需 overwrite=true。"
}

// Tier 实现 tool.Tool
func (t *FileWriteTool) Tier() permission.Tier { return permission.TierWrite }

// Schema 实现 tool.Tool
func (t *FileWriteTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"path":      pathProp,
			"content":   {Type: "string", Description: "文件内容"},
			"overwrite": {Type: "boolean", Description: "是否覆盖已有文件，默认 false"},
		},
		Required: []string{"path", "content"},
	}
}

// Execute 实现 tool.Tool
func (t *FileWriteTool) Execute(_ context.Context, input map[string]any) (tool.Result, error) {
	content := tool.StringArg(input, "content", "")
	if int64(len(content)) > t.guard.MaxFileSize() {
		return tool.Result{}, kerrors.Wrapf(kerrors.ErrValidation, "content is %d bytes, limit %d", len(content), t.guard.MaxFileSize())
	}
	p, err := t.guard.ResolveNew(tool.StringArg(input, "path", ""))
	if err != nil {
		return tool.Result{}, err
	}
	info, err := os.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return tool.Fail("%s is a directory", t.guard.Rel(p)), nil
	case err == nil && !tool.BoolArg(input, "overwrite", false):
		return tool.Fail("%s already exists; set overwrite to replace it", t.guard.Rel(p)), nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return tool.Result{}, kerrors.Mark(err, kerrors.ErrExecutionFailed)
	}
	if err := utils.WriteFileAtomic(p, []byte(content), 0o644); err != nil {
		return tool.Result{}, kerrors.Mark(err, kerrors.ErrExecutionFailed)
	}
	return tool.OK(map[string]any{"path": t.guard.Rel(p), "bytes": len(content)}), nil
}
