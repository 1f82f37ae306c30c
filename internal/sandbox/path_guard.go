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

// Package sandbox 将文件与进程操作限制在受控根目录与白名单命令内
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	kerrors "agent-kernel/pkg/errors"
)

// DefaultMaxFileSize 单文件读写上限（10MB）
const DefaultMaxFileSize int64 = 10 << 20

// Clean 纯词法校验相对路径：拒绝空路径、NUL、绝对路径与任何 .. 组件；不访问文件系统
func Clean(rel string) (string, error) {
	if rel == "" {
		return "", kerrors.Wrap(kerrors.ErrValidation, "empty path")
	}
	if strings.ContainsRune(rel, 0) {
		return "", kerrors.Wrap(kerrors.ErrValidation, "path contains NUL")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		return "", kerrors.Wrapf(kerrors.ErrSandboxViolation, "absolute path %q", rel)
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", kerrors.Wrapf(kerrors.ErrSandboxViolation, "path %q escapes sandbox", rel)
		}
	}
	return filepath.Clean(rel), nil
}

// PathGuard 把相对路径解析为沙箱根目录内的真实路径
type PathGuard struct {
	root        string // 已解析符号链接的绝对路径
	maxFileSize int64
}

// NewPathGuard 创建 PathGuard；root 不存在时创建
func NewPathGuard(root string, maxFileSize int64) (*PathGuard, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &PathGuard{root: resolved, maxFileSize: maxFileSize}, nil
}

// Root 沙箱根目录（真实路径）
func (g *PathGuard) Root() string { return g.root }

// MaxFileSize 单文件上限
func (g *PathGuard) MaxFileSize() int64 { return g.maxFileSize }

func (g *PathGuard) within(p string) bool {
	return p == g.root || strings.HasPrefix(p, g.root+string(os.PathSeparator))
}

// Resolve 解析已存在的路径：词法校验 -> 拼接根目录 -> 解析符号链接 -> 前缀校验
func (g *PathGuard) Resolve(rel string) (string, error) {
	clean, err := Clean(rel)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(g.root, clean))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", kerrors.Wrapf(kerrors.ErrValidation, "path %q not found", rel)
		}
		return "", kerrors.Wrapf(kerrors.ErrValidation, "resolve %q: %v", rel, err)
	}
	if !g.within(resolved) {
		return "", kerrors.Wrapf(kerrors.ErrSandboxViolation, "path %q resolves outside sandbox", rel)
	}
	return resolved, nil
}

// ResolveFile 解析已存在的普通文件并检查大小上限
func (g *PathGuard) ResolveFile(rel string) (string, error) {
	resolved, err := g.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", kerrors.Wrapf(kerrors.ErrValidation, "stat %q: %v", rel, err)
	}
	if info.IsDir() {
		return "", kerrors.Wrapf(kerrors.ErrValidation, "%q is a directory", rel)
	}
	if info.Size() > g.maxFileSize {
		return "", kerrors.Wrapf(kerrors.ErrValidation, "file %q is %d bytes, limit %d", rel, info.Size(), g.maxFileSize)
	}
	return resolved, nil
}

// ResolveNew 解析待写入路径：目标可不存在，但父目录必须存在且位于沙箱内；
// 已存在的目标（含符号链接）按真实路径校验
func (g *PathGuard) ResolveNew(rel string) (string, error) {
	clean, err := Clean(rel)
	if err != nil {
		return "", err
	}
	if clean == "." {
		return "", kerrors.Wrap(kerrors.ErrValidation, "path refers to sandbox root")
	}
	full := filepath.Join(g.root, clean)
	if _, err := os.Lstat(full); err == nil {
		resolved, err := filepath.EvalSymlinks(full)
		if err != nil {
			return "", kerrors.Wrapf(kerrors.ErrSandboxViolation, "path %q is a dangling link", rel)
		}
		if !g.within(resolved) {
			return "", kerrors.Wrapf(kerrors.ErrSandboxViolation, "path %q resolves outside sandbox", rel)
		}
		return resolved, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(full))
	if err != nil {
		return "", kerrors.Wrapf(kerrors.ErrValidation, "parent directory of %q not found", rel)
	}
	if !g.within(parent) {
		return "", kerrors.Wrapf(kerrors.ErrSandboxViolation, "parent of %q resolves outside sandbox", rel)
	}
	return filepath.Join(parent, filepath.Base(full)), nil
}

// Rel 将沙箱内真实路径转回相对路径（用于输出）
func (g *PathGuard) Rel(resolved string) string {
	r, err := filepath.Rel(g.root, resolved)
	if err != nil {
		return filepath.Base(resolved)
	}
	return r
}
