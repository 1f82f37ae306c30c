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

package runtime

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"agent-kernel/pkg/log"
)

// Manager agent profile 管理：从目录加载，按 id 查找，缺失时回退到默认 profile
type Manager struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]*Profile
	fallback string
	logger   *log.Logger
}

// NewManager 创建 profile Manager 并加载 dir；dir 为空或不存在时只有默认 profile
func NewManager(dir, fallback string, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if fallback == "" {
		fallback = "default"
	}
	m := &Manager{
		dir:      dir,
		profiles: make(map[string]*Profile),
		fallback: fallback,
		logger:   logger,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload 重新读取目录中的 *.yaml / *.yml
func (m *Manager) Reload() error {
	loaded := make(map[string]*Profile)
	if m.dir != "" {
		entries, err := os.ReadDir(m.dir)
		switch {
		case os.IsNotExist(err):
			m.logger.Warn("profiles dir not found, using default profile", "dir", m.dir)
		case err != nil:
			return err
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			p, err := LoadProfile(filepath.Join(m.dir, e.Name()))
			if err != nil {
				return err
			}
			loaded[p.ID] = p
		}
	}
	m.mu.Lock()
	m.profiles = loaded
	m.mu.Unlock()
	m.logger.Info("agent profiles loaded", "count", len(loaded), "dir", m.dir)
	return nil
}

// Put 注册或覆盖 profile
func (m *Manager) Put(p *Profile) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSoul
	}
	m.mu.Lock()
	m.profiles[p.ID] = p
	m.mu.Unlock()
	return nil
}

// Get 按 id 返回 profile；未配置时依次回退到 fallback profile 与内置默认值
func (m *Manager) Get(id string) *Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[id]; ok {
		return p
	}
	if p, ok := m.profiles[m.fallback]; ok {
		cp := *p
		cp.ID = id
		return &cp
	}
	return DefaultProfile(id)
}

// List 返回全部已配置 profile（按 id 排序）
func (m *Manager) List() []*Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
