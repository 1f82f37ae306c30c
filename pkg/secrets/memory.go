// Copyright 2026 fanjia1024
// In-memory secret store for tests and the offline chat REPL

package secrets

import (
	"context"
	"sort"
	"strings"
	"sync"

	kerrors "agent-kernel/pkg/errors"
)

// MemoryStore 进程内 secret store；键去掉首尾的 / 与空白
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore 创建内存 secret store，可选初始值
func NewMemoryStore(seed ...map[string]string) *MemoryStore {
	m := &MemoryStore{secrets: make(map[string]string)}
	for _, s := range seed {
		for k, v := range s {
			m.secrets[normalizeKey(k)] = v
		}
	}
	return m
}

func normalizeKey(key string) string {
	return strings.Trim(strings.TrimSpace(key), "/")
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	key = normalizeKey(key)
	if key == "" {
		return "", kerrors.Wrap(kerrors.ErrInvalidArg, "empty secret key")
	}
	m.mu.RLock()
	value, ok := m.secrets[key]
	m.mu.RUnlock()
	if !ok {
		return "", kerrors.Wrapf(kerrors.ErrNotFound, "secret %s", key)
	}
	return value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return kerrors.Wrap(kerrors.ErrInvalidArg, "empty secret key")
	}
	m.mu.Lock()
	m.secrets[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.secrets, normalizeKey(key))
	m.mu.Unlock()
	return nil
}

// List 按字典序返回带 prefix 的键
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimLeft(prefix, "/")
	m.mu.RLock()
	keys := make([]string, 0, len(m.secrets))
	for key := range m.secrets {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
