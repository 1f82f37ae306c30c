package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 内存实现（map + mutex），读写均复制，用于测试与单机无持久化场景
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string][]Message
	summaries map[string]Summary
}

// NewMemoryStore 创建内存会话存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]Message), summaries: make(map[string]Summary)}
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// Load 实现 Store
func (m *MemoryStore) Load(ctx context.Context, key string) ([]Message, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMessages(m.messages[key]), nil
}

// Append 实现 Store
func (m *MemoryStore) Append(ctx context.Context, key string, msg Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[key] = append(m.messages[key], msg.Clone())
	return nil
}

// Save 实现 Store
func (m *MemoryStore) Save(ctx context.Context, key string, msgs []Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateMessages(msgs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[key] = cloneMessages(msgs)
	return nil
}

// LoadSummary 实现 Store
func (m *MemoryStore) LoadSummary(ctx context.Context, key string) (Summary, error) {
	if err := ValidateKey(key); err != nil {
		return Summary{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[key]
	if !ok {
		return NewSummary("", nil), nil
	}
	s.Facts = append([]string(nil), s.Facts...)
	return s, nil
}

// SaveSummary 实现 Store
func (m *MemoryStore) SaveSummary(ctx context.Context, key string, s Summary) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	s.Facts = append([]string(nil), s.Facts...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[key] = s
	return nil
}

// Delete 实现 Store
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, key)
	delete(m.summaries, key)
	return nil
}

// List 实现 Store
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.messages))
	for k := range m.messages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
