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

// Package audit 记录每次工具调用的判定与结果，可选 blake3 哈希链防篡改
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"agent-kernel/pkg/redaction"
)

// Kind 审计条目类型
type Kind string

const (
	KindToolCall Kind = "tool_call"
	KindConfig   Kind = "config"
	KindApproval Kind = "approval"
)

// ResultRecord 工具执行结果摘要
type ResultRecord struct {
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Entry 审计条目，写入后不可修改
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"kind"`
	SessionKey string         `json:"session_key,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Tier       string         `json:"tier,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Decision   string         `json:"decision,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	FullAuto   bool           `json:"full_auto"`
	Result     *ResultRecord  `json:"result,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Hash       string         `json:"hash,omitempty"`
}

// Sink 审计落地接口
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// canonicalize 规范化 JSON：对象键排序，数字保留原文，去掉链字段
func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	delete(m, "prev_hash")
	delete(m, "hash")
	return json.Marshal(m)
}

// MemorySink 内存实现（测试用）；Err 非空时 Record 返回该错误
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	Err     error
}

// NewMemorySink 创建内存审计
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Record 实现 Sink
func (m *MemorySink) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.entries = append(m.entries, e)
	return nil
}

// Entries 已记录条目的副本
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

type redactingSink struct {
	inner  Sink
	engine *redaction.Engine
}

// WithRedaction 写入前按工具名脱敏 Input；engine 为 nil 时原样返回 inner
func WithRedaction(inner Sink, engine *redaction.Engine) Sink {
	if engine == nil {
		return inner
	}
	return &redactingSink{inner: inner, engine: engine}
}

func (r *redactingSink) Record(ctx context.Context, e Entry) error {
	if e.Input != nil {
		e.Input = r.engine.Apply(e.ToolName, e.Input)
	}
	return r.inner.Record(ctx, e)
}

// Discard 丢弃全部条目
type Discard struct{}

// Record 实现 Sink
func (Discard) Record(context.Context, Entry) error { return nil }
