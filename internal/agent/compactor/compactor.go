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

// Package compactor 在会话超出 token 预算时把旧消息压缩为长期摘要与事实列表
package compactor

import (
	"context"
	"fmt"
	"strings"

	"agent-kernel/internal/runtime/session"
	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/metrics"
)

// Window 可被压缩的会话视图
type Window struct {
	Messages        []session.Message
	Facts           []string
	LongTermSummary string
}

// SummaryRequest 一次摘要调用的输入
type SummaryRequest struct {
	PreviousSummary string
	Facts           []string
	Messages        []session.Message
	MaxOutputTokens int
}

// Summary 摘要结果；Facts 为新增事实
type Summary struct {
	Text  string
	Facts []string
}

// Summarizer 摘要器
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (Summary, error)
}

// Config 压缩参数；零值字段使用默认值
type Config struct {
	ThresholdTokens     int
	KeepRecentTurns     int
	SummaryInputBudget  int
	SummaryOutputBudget int
	MaxSummaryAttempts  int
}

// DefaultConfig 默认压缩参数
func DefaultConfig() Config {
	return Config{
		ThresholdTokens:     8000,
		KeepRecentTurns:     2,
		SummaryInputBudget:  4000,
		SummaryOutputBudget: 1000,
		MaxSummaryAttempts:  2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThresholdTokens <= 0 {
		c.ThresholdTokens = d.ThresholdTokens
	}
	if c.KeepRecentTurns <= 0 {
		c.KeepRecentTurns = d.KeepRecentTurns
	}
	if c.SummaryInputBudget <= 0 {
		c.SummaryInputBudget = d.SummaryInputBudget
	}
	if c.SummaryOutputBudget <= 0 {
		c.SummaryOutputBudget = d.SummaryOutputBudget
	}
	if c.MaxSummaryAttempts <= 0 {
		c.MaxSummaryAttempts = d.MaxSummaryAttempts
	}
	return c
}

// Compactor 不持有每次调用的可变状态，可被所有会话共享
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	logger     *log.Logger
	recorder   metrics.Recorder
}

// New 创建 Compactor；summarizer 为 nil 时使用 PreviewSummarizer
func New(cfg Config, summarizer Summarizer, logger *log.Logger, rec metrics.Recorder) *Compactor {
	if summarizer == nil {
		summarizer = PreviewSummarizer{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Compactor{cfg: cfg.withDefaults(), summarizer: summarizer, logger: logger, recorder: metrics.OrNop(rec)}
}

// Config 生效的参数
func (c *Compactor) Config() Config { return c.cfg }

// EstimateTokens 优先使用 token_count，否则按 4 字符 ≈ 1 token 向上取整
func EstimateTokens(m session.Message) int {
	if m.TokenCount != nil {
		return *m.TokenCount
	}
	return estimateText(m.Content)
}

func estimateText(s string) int { return (len(s) + 3) / 4 }

// TotalTokens 消息总 token 估算
func TotalTokens(msgs []session.Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m)
	}
	return n
}

// CutIndex 第 keepTurns 个最近用户轮次的起点；用户轮次不足时返回 0
func CutIndex(msgs []session.Message, keepTurns int) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			seen++
			if seen == keepTurns {
				return i
			}
		}
	}
	return 0
}

// chunk 按 token 预算切分；单条超预算的消息独占一块
func chunk(msgs []session.Message, budget int) [][]session.Message {
	var out [][]session.Message
	var cur []session.Message
	size := 0
	for _, m := range msgs {
		t := EstimateTokens(m)
		if len(cur) > 0 && size+t > budget {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, m)
		size += t
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// MergeFacts 有序去重合并，已有事实不会被丢弃
func MergeFacts(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, f := range list {
			f = strings.TrimSpace(f)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// MaybeCompact 超过阈值时压缩旧轮次；返回是否修改了 w。出错时 w 保持不变
func (c *Compactor) MaybeCompact(ctx context.Context, w *Window) (bool, error) {
	total := TotalTokens(w.Messages)
	if total <= c.cfg.ThresholdTokens {
		return false, nil
	}
	cut := CutIndex(w.Messages, c.cfg.KeepRecentTurns)
	if cut == 0 {
		return false, nil
	}

	summary := w.LongTermSummary
	facts := append([]string(nil), w.Facts...)
	for i, block := range chunk(w.Messages[:cut], c.cfg.SummaryInputBudget) {
		s, err := c.summarizeChunk(ctx, summary, facts, block)
		if err != nil {
			c.recorder.IncCompaction(false)
			return false, kerrors.Mark(fmt.Errorf("chunk %d: %w", i, err), kerrors.ErrCompactionFailed)
		}
		summary = s.Text
		facts = MergeFacts(facts, s.Facts)
	}

	kept := make([]session.Message, len(w.Messages)-cut)
	copy(kept, w.Messages[cut:])
	w.Messages = kept
	w.LongTermSummary = summary
	w.Facts = MergeFacts(w.Facts, facts)
	c.recorder.IncCompaction(true)
	c.logger.Info("context compacted",
		"tokens_before", total,
		"tokens_after", TotalTokens(w.Messages),
		"summarized_messages", cut,
		"facts", len(w.Facts),
	)
	return true, nil
}

// summarizeChunk 摘要超出输出预算时把摘要本身再压缩，最多 MaxSummaryAttempts 次
func (c *Compactor) summarizeChunk(ctx context.Context, prev string, facts []string, block []session.Message) (Summary, error) {
	req := SummaryRequest{PreviousSummary: prev, Facts: facts, Messages: block, MaxOutputTokens: c.cfg.SummaryOutputBudget}
	var last Summary
	for attempt := 1; attempt <= c.cfg.MaxSummaryAttempts; attempt++ {
		s, err := c.summarizer.Summarize(ctx, req)
		if err != nil {
			return Summary{}, err
		}
		s.Facts = MergeFacts(last.Facts, s.Facts)
		if estimateText(s.Text) <= c.cfg.SummaryOutputBudget {
			return s, nil
		}
		last = s
		c.logger.Warn("summary exceeds output budget", "attempt", attempt, "tokens", estimateText(s.Text), "budget", c.cfg.SummaryOutputBudget)
		req = SummaryRequest{
			Facts:           MergeFacts(facts, s.Facts),
			Messages:        []session.Message{session.NewMessage(session.RoleAssistant, s.Text)},
			MaxOutputTokens: c.cfg.SummaryOutputBudget,
		}
	}
	return Summary{}, fmt.Errorf("summary still exceeds %d tokens after %d attempts", c.cfg.SummaryOutputBudget, c.cfg.MaxSummaryAttempts)
}
