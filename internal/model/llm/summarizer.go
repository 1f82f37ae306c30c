package llm

import (
	"context"
	"fmt"
	"strings"

	"agent-kernel/internal/agent/compactor"
	"agent-kernel/internal/runtime/session"
	kerrors "agent-kernel/pkg/errors"
)

const summarizerPrompt = `You compress agent conversation history.
Merge the previous summary with the new transcript into one concise summary.
Reply in exactly this format:
SUMMARY:
<summary text>
FACTS:
- <durable fact about the user, task or environment>
Only list facts that remain useful for future turns. Write "FACTS:" with no items if there are none.`

// Summarizer 使用模型生成滚动摘要，实现 compactor.Summarizer
type Summarizer struct {
	provider Provider
}

// NewSummarizer 创建模型摘要器
func NewSummarizer(p Provider) *Summarizer { return &Summarizer{provider: p} }

// Summarize 实现 compactor.Summarizer
func (s *Summarizer) Summarize(ctx context.Context, req compactor.SummaryRequest) (compactor.Summary, error) {
	resp, err := s.provider.Call(ctx, Request{
		SystemPrompt: summarizerPrompt,
		Messages:     []session.Message{session.NewMessage(session.RoleUser, renderSummaryInput(req))},
		MaxTokens:    req.MaxOutputTokens,
	})
	if err != nil {
		return compactor.Summary{}, err
	}
	if err := ValidateResponse(resp); err != nil {
		return compactor.Summary{}, err
	}
	final, ok := resp.(*Final)
	if !ok {
		return compactor.Summary{}, kerrors.Wrap(kerrors.ErrValidation, "summarizer returned a tool call")
	}
	return ParseSummary(final.Content), nil
}

func renderSummaryInput(req compactor.SummaryRequest) string {
	var b strings.Builder
	b.WriteString("PREVIOUS SUMMARY:\n")
	if req.PreviousSummary == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(req.PreviousSummary)
		b.WriteString("\n")
	}
	b.WriteString("\nKNOWN FACTS:\n")
	for _, f := range req.Facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nTRANSCRIPT:\n")
	for _, m := range req.Messages {
		if m.IsToolCall() {
			fmt.Fprintf(&b, "[%s] called %s\n", m.Role, m.ToolName())
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return b.String()
}

// ParseSummary 解析 SUMMARY: / FACTS: 格式；缺少标记时整段作为摘要
func ParseSummary(text string) compactor.Summary {
	var out compactor.Summary
	body := text
	if i := strings.Index(body, "SUMMARY:"); i >= 0 {
		body = body[i+len("SUMMARY:"):]
	}
	if i := strings.Index(body, "FACTS:"); i >= 0 {
		for _, line := range strings.Split(body[i+len("FACTS:"):], "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimSpace(strings.TrimLeft(line, "-*"))
			if line != "" {
				out.Facts = append(out.Facts, line)
			}
		}
		body = body[:i]
	}
	out.Text = strings.TrimSpace(body)
	return out
}
