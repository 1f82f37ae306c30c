package compactor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// previewChars 每条消息保留的字符数
const previewChars = 100

// PreviewSummarizer 确定性摘要：按角色输出每条消息的前 100 个字符，不调用模型
type PreviewSummarizer struct{}

// Summarize 实现 Summarizer
func (PreviewSummarizer) Summarize(_ context.Context, req SummaryRequest) (Summary, error) {
	var b strings.Builder
	if req.PreviousSummary != "" {
		b.WriteString(req.PreviousSummary)
		b.WriteString("\n")
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, preview(m.Content))
	}
	text := strings.TrimRight(b.String(), "\n")
	if req.MaxOutputTokens > 0 {
		// 保留最近的内容
		if limit := req.MaxOutputTokens * 4; len(text) > limit {
			text = text[len(text)-limit:]
			for len(text) > 0 && !utf8.RuneStart(text[0]) {
				text = text[1:]
			}
		}
	}
	return Summary{Text: text}, nil
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewChars {
		return s
	}
	r := []rune(s)
	return string(r[:previewChars]) + "..."
}
