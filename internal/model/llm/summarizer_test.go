package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/internal/agent/compactor"
	"agent-kernel/internal/runtime/session"
	kerrors "agent-kernel/pkg/errors"
)

func TestParseSummary(t *testing.T) {
	s := ParseSummary("SUMMARY:\nUser is refactoring the parser.\nFACTS:\n- repo uses go 1.25\n* tests live next to code\n\n")
	assert.Equal(t, "User is refactoring the parser.", s.Text)
	assert.Equal(t, []string{"repo uses go 1.25", "tests live next to code"}, s.Facts)

	s = ParseSummary("just prose")
	assert.Equal(t, "just prose", s.Text)
	assert.Empty(t, s.Facts)

	s = ParseSummary("SUMMARY: short\nFACTS:")
	assert.Equal(t, "short", s.Text)
	assert.Empty(t, s.Facts)
}

func TestSummarizer(t *testing.T) {
	p := NewScriptedProvider(Reply("SUMMARY:\nmerged\nFACTS:\n- likes tea"))
	s := NewSummarizer(p)

	out, err := s.Summarize(context.Background(), compactor.SummaryRequest{
		PreviousSummary: "earlier",
		Facts:           []string{"known"},
		Messages: []session.Message{
			session.NewMessage(session.RoleUser, "I like tea"),
			session.NewToolCallMessage("c", "echo", nil),
		},
		MaxOutputTokens: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, "merged", out.Text)
	assert.Equal(t, []string{"likes tea"}, out.Facts)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 200, calls[0].MaxTokens)
	assert.Empty(t, calls[0].Tools)
	body := calls[0].Messages[0].Content
	assert.True(t, strings.Contains(body, "earlier"))
	assert.Contains(t, body, "- known")
	assert.Contains(t, body, "[user] I like tea")
	assert.Contains(t, body, "called echo")
}

func TestSummarizer_RejectsToolCall(t *testing.T) {
	s := NewSummarizer(NewScriptedProvider(CallTool("c", "echo", nil)))
	_, err := s.Summarize(context.Background(), compactor.SummaryRequest{})
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

// Summarizer 可直接作为 compactor 的摘要器
var _ compactor.Summarizer = (*Summarizer)(nil)
