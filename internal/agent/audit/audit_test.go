package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/pkg/proof"
	"agent-kernel/pkg/redaction"
)

type listing struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func sampleEntry(tool string) Entry {
	return Entry{
		Kind:       KindToolCall,
		SessionKey: "agent:user",
		ToolName:   tool,
		Tier:       "read",
		Input:      map[string]any{"path": ".", "n": 3},
		Decision:   "allow",
		ResolvedBy: "policy",
		Result: &ResultRecord{
			Success:    true,
			Output:     map[string]any{"entries": []listing{{Name: "b", Size: 12}, {Name: "a", IsDir: true}}},
			DurationMS: 4,
		},
	}
}

func TestFileSink_ChainVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	s, err := NewFileSink(path, true)
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range []string{"file.list", "echo", "file.read"} {
		require.NoError(t, s.Record(ctx, sampleEntry(name)))
	}
	require.NoError(t, s.Close())

	rep, err := VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Entries)
	assert.True(t, rep.Chained)
	assert.Equal(t, -1, rep.BrokenAt)
}

func TestFileSink_ResumesChainOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	s, err := NewFileSink(path, true)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, sampleEntry("echo")))
	require.NoError(t, s.Close())

	s, err = NewFileSink(path, true)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, sampleEntry("echo")))
	require.NoError(t, s.Close())

	rep, err := VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Entries)
}

func TestFileSink_TruncatesTornTailOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	s, err := NewFileSink(path, true)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, sampleEntry("echo")))
	require.NoError(t, s.Close())

	torn := `{"kind":"tool_call","tool_na`
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(torn)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = NewFileSink(path, true)
	require.NoError(t, err)
	assert.Equal(t, int64(len(torn)), s.Repaired())
	require.NoError(t, s.Record(ctx, sampleEntry("file.read")))
	require.NoError(t, s.Close())

	rep, err := VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Entries)
	assert.True(t, rep.Chained)
	assert.Equal(t, -1, rep.BrokenAt)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), torn)
}

func TestFileSink_TornOnlyLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":`), 0o600))

	s, err := NewFileSink(path, true)
	require.NoError(t, err)
	assert.Equal(t, int64(8), s.Repaired())
	require.NoError(t, s.Record(context.Background(), sampleEntry("echo")))
	require.NoError(t, s.Close())

	rep, err := VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Entries)
}

func TestVerifyFile_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewFileSink(path, true)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, sampleEntry("echo")))
	}
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"decision":"allow"`, `"decision":"deny"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	rep, err := VerifyFile(path)
	var ce *proof.ChainError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, 1, rep.BrokenAt)
}

func TestVerifyFile_Unchained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewFileSink(path, false)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), sampleEntry("echo")))
	require.NoError(t, s.Close())

	rep, err := VerifyFile(path)
	require.NoError(t, err)
	assert.False(t, rep.Chained)
	assert.Equal(t, 1, rep.Entries)
}

func TestFileSink_ClosedRejectsRecords(t *testing.T) {
	s, err := NewFileSink(filepath.Join(t.TempDir(), "a.jsonl"), false)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Record(context.Background(), sampleEntry("echo")))
	assert.NoError(t, s.Close())
}

func TestWithRedaction(t *testing.T) {
	mem := NewMemorySink()
	eng := redaction.NewEngine(redaction.NewPolicy([]redaction.Rule{{Tool: "file.write", Field: "content", Mode: "redact"}}))
	sink := WithRedaction(mem, eng)

	input := map[string]any{"path": "a", "content": "secret"}
	require.NoError(t, sink.Record(context.Background(), Entry{Kind: KindToolCall, ToolName: "file.write", Input: input}))
	got := mem.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, redaction.Redacted, got[0].Input["content"])
	assert.Equal(t, "a", got[0].Input["path"])
	// 原始输入不被修改
	assert.Equal(t, "secret", input["content"])

	assert.Same(t, mem, WithRedaction(mem, nil))
}
