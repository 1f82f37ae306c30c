package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "agent-kernel/pkg/errors"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := newTestFileStore(t)
	msgs, err := s.Load(context.Background(), "a:u")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	sum, err := s.LoadSummary(context.Background(), "a:u")
	require.NoError(t, err)
	assert.True(t, sum.IsEmpty())
}

func TestFileStore_AppendLoadOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	for _, c := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append(ctx, "a:u", NewMessage(RoleUser, c)))
	}
	msgs, err := s.Load(ctx, "a:u")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)
}

func TestFileStore_ConcurrentAppendNoInterleave(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(ctx, "k", NewMessage(RoleAssistant, "payload"))
		}()
	}
	wg.Wait()
	msgs, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
}

func TestFileStore_SkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.Append(ctx, "k", NewMessage(RoleUser, "ok")))

	f, err := os.OpenFile(filepath.Join(s.Dir(), "k.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"schema_version\":1,\"role\":\"user\",\"content\":\"trunc")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Content)
}

func TestFileStore_SchemaMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	line := `{"schema_version":999,"role":"user","content":"future","created_at":"2026-01-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "k.jsonl"), []byte(line), 0o644))

	_, err := s.Load(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrSchemaVersionMismatch))
	assert.Contains(t, err.Error(), "expected 1")
	assert.Contains(t, err.Error(), "got 999")
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, "k", NewMessage(RoleUser, c)))
	}
	require.NoError(t, s.Save(ctx, "k", []Message{NewMessage(RoleUser, "c")}))
	msgs, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Content)
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	s := newTestFileStore(t)
	bad := NewMessage(RoleUser, "x")
	bad.SchemaVersion = 2
	err := s.Save(context.Background(), "k", []Message{bad})
	assert.True(t, errors.Is(err, kerrors.ErrSchemaVersionMismatch))
}

func TestFileStore_SaveFailureKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.Append(ctx, "k", NewMessage(RoleUser, "keep me")))

	// 目录只读时临时文件无法创建，模拟 rename 前失败
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	require.NoError(t, os.Chmod(s.Dir(), 0o555))
	t.Cleanup(func() { _ = os.Chmod(s.Dir(), 0o755) })

	err := s.Save(ctx, "k", []Message{NewMessage(RoleUser, "replacement")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrPersistence))

	require.NoError(t, os.Chmod(s.Dir(), 0o755))
	msgs, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep me", msgs[0].Content)
}

func TestFileStore_SummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.SaveSummary(ctx, "k", NewSummary("earlier work", []string{"uses go"})))
	sum, err := s.LoadSummary(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "earlier work", sum.LongTermSummary)
	assert.Equal(t, []string{"uses go"}, sum.Facts)
}

func TestFileStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.Append(ctx, "b:u", NewMessage(RoleUser, "x")))
	require.NoError(t, s.Append(ctx, "a:u", NewMessage(RoleUser, "x")))
	require.NoError(t, s.SaveSummary(ctx, "a:u", NewSummary("s", nil)))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:u", "b:u"}, keys)

	require.NoError(t, s.Delete(ctx, "a:u"))
	require.NoError(t, s.Delete(ctx, "a:u"))
	keys, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b:u"}, keys)
	_, err = os.Stat(filepath.Join(s.Dir(), "a:u.summary.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileStore_RejectsTraversalKeys(t *testing.T) {
	s := newTestFileStore(t)
	_, err := s.Load(context.Background(), "../../etc/passwd")
	assert.True(t, errors.Is(err, kerrors.ErrValidation))
	err = s.Append(context.Background(), "a/b", NewMessage(RoleUser, "x"))
	assert.True(t, errors.Is(err, kerrors.ErrValidation))
}

func TestFileStore_AppendAfterTornTail(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.Append(ctx, "a:u", NewMessage(RoleUser, "first")))

	f, err := os.OpenFile(s.logPath("a:u"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"schema_version":1,"role":"user","cont`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Append(ctx, "a:u", NewMessage(RoleUser, "second")))
	msgs, err := s.Load(ctx, "a:u")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestFileStore_SkipsOverlongLine(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.Append(ctx, "a:u", NewMessage(RoleUser, "before")))

	f, err := os.OpenFile(s.logPath("a:u"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Repeat("x", maxLineBytes+1024) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Append(ctx, "a:u", NewMessage(RoleUser, "after")))
	msgs, err := s.Load(ctx, "a:u")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "before", msgs[0].Content)
	assert.Equal(t, "after", msgs[1].Content)
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("y", 40)+"\nlast"), 16)
	line, tooLong, err := readLine(r, 32)
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, "short\n", string(line))

	line, tooLong, err = readLine(r, 32)
	require.NoError(t, err)
	assert.True(t, tooLong)
	assert.Empty(t, line)

	line, tooLong, err = readLine(r, 32)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, tooLong)
	assert.Equal(t, "last", string(line))
}
