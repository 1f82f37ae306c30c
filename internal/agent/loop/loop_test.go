package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/internal/agent/audit"
	"agent-kernel/internal/agent/compactor"
	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/model/llm"
	"agent-kernel/internal/runtime/lock"
	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool/builtin"
	"agent-kernel/internal/tool/dispatcher"
	"agent-kernel/internal/tool/registry"
	kerrors "agent-kernel/pkg/errors"
)

type harness struct {
	loop     *Loop
	store    *faultyStore
	provider *llm.ScriptedProvider
	locks    *lock.LocalManager
	sink     *audit.MemorySink

	mu     sync.Mutex
	states []State
}

// faultyStore 在 MemoryStore 上注入故障
type faultyStore struct {
	*session.MemoryStore
	appendErr error
	saveCalls []string
}

func (s *faultyStore) Append(ctx context.Context, key string, msg session.Message) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.MemoryStore.Append(ctx, key, msg)
}

func (s *faultyStore) Save(ctx context.Context, key string, msgs []session.Message) error {
	s.saveCalls = append(s.saveCalls, "save")
	return s.MemoryStore.Save(ctx, key, msgs)
}

func (s *faultyStore) SaveSummary(ctx context.Context, key string, sum session.Summary) error {
	s.saveCalls = append(s.saveCalls, "summary")
	return s.MemoryStore.SaveSummary(ctx, key, sum)
}

func newHarness(t *testing.T, engineCfg permission.Config, channel permission.ApprovalChannel, comp *compactor.Compactor, steps ...llm.ScriptStep) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, builtin.RegisterBuiltin(reg, builtin.Deps{}))
	sink := audit.NewMemorySink()
	h := &harness{
		store:    &faultyStore{MemoryStore: session.NewMemoryStore()},
		provider: llm.NewScriptedProvider(steps...),
		locks:    lock.NewLocalManager(),
		sink:     sink,
	}
	h.loop = New(Deps{
		Locks:    h.locks,
		Store:    h.store,
		Provider: h.provider,
		Dispatcher: dispatcher.New(dispatcher.Deps{
			Registry: reg,
			Engine:   permission.NewEngine(engineCfg, channel, nil, nil),
			Audit:    sink,
		}),
		Compactor:   comp,
		LockTimeout: 200 * time.Millisecond,
		OnState: func(_ string, s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) messages(t *testing.T, key string) []session.Message {
	t.Helper()
	msgs, err := h.store.Load(context.Background(), key)
	require.NoError(t, err)
	return msgs
}

func TestRunTurn_FinalReply(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil, llm.Reply("hello back"))
	res, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "a:u", AgentID: "a", SystemPrompt: "be nice", UserMessage: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello back", res.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Zero(t, res.ToolStats.TotalCalls)

	msgs := h.messages(t, "a:u")
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello back", msgs[1].Content)

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "be nice", calls[0].SystemPrompt)
	assert.NotEmpty(t, calls[0].Tools)

	assert.Equal(t, []State{StateIdle, StateLockAcquired, StateAwaitingModel, StateResponding, StatePersisting, StateDone, StateLockReleased}, h.states)
	locked, err := h.locks.IsLocked(context.Background(), "a:u")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRunTurn_ToolCallThenReply(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil,
		llm.CallTool("c1", "echo", map[string]any{"message": "ping"}),
		llm.ScriptStep{Response: &llm.Final{SchemaVersion: llm.SchemaVersion, Content: "done", Usage: llm.Usage{InputTokens: 10, OutputTokens: 4}}},
	)
	res, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "echo ping"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolStats.TotalCalls)
	assert.Equal(t, 0, res.ToolStats.Failures)
	assert.Equal(t, map[string]int{"echo": 1}, res.ToolStats.ByTool)
	assert.Equal(t, TokenUsage{TotalInput: 10, TotalOutput: 4}, res.TokenUsage)

	msgs := h.messages(t, "s")
	require.Len(t, msgs, 4)
	assert.True(t, msgs[1].IsToolCall())
	assert.Equal(t, "c1", msgs[1].CallID())
	assert.Equal(t, session.RoleTool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].CallID())
	assert.JSONEq(t, `{"success":true,"output":"ping"}`, msgs[2].Content)

	// 第二次模型调用能看到工具结果
	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Messages, 3)
	assert.Len(t, h.sink.Entries(), 1)
}

func TestRunTurn_UnknownToolIsSynthetic(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil,
		llm.CallTool("c1", "rm_everything", map[string]any{}),
		llm.Reply("sorry"),
	)
	res, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "go"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolStats.Failures)

	msgs := h.messages(t, "s")
	require.Len(t, msgs, 4)
	assert.JSONEq(t, `{"error":"validation: unknown tool"}`, msgs[2].Content)
	assert.Equal(t, true, msgs[2].Metadata[session.MetaSynthetic])
	assert.Empty(t, h.sink.Entries(), "unknown tools never reach the permission engine")
}

func TestRunTurn_DisallowedToolIsSynthetic(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil,
		llm.CallTool("c1", "echo", map[string]any{"message": "x"}),
		llm.Reply("ok"),
	)
	_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "go", Tools: []string{"file.read"}})
	require.NoError(t, err)
	msgs := h.messages(t, "s")
	assert.JSONEq(t, `{"error":"validation: unknown tool"}`, msgs[2].Content)
	assert.Empty(t, h.provider.Calls()[0].Tools, "file.read is not registered without a sandbox")
}

func TestRunTurn_PermissionDeniedIsSynthetic(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil,
		llm.CallTool("c1", "echo", map[string]any{"message": "sudo reboot"}),
		llm.Reply("cannot"),
	)
	res, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "go"})
	require.NoError(t, err)
	assert.Equal(t, "cannot", res.Content)
	msgs := h.messages(t, "s")
	assert.Contains(t, msgs[2].Content, "permission denied")
	assert.Equal(t, false, msgs[2].Metadata[session.MetaSuccess])
	require.Len(t, h.sink.Entries(), 1)
	assert.Equal(t, "deny", h.sink.Entries()[0].Decision)
}

func TestRunTurn_ValidationErrorIsSynthetic(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil,
		llm.CallTool("c1", "echo", map[string]any{"message": 42}),
		llm.Reply("fixed"),
	)
	_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "go"})
	require.NoError(t, err)
	msgs := h.messages(t, "s")
	assert.Contains(t, msgs[2].Content, "validation")
}

func TestRunTurn_MaxIterations(t *testing.T) {
	steps := make([]llm.ScriptStep, 0, 5)
	for i := 0; i < 5; i++ {
		steps = append(steps, llm.CallTool("", "echo", map[string]any{"message": "again"}))
	}
	h := newHarness(t, permission.Config{}, nil, nil, steps...)
	res, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "loop", MaxIterations: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrMaxIterations)
	assert.ErrorIs(t, err, kerrors.ErrExecutionFailed)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ToolStats.TotalCalls)

	// 已持久化的进度保留：1 条用户消息 + 3 组工具调用/结果
	msgs := h.messages(t, "s")
	assert.Len(t, msgs, 7)
	assert.True(t, strings.HasPrefix(msgs[1].CallID(), "call_"))
}

func TestRunTurn_ModelFailureIsFatal(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil, llm.Failure(&llm.ProviderError{Provider: "scripted", Status: 400, Err: errors.New("bad")}))
	_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrModelProvider)
	assert.True(t, kerrors.IsTurnFatal(err))
	assert.Len(t, h.messages(t, "s"), 1, "user message was persisted before the model call")
}

func TestRunTurn_SchemaMismatchIsFatal(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil, llm.ScriptStep{Response: &llm.Final{SchemaVersion: 999, Content: "x"}})
	_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrSchemaVersionMismatch)
	assert.Contains(t, err.Error(), "expected 1, got 999")
}

func TestRunTurn_PersistenceFailureIsFatal(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil)
	h.store.appendErr = errors.New("disk gone")
	_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrPersistence)
	assert.Empty(t, h.provider.Calls())
}

func TestRunTurn_LockTimeout(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil)
	held, err := h.locks.Acquire(context.Background(), "busy", time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "busy", UserMessage: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrLockTimeout)
	assert.Empty(t, h.provider.Calls())
}

func TestRunTurn_InvalidRequest(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil)
	_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "../x", UserMessage: "hi"})
	assert.ErrorIs(t, err, kerrors.ErrValidation)
	_, err = h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "  "})
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestRunTurn_CompactionPersistsSummaryFirst(t *testing.T) {
	comp := compactor.New(compactor.Config{ThresholdTokens: 20, KeepRecentTurns: 1}, nil, nil, nil)
	h := newHarness(t, permission.Config{}, nil, comp)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.loop.RunTurn(ctx, TurnRequest{SessionKey: "s", UserMessage: strings.Repeat("long message ", 10)})
		require.NoError(t, err)
	}

	assert.Contains(t, h.store.saveCalls, "summary")
	require.GreaterOrEqual(t, len(h.store.saveCalls), 2)
	assert.Equal(t, []string{"summary", "save"}, h.store.saveCalls[:2])

	sum, err := h.store.LoadSummary(ctx, "s")
	require.NoError(t, err)
	assert.NotEmpty(t, sum.LongTermSummary)

	last := h.provider.Calls()[len(h.provider.Calls())-1]
	assert.Contains(t, last.SystemPrompt, "## Conversation summary")
	assert.Equal(t, session.RoleUser, last.Messages[0].Role, "kept history starts at a user turn")
}

func TestRunTurn_ApprovalRequired(t *testing.T) {
	cfg := permission.Config{ApprovalTiers: []permission.Tier{permission.TierRead}}
	channel := &permission.StaticChannel{Approve: true}
	h := newHarness(t, cfg, channel, nil,
		llm.CallTool("c1", "echo", map[string]any{"message": "x"}),
		llm.Reply("ok"),
	)
	res, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "s", UserMessage: "go"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ToolStats.Failures)
	assert.Len(t, channel.Prompts(), 1)
	assert.Contains(t, h.states, StatePermissionPending)
	assert.Equal(t, "approval", h.sink.Entries()[0].ResolvedBy)
}

func TestRunTurn_ConcurrentSameSessionSerialized(t *testing.T) {
	h := newHarness(t, permission.Config{}, nil, nil)
	h.loop.lockTimeout = 5 * time.Second
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.loop.RunTurn(context.Background(), TurnRequest{SessionKey: "shared", UserMessage: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs := h.messages(t, "shared")
	require.Len(t, msgs, 10)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, session.RoleUser, msgs[i].Role)
		assert.Equal(t, session.RoleAssistant, msgs[i+1].Role)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, "base", buildSystemPrompt(" base ", "", nil))
	got := buildSystemPrompt("base", "sum", []string{"a", "b"})
	assert.Equal(t, "base\n\n## Conversation summary\nsum\n\n## Known facts\n- a\n- b", got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "permission_pending", StatePermissionPending.String())
	assert.Equal(t, "state(42)", State(42).String())
}
