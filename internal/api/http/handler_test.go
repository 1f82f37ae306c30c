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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/internal/agent/audit"
	"agent-kernel/internal/agent/loop"
	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/agent/runtime"
	"agent-kernel/internal/api/http/middleware"
	"agent-kernel/internal/model/llm"
	"agent-kernel/internal/runtime/lock"
	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool/builtin"
	"agent-kernel/internal/tool/dispatcher"
	"agent-kernel/internal/tool/registry"
	kerrors "agent-kernel/pkg/errors"
)

type harness struct {
	server    *server.Hertz
	provider  *llm.ScriptedProvider
	store     *session.MemoryStore
	locks     *lock.LocalManager
	approvals *permission.PendingQueue
	sink      *audit.MemorySink
	profiles  *runtime.Manager
}

func newHarness(t *testing.T, withQueue bool) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, builtin.RegisterBuiltin(reg, builtin.Deps{}))

	hs := &harness{
		provider: llm.NewScriptedProvider(),
		store:    session.NewMemoryStore(),
		locks:    lock.NewLocalManager(),
		sink:     audit.NewMemorySink(),
	}
	if withQueue {
		hs.approvals = permission.NewPendingQueue()
	}
	profiles, err := runtime.NewManager("", "", nil)
	require.NoError(t, err)
	hs.profiles = profiles

	l := loop.New(loop.Deps{
		Locks:       hs.locks,
		Store:       hs.store,
		Provider:    hs.provider,
		LockTimeout: 30 * time.Millisecond,
		Dispatcher: dispatcher.New(dispatcher.Deps{
			Registry: reg,
			Engine:   permission.NewEngine(permission.Config{}, nil, nil, nil),
			Audit:    hs.sink,
		}),
	})
	var queue *permission.PendingQueue
	if withQueue {
		queue = hs.approvals
	}
	h := NewHandler(Deps{
		Controller: runtime.NewController(l, profiles, 4, nil),
		Store:      hs.store,
		Locks:      hs.locks,
		Approvals:  queue,
		Registry:   reg,
		Audit:      hs.sink,
		Version:    "test",
	})
	r := NewRouter(h, middleware.NewMiddleware(nil))
	hs.server = r.Build(":0")
	return hs
}

func jsonBody(v interface{}) *ut.Body {
	b, _ := json.Marshal(v)
	return &ut.Body{Body: bytes.NewReader(b), Len: len(b)}
}

func emptyBody() *ut.Body {
	return &ut.Body{Body: bytes.NewReader(nil), Len: 0}
}

var jsonHeader = ut.Header{Key: "Content-Type", Value: "application/json"}

func (hs *harness) do(method, url string, body *ut.Body, headers ...ut.Header) (int, map[string]interface{}) {
	headers = append(headers, jsonHeader)
	w := ut.PerformRequest(hs.server.Engine, method, url, body, headers...)
	resp := w.Result()
	out := map[string]interface{}{}
	_ = json.Unmarshal(resp.Body(), &out)
	return resp.StatusCode(), out
}

func TestHealthCheck(t *testing.T) {
	hs := newHarness(t, true)
	status, body := hs.do("GET", "/api/health", emptyBody())
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 4, body["capacity"])
}

func TestRunTurn(t *testing.T) {
	hs := newHarness(t, true)
	hs.provider.Push(
		llm.CallTool("c1", "echo", map[string]any{"message": "ping"}),
		llm.Reply("pong"),
	)

	status, body := hs.do("POST", "/api/agents/coder/users/alice/turns", jsonBody(map[string]string{"message": "hi"}))
	require.Equal(t, 200, status, "%v", body)
	assert.Equal(t, "pong", body["content"])
	assert.EqualValues(t, 2, body["iterations"])
	stats, ok := body["tool_stats"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, stats["total_calls"])

	status, body = hs.do("GET", "/api/sessions", emptyBody())
	require.Equal(t, 200, status)
	assert.Equal(t, []interface{}{"coder:alice"}, body["sessions"])

	status, body = hs.do("GET", "/api/sessions/coder:alice/messages", emptyBody())
	require.Equal(t, 200, status)
	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 4)
	assert.Equal(t, "coder:alice", body["session_key"])
}

func TestRunTurn_BadRequests(t *testing.T) {
	hs := newHarness(t, true)

	status, _ := hs.do("POST", "/api/agents/a/users/u/turns", jsonBody(map[string]string{"message": ""}))
	assert.Equal(t, 400, status)

	status, body := hs.do("POST", "/api/agents/a..b/users/u/turns", jsonBody(map[string]string{"message": "hi"}))
	assert.Equal(t, 400, status)
	assert.Equal(t, "validation", body["kind"])
}

func TestRunTurn_ErrorStatus(t *testing.T) {
	t.Run("model provider", func(t *testing.T) {
		hs := newHarness(t, true)
		hs.provider.Push(llm.Failure(&llm.ProviderError{Provider: "scripted", Status: 400, Err: errors.New("bad model")}))
		status, body := hs.do("POST", "/api/agents/a/users/u/turns", jsonBody(map[string]string{"message": "hi"}))
		assert.Equal(t, 502, status)
		assert.Equal(t, "model_provider", body["kind"])
	})

	t.Run("max iterations", func(t *testing.T) {
		hs := newHarness(t, true)
		require.NoError(t, hs.profiles.Put(&runtime.Profile{ID: "a", MaxIterations: 1}))
		hs.provider.Push(llm.CallTool("c1", "echo", map[string]any{"message": "x"}))
		status, body := hs.do("POST", "/api/agents/a/users/u/turns", jsonBody(map[string]string{"message": "hi"}))
		assert.Equal(t, 422, status)
		assert.Equal(t, "max_iterations", body["kind"])
		assert.NotNil(t, body["result"])
	})

	t.Run("lock timeout", func(t *testing.T) {
		hs := newHarness(t, true)
		held, err := hs.locks.Acquire(context.Background(), "a:u", time.Second)
		require.NoError(t, err)
		defer held.Release()
		status, body := hs.do("POST", "/api/agents/a/users/u/turns", jsonBody(map[string]string{"message": "hi"}))
		assert.Equal(t, 409, status)
		assert.Equal(t, "lock_timeout", body["kind"])
	})
}

func TestDeleteSession(t *testing.T) {
	hs := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, hs.store.Append(ctx, "a:u", session.NewMessage(session.RoleUser, "hi")))

	held, err := hs.locks.Acquire(ctx, "a:u", time.Second)
	require.NoError(t, err)
	status, _ := hs.do("DELETE", "/api/sessions/a:u", emptyBody())
	assert.Equal(t, 409, status)
	require.NoError(t, held.Release())

	status, _ = hs.do("DELETE", "/api/sessions/a:u", emptyBody())
	assert.Equal(t, 200, status)
	keys, err := hs.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	status, _ = hs.do("GET", "/api/sessions/a..u/messages", emptyBody())
	assert.Equal(t, 400, status)
}

func TestApprovals(t *testing.T) {
	hs := newHarness(t, true)

	status, body := hs.do("GET", "/api/approvals", emptyBody())
	require.Equal(t, 200, status)
	assert.EqualValues(t, 0, body["count"])

	answer := make(chan bool, 1)
	go func() {
		ok, _ := hs.approvals.Prompt(context.Background(), "shell.exec: make test", time.Now().Add(5*time.Second))
		answer <- ok
	}()
	require.Eventually(t, func() bool { return len(hs.approvals.List()) == 1 }, time.Second, 5*time.Millisecond)

	status, body = hs.do("GET", "/api/approvals", emptyBody())
	require.Equal(t, 200, status)
	list, ok := body["approvals"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	item := list[0].(map[string]interface{})
	assert.Equal(t, "shell.exec: make test", item["description"])
	id := item["id"].(string)

	status, _ = hs.do("POST", "/api/approvals/"+id, jsonBody(map[string]string{}))
	assert.Equal(t, 400, status)

	status, _ = hs.do("POST", "/api/approvals/"+id, jsonBody(map[string]bool{"approved": true}))
	require.Equal(t, 200, status)
	assert.True(t, <-answer)

	entries := hs.sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindApproval, entries[0].Kind)
	assert.Equal(t, "allow", entries[0].Decision)
	assert.Equal(t, "operator", entries[0].ResolvedBy)

	status, body = hs.do("POST", "/api/approvals/"+id, jsonBody(map[string]bool{"approved": true}))
	assert.Equal(t, 404, status)
	assert.Equal(t, "not_found", body["kind"])
}

func TestApprovals_QueueDisabled(t *testing.T) {
	hs := newHarness(t, false)
	status, body := hs.do("GET", "/api/approvals", emptyBody())
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 0, body["count"])
	status, _ = hs.do("POST", "/api/approvals/x", jsonBody(map[string]bool{"approved": true}))
	assert.Equal(t, 404, status)
}

func TestListTools(t *testing.T) {
	hs := newHarness(t, true)
	status, body := hs.do("GET", "/api/tools", emptyBody())
	require.Equal(t, 200, status)
	tools, ok := body["tools"].([]interface{})
	require.True(t, ok)
	var found bool
	for _, raw := range tools {
		item := raw.(map[string]interface{})
		if item["name"] == "echo" {
			found = true
			assert.Equal(t, "read", item["tier"])
		}
	}
	assert.True(t, found, "echo tool listed")
}

func TestMetrics(t *testing.T) {
	hs := newHarness(t, true)
	w := ut.PerformRequest(hs.server.Engine, "GET", "/metrics", emptyBody())
	resp := w.Result()
	assert.Equal(t, 200, resp.StatusCode())
	assert.True(t, strings.HasPrefix(string(resp.Header.ContentType()), "text/plain"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{kerrors.Wrap(kerrors.ErrLockTimeout, "k"), 409},
		{kerrors.Wrap(kerrors.ErrLockBackendUnavailable, "k"), 503},
		{kerrors.Mark(kerrors.ErrCircuitOpen, kerrors.ErrModelProvider), 503},
		{kerrors.Mark(kerrors.ErrValidation, kerrors.ErrModelProvider), 502},
		{kerrors.Wrap(kerrors.ErrPersistence, "k"), 500},
		{kerrors.SchemaMismatch(1, 2), 500},
		{kerrors.ErrMaxIterations, 422},
		{kerrors.ErrRateLimited, 429},
		{kerrors.ErrPermissionDenied, 403},
		{kerrors.ErrValidation, 400},
		{kerrors.ErrNotFound, 404},
		{errors.New("boom"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), "%v", tc.err)
	}
}
