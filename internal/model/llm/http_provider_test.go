package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
)

func newChatServer(t *testing.T, status int, body string, inspect func(chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if inspect != nil {
			inspect(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProvider_Final(t *testing.T) {
	var got chatRequest
	srv := newChatServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		func(r chatRequest) { got = r })
	p := NewHTTPProvider(HTTPConfig{Model: "m1", APIKey: "sk-test", BaseURL: srv.URL + "/"})

	resp, err := p.Call(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages:     []session.Message{session.NewMessage(session.RoleUser, "hi")},
		Tools: []tool.Spec{{Name: "echo", Description: "echo", Parameters: tool.Schema{
			Type:       "object",
			Properties: map[string]tool.SchemaProperty{"text": {Type: "string"}},
			Required:   []string{"text"},
		}}},
	})
	require.NoError(t, err)
	final, ok := resp.(*Final)
	require.True(t, ok)
	assert.Equal(t, "hello there", final.Content)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, final.Usage)
	assert.NoError(t, ValidateResponse(resp))

	assert.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "echo", got.Tools[0].Function.Name)
}

func TestHTTPProvider_ToolCall(t *testing.T) {
	srv := newChatServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"file.read","arguments":"{\"path\":\"a.txt\"}"}}]}}]}`,
		nil)
	p := NewHTTPProvider(HTTPConfig{APIKey: "sk-test", BaseURL: srv.URL})

	resp, err := p.Call(context.Background(), Request{})
	require.NoError(t, err)
	tc, ok := resp.(*ToolCall)
	require.True(t, ok)
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "file.read", tc.ToolName)
	assert.Equal(t, map[string]any{"path": "a.txt"}, tc.Input)
}

func TestHTTPProvider_ErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		srv := newChatServer(t, tc.status, `{"error":{"message":"nope"}}`, nil)
		p := NewHTTPProvider(HTTPConfig{APIKey: "sk-test", BaseURL: srv.URL})
		_, err := p.Call(context.Background(), Request{})
		require.Error(t, err, "status %d", tc.status)
		assert.ErrorIs(t, err, kerrors.ErrModelProvider)
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
	}
}

func TestHTTPProvider_MalformedArguments(t *testing.T) {
	srv := newChatServer(t, http.StatusOK,
		`{"choices":[{"message":{"tool_calls":[{"id":"c","type":"function","function":{"name":"echo","arguments":"[1,2]"}}]}}]}`,
		nil)
	p := NewHTTPProvider(HTTPConfig{APIKey: "sk-test", BaseURL: srv.URL})
	resp, err := p.Call(context.Background(), Request{})
	require.NoError(t, err)
	call, ok := resp.(*ToolCall)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "echo", call.ToolName)
	assert.Equal(t, "[1,2]", call.RawArguments)
	assert.NotNil(t, call.Input)
	assert.ErrorIs(t, call.InputErr, kerrors.ErrValidation)
	assert.NoError(t, ValidateResponse(resp))
}

func TestToChatMessages_PairsToolCalls(t *testing.T) {
	msgs := []session.Message{
		session.NewMessage(session.RoleUser, "read a"),
		session.NewToolCallMessage("c1", "file.read", map[string]any{"path": "a"}),
		session.NewToolResultMessage("c1", "file.read", true, `{"content":"x"}`),
	}
	out := toChatMessages("", msgs)
	require.Len(t, out, 3)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "c1", out[1].ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"a"}`, out[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", out[2].Role)
	assert.Equal(t, "c1", out[2].ToolCallID)
}

func TestDecodeArguments(t *testing.T) {
	in, err := decodeArguments("  ")
	require.NoError(t, err)
	assert.Empty(t, in)
	in, err = decodeArguments("null")
	require.NoError(t, err)
	assert.NotNil(t, in)
	_, err = decodeArguments("{bad")
	assert.Error(t, err)
}
