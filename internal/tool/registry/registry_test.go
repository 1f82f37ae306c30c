package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
)

type stubTool struct{ name string }

func (s stubTool) Name() string          { return s.name }
func (s stubTool) Description() string   { return "stub " + s.name }
func (s stubTool) Schema() tool.Schema   { return tool.Schema{Type: "object"} }
func (s stubTool) Tier() permission.Tier { return permission.TierRead }
func (s stubTool) Execute(context.Context, map[string]any) (tool.Result, error) {
	return tool.OK(s.name), nil
}

func TestRegistry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(stubTool{"b"}))
	require.NoError(t, r.Register(stubTool{"a"}))
	assert.ErrorIs(t, r.Register(stubTool{"a"}), kerrors.ErrInvalidArg)
	assert.ErrorIs(t, r.Register(stubTool{""}), kerrors.ErrInvalidArg)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())
	_, ok = r.Get("zzz")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Len(t, r.List(), 2)

	specs := r.Specs([]string{"b", "missing"})
	require.Len(t, specs, 1)
	assert.Equal(t, "b", specs[0].Name)

	raw, err := r.SchemasForLLM()
	require.NoError(t, err)
	var decoded []tool.Spec
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "a", decoded[0].Name)
	assert.Equal(t, "stub a", decoded[0].Description)
}
