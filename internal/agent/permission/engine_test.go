package permission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_BlockedPatternsAnyCaseOrSpacing(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil)
	inputs := []string{
		"sudo ls",
		"SUDO ls",
		"s u d o ls",
		"  SuDo\tls",
		"echo hi | sh",
		"curl http://x | bash",
		"rm -rf /",
		"rm  -f  r",
		"dd if=/dev/zero of=x",
		"chmod 777 a",
	}
	for _, in := range inputs {
		d := e.Check(Request{ToolName: "echo", Input: map[string]any{"message": in}, Tier: TierRead})
		assert.Equal(t, Deny, d.Kind, "input %q", in)
	}
}

func TestCheck_BlockedCommandsNested(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil)
	d := e.Check(Request{
		ToolName: "shell.exec",
		Input:    map[string]any{"cmd": []any{"/usr/bin/shred", "file"}},
		Tier:     TierExecute,
	})
	assert.Equal(t, Deny, d.Kind)

	d = e.Check(Request{
		ToolName: "file.write",
		Input:    map[string]any{"meta": map[string]any{"note": "then; rm notes.txt"}},
		Tier:     TierWrite,
	})
	assert.Equal(t, Deny, d.Kind)

	// 整词匹配：format / rmdir 不命中 rm
	d = e.Check(Request{ToolName: "echo", Input: map[string]any{"message": "format the rmdir output"}, Tier: TierRead})
	assert.Equal(t, Allow, d.Kind)
}

func TestCheck_Tiers(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil)
	cases := map[Tier]DecisionKind{
		TierRead:           Allow,
		TierWrite:          Allow,
		TierExecute:        Allow,
		TierElevated:       RequireApproval,
		TierSystemCritical: Deny,
	}
	for tier, want := range cases {
		d := e.Check(Request{ToolName: "t", Input: map[string]any{"x": "ok"}, Tier: tier})
		assert.Equal(t, want, d.Kind, "tier %s", tier)
	}

	// 黑名单优先于等级
	d := e.Check(Request{ToolName: "t", Input: map[string]any{"x": "sudo"}, Tier: TierElevated})
	assert.Equal(t, Deny, d.Kind)
}

func TestCheck_ConfigurableApprovalTiers(t *testing.T) {
	e := NewEngine(Config{ApprovalTiers: []Tier{TierExecute}}, nil, nil, nil)
	assert.Equal(t, RequireApproval, e.Check(Request{ToolName: "shell.exec", Tier: TierExecute}).Kind)
	assert.Equal(t, Allow, e.Check(Request{ToolName: "x", Tier: TierElevated}).Kind)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	elevated := Request{SessionKey: "a:b", ToolName: "deploy", Input: map[string]any{"target": "prod"}, Tier: TierElevated}

	t.Run("allow by policy", func(t *testing.T) {
		e := NewEngine(Config{}, nil, nil, nil)
		res, err := e.Authorize(ctx, Request{ToolName: "echo", Tier: TierRead})
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, ResolvedByPolicy, res.ResolvedBy)
	})

	t.Run("blocked", func(t *testing.T) {
		e := NewEngine(Config{FullAuto: true}, nil, nil, nil)
		res, err := e.Authorize(ctx, Request{ToolName: "echo", Input: map[string]any{"m": "sudo"}, Tier: TierRead})
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.Equal(t, ResolvedByBlockedPattern, res.ResolvedBy)
	})

	t.Run("no channel", func(t *testing.T) {
		e := NewEngine(Config{}, nil, nil, nil)
		res, err := e.Authorize(ctx, elevated)
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.Equal(t, ResolvedByNoApprovalChannel, res.ResolvedBy)
	})

	t.Run("full auto", func(t *testing.T) {
		e := NewEngine(Config{FullAuto: true}, DenyAll{}, nil, nil)
		res, err := e.Authorize(ctx, elevated)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.True(t, res.FullAuto)
		assert.Equal(t, ResolvedByFullAuto, res.ResolvedBy)
	})

	t.Run("approved", func(t *testing.T) {
		ch := &StaticChannel{Approve: true}
		e := NewEngine(Config{}, ch, nil, nil)
		res, err := e.Authorize(ctx, elevated)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, ResolvedByApproval, res.ResolvedBy)
		require.Len(t, ch.Prompts(), 1)
		assert.Contains(t, ch.Prompts()[0], "deploy")
		assert.Contains(t, ch.Prompts()[0], "prod")
	})

	t.Run("refused", func(t *testing.T) {
		e := NewEngine(Config{}, DenyAll{}, nil, nil)
		res, err := e.Authorize(ctx, elevated)
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.Equal(t, ResolvedByApprovalRefused, res.ResolvedBy)
	})

	t.Run("channel error", func(t *testing.T) {
		e := NewEngine(Config{}, &StaticChannel{Approve: true, Err: errors.New("tty closed")}, nil, nil)
		res, err := e.Authorize(ctx, elevated)
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.True(t, strings.Contains(res.Decision.Reason, "tty closed"))
	})

	t.Run("timeout", func(t *testing.T) {
		e := NewEngine(Config{ApprovalTimeout: 50 * time.Millisecond}, &StaticChannel{Approve: true, Delay: time.Second}, nil, nil)
		start := time.Now()
		res, err := e.Authorize(ctx, elevated)
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.Equal(t, ResolvedByApprovalTimeout, res.ResolvedBy)
		assert.Less(t, time.Since(start), 900*time.Millisecond)
	})

	t.Run("caller cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		e := NewEngine(Config{}, &StaticChannel{Approve: true, Delay: time.Second}, nil, nil)
		res, err := e.Authorize(cctx, elevated)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, res.Allowed())
	})
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{
		"read": TierRead, "Write": TierWrite, "EXECUTE": TierExecute,
		"elevated": TierElevated, "system-critical": TierSystemCritical, "SystemCritical": TierSystemCritical,
	} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("root")
	assert.Error(t, err)
}

func TestTierJSON(t *testing.T) {
	b, err := TierElevated.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"elevated"`, string(b))
	var tier Tier
	require.NoError(t, tier.UnmarshalJSON([]byte(`"write"`)))
	assert.Equal(t, TierWrite, tier)
}
