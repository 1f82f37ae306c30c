package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	kerrors "agent-kernel/pkg/errors"
)

func TestCommandGuard_Check(t *testing.T) {
	g := NewCommandGuard(CommandPolicy{})
	cases := []struct {
		name string
		argv []string
		kind error
	}{
		{name: "ls", argv: []string{"ls", "-la"}},
		{name: "grep in tmp", argv: []string{"grep", "-r", "todo", "/tmp/work"}},
		{name: "git status", argv: []string{"git", "status"}},
		{name: "git log flags", argv: []string{"git", "--no-pager", "log", "-n", "5"}},
		{name: "empty", argv: nil, kind: kerrors.ErrValidation},
		{name: "not allowed", argv: []string{"python3", "-c", "1"}, kind: kerrors.ErrSandboxViolation},
		{name: "blocked", argv: []string{"rm", "-rf", "x"}, kind: kerrors.ErrSandboxViolation},
		{name: "path program", argv: []string{"/bin/ls"}, kind: kerrors.ErrSandboxViolation},
		{name: "pipe", argv: []string{"echo", "a|sh"}, kind: kerrors.ErrSandboxViolation},
		{name: "subst", argv: []string{"echo", "$(id)"}, kind: kerrors.ErrSandboxViolation},
		{name: "newline", argv: []string{"echo", "a\nb"}, kind: kerrors.ErrSandboxViolation},
		{name: "control", argv: []string{"echo", "a\x07"}, kind: kerrors.ErrSandboxViolation},
		{name: "dotdot", argv: []string{"cat", "../x"}, kind: kerrors.ErrSandboxViolation},
		{name: "etc", argv: []string{"cat", "/etc/passwd"}, kind: kerrors.ErrSandboxViolation},
		{name: "abs outside tmp", argv: []string{"ls", "/home"}, kind: kerrors.ErrSandboxViolation},
		{name: "flag value", argv: []string{"grep", "--file=/etc/shadow", "x"}, kind: kerrors.ErrSandboxViolation},
		{name: "git -C", argv: []string{"git", "-C", "x", "status"}, kind: kerrors.ErrSandboxViolation},
		{name: "git global", argv: []string{"git", "--global", "status"}, kind: kerrors.ErrSandboxViolation},
		{name: "git config", argv: []string{"git", "config", "user.name"}, kind: kerrors.ErrSandboxViolation},
		{name: "git push", argv: []string{"git", "push"}, kind: kerrors.ErrSandboxViolation},
		{name: "git branch", argv: []string{"git", "branch", "-D", "main"}, kind: kerrors.ErrSandboxViolation},
		{name: "git bare", argv: []string{"git"}, kind: kerrors.ErrSandboxViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Check(tc.argv)
			if tc.kind == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestCommandGuard_CustomPolicy(t *testing.T) {
	g := NewCommandGuard(CommandPolicy{
		Allow:          []string{"echo", "wc"},
		Deny:           []string{"echo"},
		GitSubcommands: []string{"status"},
	})
	assert.NoError(t, g.Check([]string{"wc", "-l"}))
	// deny 优先于 allow
	assert.ErrorIs(t, g.Check([]string{"echo", "hi"}), kerrors.ErrSandboxViolation)
	assert.ErrorIs(t, g.Check([]string{"ls"}), kerrors.ErrSandboxViolation)
}
