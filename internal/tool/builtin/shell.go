package builtin

import (
	"context"

	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/sandbox"
	"agent-kernel/internal/tool"
	kerrors "agent-kernel/pkg/errors"
)

// ShellExecTool 实现 shell.exec：命令不经 shell，先校验白名单再在沙箱中执行
type ShellExecTool struct {
	guard  *sandbox.CommandGuard
	runner *sandbox.Runner
}

// NewShellExecTool 创建 shell.exec 工具
func NewShellExecTool(g *sandbox.CommandGuard, r *sandbox.Runner) *ShellExecTool {
	return &ShellExecTool{guard: g, runner: r}
}

// Name 实现 tool.Tool
func (t *ShellExecTool) Name() string { return "shell.exec" }

// Description 实现 tool.Tool
func (t *ShellExecTool) Description() string {
	return "在沙箱根目录执行白名单命令。cmd 为 argv 数组，例如 [\"ls\", \"-la\"]。"
}

// Tier 实现 tool.Tool
func (t *ShellExecTool) Tier() permission.Tier { return permission.TierElevated }

// Schema 实现 tool.Tool
func (t *ShellExecTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"cmd": {Type: "array", Description: "程序名与参数", Items: &tool.SchemaProperty{Type: "string"}},
		},
		Required: []string{"cmd"},
	}
}

// Execute 实现 tool.Tool
func (t *ShellExecTool) Execute(ctx context.Context, input map[string]any) (tool.Result, error) {
	argv, ok := tool.StringSliceArg(input, "cmd")
	if !ok {
		return tool.Result{}, kerrors.Wrap(kerrors.ErrValidation, "cmd must be an array of strings")
	}
	if err := t.guard.Check(argv); err != nil {
		return tool.Result{}, err
	}
	res, err := t.runner.Run(ctx, argv[0], argv[1:])
	if err != nil {
		return tool.Result{}, err
	}
	out := map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}
	if res.Truncated {
		out["truncated"] = true
	}
	r := tool.Result{Success: res.ExitCode == 0, Output: out}
	if !r.Success {
		r.Error = "command exited with a non-zero status"
	}
	return r, nil
}
