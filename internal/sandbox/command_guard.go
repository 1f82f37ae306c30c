package sandbox

import (
	"strings"
	"unicode"

	kerrors "agent-kernel/pkg/errors"
)

// 默认命令策略
var (
	DefaultAllowCommands  = []string{"ls", "pwd", "cat", "grep", "echo", "git"}
	DefaultDenyCommands   = []string{"sudo", "rm", "chmod", "curl", "wget", "nc", "netcat"}
	DefaultGitSubcommands = []string{"status", "diff", "log", "show"}
)

// dangerousChars 任意参数中出现即拒绝（命令不经 shell 执行，仍拒绝以防被下游解释）
const dangerousChars = "|&;><`$\n\r\x00"

// sensitivePaths 参数中出现即拒绝的系统路径前缀
var sensitivePaths = []string{"/etc/", "/proc/", "/sys/", "/dev/"}

// forbiddenFlags 改变作用域或目标目录的参数
var forbiddenFlags = []string{"--global", "--system", "-C", "--git-dir", "--work-tree", "--exec-path"}

// CommandPolicy 命令白名单配置；空字段使用默认值
type CommandPolicy struct {
	Allow          []string
	Deny           []string
	GitSubcommands []string
}

// CommandGuard 校验 argv 是否允许执行
type CommandGuard struct {
	allow map[string]bool
	deny  map[string]bool
	git   map[string]bool
}

func toSet(items []string, def []string) map[string]bool {
	if len(items) == 0 {
		items = def
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[strings.TrimSpace(it)] = true
	}
	return m
}

// NewCommandGuard 创建命令校验器
func NewCommandGuard(p CommandPolicy) *CommandGuard {
	return &CommandGuard{
		allow: toSet(p.Allow, DefaultAllowCommands),
		deny:  toSet(p.Deny, DefaultDenyCommands),
		git:   toSet(p.GitSubcommands, DefaultGitSubcommands),
	}
}

func violation(format string, args ...any) error {
	return kerrors.Wrapf(kerrors.ErrSandboxViolation, format, args...)
}

func hasControl(s string) bool {
	for _, r := range s {
		if r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// Check 校验 argv；argv[0] 必须是不含路径的程序名
func (g *CommandGuard) Check(argv []string) error {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return kerrors.Wrap(kerrors.ErrValidation, "empty command")
	}
	for _, a := range argv {
		if strings.ContainsAny(a, dangerousChars) {
			return violation("argument %q contains a shell metacharacter", a)
		}
		if hasControl(a) {
			return violation("argument %q contains a control character", a)
		}
	}

	program := argv[0]
	if strings.ContainsAny(program, `/\`) {
		return violation("program %q must be a bare command name", program)
	}
	if g.deny[program] {
		return violation("command %q is blocked", program)
	}
	if !g.allow[program] {
		return violation("command %q is not allowed", program)
	}

	for _, a := range argv[1:] {
		if err := checkArg(a); err != nil {
			return err
		}
	}
	if program == "git" {
		return g.checkGit(argv[1:])
	}
	return nil
}

func checkArg(a string) error {
	if strings.Contains(a, "..") {
		return violation("argument %q contains ..", a)
	}
	for _, f := range forbiddenFlags {
		if a == f || strings.HasPrefix(a, f+"=") || (f == "-C" && strings.HasPrefix(a, "-C")) {
			return violation("flag %q is not allowed", a)
		}
	}
	// --opt=/path 形式同样检查值部分
	values := []string{a}
	if i := strings.IndexByte(a, '='); i >= 0 {
		values = append(values, a[i+1:])
	}
	for _, v := range values {
		for _, p := range sensitivePaths {
			if strings.HasPrefix(v, p) || v == strings.TrimSuffix(p, "/") {
				return violation("argument %q references a system path", a)
			}
		}
		if strings.HasPrefix(v, "/") && v != "/tmp" && !strings.HasPrefix(v, "/tmp/") {
			return violation("absolute path %q outside /tmp", a)
		}
	}
	return nil
}

func (g *CommandGuard) checkGit(args []string) error {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if a == "config" || !g.git[a] {
			return violation("git subcommand %q is not allowed", a)
		}
		return nil
	}
	return violation("git requires a subcommand")
}
