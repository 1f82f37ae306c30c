package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
)

const (
	// SandboxPath 子进程唯一可见的 PATH
	SandboxPath = "/usr/bin:/bin"
	// DefaultExecTimeout 挂钟超时，独立于 CPU 上限
	DefaultExecTimeout = 30 * time.Second
	// DefaultMaxOutput stdout/stderr 各自的捕获上限
	DefaultMaxOutput = 1 << 20
	// waitDelay 杀进程组后等待输出管道关闭的时间
	waitDelay = 2 * time.Second
)

// RunResult 一次进程执行的结果
type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// RunnerConfig Runner 配置；零值字段使用默认值
type RunnerConfig struct {
	Root      string
	Timeout   time.Duration
	MaxOutput int64
	Limits    Limits
	// SearchDirs 程序查找目录，默认取 SandboxPath
	SearchDirs []string
}

// Runner 在沙箱根目录下执行白名单程序
type Runner struct {
	root       string
	timeout    time.Duration
	maxOutput  int64
	limits     Limits
	searchDirs []string
	logger     *log.Logger
	warnOnce   sync.Once
}

// NewRunner 创建 Runner
func NewRunner(cfg RunnerConfig, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Runner{
		root:       cfg.Root,
		timeout:    cfg.Timeout,
		maxOutput:  cfg.MaxOutput,
		limits:     cfg.Limits,
		searchDirs: cfg.SearchDirs,
		logger:     logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultExecTimeout
	}
	if r.maxOutput <= 0 {
		r.maxOutput = DefaultMaxOutput
	}
	if len(r.searchDirs) == 0 {
		r.searchDirs = filepath.SplitList(SandboxPath)
	}
	return r
}

// Timeout 本 Runner 的挂钟超时
func (r *Runner) Timeout() time.Duration { return r.timeout }

// lookPath 只在 searchDirs 中查找可执行文件，不读取宿主 PATH
func (r *Runner) lookPath(name string) (string, error) {
	for _, dir := range r.searchDirs {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.Mode()&0111 != 0 {
			return p, nil
		}
	}
	return "", kerrors.Wrapf(kerrors.ErrValidation, "program %q not found in %s", name, SandboxPath)
}

// Run 执行 name args；超时或 ctx 取消时整组杀死并返回 ErrExecutionTimeout。
// 非零退出码不是错误，由调用方根据 ExitCode 判断
func (r *Runner) Run(ctx context.Context, name string, args []string) (*RunResult, error) {
	bin, err := r.lookPath(name)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: r.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: r.maxOutput}

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = r.root
	cmd.Env = []string{"PATH=" + SandboxPath}
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, kerrors.Mark(fmt.Errorf("start %s: %w", name, err), kerrors.ErrExecutionFailed)
	}
	if limitsEnforced {
		// Start 与 Prlimit 之间子进程短暂不受限，超时与进程组 kill 兜底
		if err := applyLimits(cmd.Process.Pid, r.limits); err != nil {
			_ = killProcessGroup(cmd)
			_ = cmd.Wait()
			return nil, kerrors.Mark(err, kerrors.ErrExecutionFailed)
		}
	} else {
		r.warnOnce.Do(func() {
			r.logger.Warn("resource limits are not enforced on this platform")
		})
	}

	waitErr := cmd.Wait()
	res := &RunResult{
		ExitCode:  -1,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		return res, kerrors.Wrapf(kerrors.ErrExecutionTimeout, "%s after %s: %v", name, res.Duration.Round(time.Millisecond), ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, nil
		}
		return res, kerrors.Mark(fmt.Errorf("wait %s: %w", name, waitErr), kerrors.ErrExecutionFailed)
	}
	return res, nil
}

// limitedWriter 超出上限的字节被丢弃并标记截断
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	if remaining := lw.max - lw.written; int64(n) > remaining {
		lw.truncated = true
		w, err := lw.w.Write(p[:remaining])
		lw.written += int64(w)
		return n, err
	}
	w, err := lw.w.Write(p)
	lw.written += int64(w)
	return w, err
}
