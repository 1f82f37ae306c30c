//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// rlimits 只返回显式设置的项
func (l Limits) rlimits() []rlimit {
	var out []rlimit
	add := func(res int, v uint64) {
		if v > 0 {
			out = append(out, rlimit{resource: res, value: v})
		}
	}
	add(unix.RLIMIT_AS, l.AddressSpace)
	add(unix.RLIMIT_CPU, l.CPUSeconds)
	add(unix.RLIMIT_FSIZE, l.FileSize)
	add(unix.RLIMIT_NPROC, l.Processes)
	add(unix.RLIMIT_NOFILE, l.OpenFiles)
	return out
}

// limitsEnforced 当前平台是否由内核强制执行 Limits
const limitsEnforced = true

// applyLimits 进程启动后立即对 pid 设置硬/软上限
func applyLimits(pid int, l Limits) error {
	for _, rl := range l.rlimits() {
		lim := unix.Rlimit{Cur: rl.value, Max: rl.value}
		if err := unix.Prlimit(pid, rl.resource, &lim, nil); err != nil {
			// 进程已退出
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("prlimit resource %d: %w", rl.resource, err)
		}
	}
	return nil
}
