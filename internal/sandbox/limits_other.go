//go:build !linux

package sandbox

const limitsEnforced = false

// applyLimits 非 Linux 平台无 prlimit，调用方记录告警
func applyLimits(pid int, l Limits) error { return nil }
