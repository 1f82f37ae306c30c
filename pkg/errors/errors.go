// Package errors 提供内核统一错误分类与包装辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 通用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// 内核错误分类；调用方一律通过 errors.Is 判断
var (
	ErrLockTimeout            = errors.New("lock timeout")
	ErrLockBackendUnavailable = errors.New("lock backend unavailable")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrValidation             = errors.New("validation")
	ErrSandboxViolation       = errors.New("sandbox violation")
	ErrExecutionTimeout       = errors.New("execution timeout")
	ErrExecutionFailed        = errors.New("execution failed")
	ErrPersistence            = errors.New("persistence")
	ErrSchemaVersionMismatch  = errors.New("schema version mismatch")
	ErrModelProvider          = errors.New("model provider")
	ErrRateLimited            = errors.New("rate limited")
	ErrCompactionFailed       = errors.New("compaction failed")
	ErrCircuitOpen            = errors.New("circuit open")
)

// ErrMaxIterations 单轮工具循环次数超限，归类为执行失败
var ErrMaxIterations = fmt.Errorf("max iterations exceeded: %w", ErrExecutionFailed)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Mark 将 cause 归入 kind 分类，同时保留 cause 链；kind 与 cause 均可被 errors.Is 命中
func Mark(cause error, kind error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// SchemaMismatch 构造版本不匹配错误，消息同时包含期望与实际版本
func SchemaMismatch(expected, got int) error {
	return fmt.Errorf("%w: expected %d, got %d", ErrSchemaVersionMismatch, expected, got)
}

// IsTurnFatal 判断错误是否应终止当前轮次（锁、持久化、版本、模型、迭代上限）
func IsTurnFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrLockBackendUnavailable),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrSchemaVersionMismatch),
		errors.Is(err, ErrModelProvider),
		errors.Is(err, ErrMaxIterations):
		return true
	}
	return false
}

// Kind 返回错误所属分类的简短名称，用于日志、审计与 HTTP 映射
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrLockBackendUnavailable):
		return "lock_backend_unavailable"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSandboxViolation):
		return "sandbox_violation"
	case errors.Is(err, ErrExecutionTimeout):
		return "execution_timeout"
	case errors.Is(err, ErrMaxIterations):
		return "max_iterations"
	case errors.Is(err, ErrExecutionFailed):
		return "execution_failed"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrSchemaVersionMismatch):
		return "schema_version_mismatch"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrModelProvider):
		return "model_provider"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCompactionFailed):
		return "compaction_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArg):
		return "invalid_argument"
	}
	return "internal"
}
