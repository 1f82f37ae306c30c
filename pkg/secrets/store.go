// Copyright 2026 fanjia1024
// Secret management abstraction for provider credentials

package secrets

import (
	"context"
	"fmt"
	"strings"

	kerrors "agent-kernel/pkg/errors"
)

// RefPrefix 配置值以该前缀开头时视为 secret 引用，如 secret://model/api_key
const RefPrefix = "secret://"

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出 prefix 下的 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string // env | vault | memory
	Vault    VaultConfig
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	case "vault":
		return NewVaultStore(config.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// IsRef 判断配置值是否为 secret 引用
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve 解析配置值：secret:// 引用从 store 读取，其余原样返回
func Resolve(ctx context.Context, store Store, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	key := strings.TrimPrefix(value, RefPrefix)
	if key == "" {
		return "", kerrors.Wrap(kerrors.ErrInvalidArg, "empty secret reference")
	}
	if store == nil {
		return "", fmt.Errorf("secret %q referenced but no secret store configured", key)
	}
	v, err := store.Get(ctx, key)
	if err != nil {
		return "", kerrors.Wrapf(err, "resolve secret %q", key)
	}
	return v, nil
}
