// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"os"
	"sort"
	"strings"

	kerrors "agent-kernel/pkg/errors"
)

type envStore struct{}

// NewEnvStore 创建环境变量 secret store；key 中的 / . - 映射为 _ 并转大写
func NewEnvStore() Store {
	return &envStore{}
}

// EnvName 将 secret key 映射为环境变量名，如 model/api_key -> MODEL_API_KEY
func EnvName(key string) string {
	r := strings.NewReplacer("/", "_", ".", "_", "-", "_")
	return strings.ToUpper(r.Replace(key))
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(EnvName(key))
	if !ok || value == "" {
		return "", kerrors.Wrapf(kerrors.ErrNotFound, "environment variable not set: %s", EnvName(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(EnvName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(EnvName(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := EnvName(prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(name, want) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
