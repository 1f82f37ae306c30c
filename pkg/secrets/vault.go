// Copyright 2026 fanjia1024
// HashiCorp Vault secret store (KV v1 and v2 mounts)

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	kerrors "agent-kernel/pkg/errors"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string // Vault server address (e.g., http://vault:8200)
	Token      string
	PathPrefix string // Secret mount (e.g., "secret")
	KVv2       bool   // mount 为 KV v2 时读写 <mount>/data/<key>
}

type vaultStore struct {
	client *vault.Client
	mount  string
	kvV2   bool
}

// NewVaultStore 创建 Vault secret store，并确认服务可用
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	mount := strings.Trim(config.PathPrefix, "/")
	if mount == "" {
		mount = "secret"
	}
	return &vaultStore{client: client, mount: mount, kvV2: config.KVv2}, nil
}

func (v *vaultStore) dataPath(key string) string {
	if v.kvV2 {
		return fmt.Sprintf("%s/data/%s", v.mount, key)
	}
	return fmt.Sprintf("%s/%s", v.mount, key)
}

func (v *vaultStore) metadataPath(prefix string) string {
	if v.kvV2 {
		return strings.TrimSuffix(fmt.Sprintf("%s/metadata/%s", v.mount, prefix), "/")
	}
	return strings.TrimSuffix(fmt.Sprintf("%s/%s", v.mount, prefix), "/")
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", kerrors.Wrapf(kerrors.ErrNotFound, "secret not found: %s", key)
	}
	data := secret.Data
	if v.kvV2 {
		inner, ok := data["data"].(map[string]interface{})
		if !ok {
			return "", kerrors.Wrapf(kerrors.ErrNotFound, "secret not found: %s", key)
		}
		data = inner
	}
	return pickValue(key, data)
}

// pickValue 优先取 value 字段，其次取唯一的字符串字段
func pickValue(key string, data map[string]interface{}) (string, error) {
	if s, ok := data["value"].(string); ok {
		return s, nil
	}
	var found []string
	for _, val := range data {
		if s, ok := val.(string); ok {
			found = append(found, s)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return "", kerrors.Wrapf(kerrors.ErrNotFound, "secret value not found: %s", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	var data map[string]interface{}
	if v.kvV2 {
		data = map[string]interface{}{"data": map[string]interface{}{"value": value}}
	} else {
		data = map[string]interface{}{"value": value}
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.dataPath(key), data); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.dataPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, v.metadataPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var result []string
	for _, k := range keys {
		if str, ok := k.(string); ok {
			if prefix != "" {
				str = strings.TrimSuffix(prefix, "/") + "/" + str
			}
			result = append(result, str)
		}
	}
	return result, nil
}
