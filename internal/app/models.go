// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"fmt"
	"time"

	"agent-kernel/internal/model/llm"
	"agent-kernel/pkg/config"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/secrets"
)

// NewSecretStore 按 secrets.backend 创建 Secret Store
func NewSecretStore(cfg *config.Config) (secrets.Store, error) {
	return secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Backend,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.VaultAddr,
			Token:      cfg.Secrets.VaultToken,
			PathPrefix: cfg.Secrets.VaultPath,
		},
	})
}

// NewProviderFromConfig 按 model.provider 构建 Provider，外层依次包装限流与重试熔断
func NewProviderFromConfig(ctx context.Context, cfg *config.Config, store secrets.Store, logger *log.Logger) (llm.Provider, error) {
	mc := cfg.Model
	apiKey, err := secrets.Resolve(ctx, store, mc.APIKey)
	if err != nil {
		return nil, fmt.Errorf("解析 model.api_key 失败: %w", err)
	}
	timeout := config.Duration(mc.Timeout, 60*time.Second)

	var inner llm.Provider
	switch mc.Provider {
	case "", "scripted":
		inner = llm.NewScriptedProvider()
	case "eino":
		if mc.Model == "" {
			return nil, fmt.Errorf("model.provider=eino 需要 model.model")
		}
		p, err := llm.NewEinoProvider(ctx, llm.EinoConfig{
			Model:   mc.Model,
			APIKey:  apiKey,
			BaseURL: mc.BaseURL,
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 eino 模型失败: %w", err)
		}
		inner = p
	case "http":
		if mc.Model == "" || mc.BaseURL == "" {
			return nil, fmt.Errorf("model.provider=http 需要 model.model 与 model.base_url")
		}
		inner = llm.NewHTTPProvider(llm.HTTPConfig{
			Model:   mc.Model,
			APIKey:  apiKey,
			BaseURL: mc.BaseURL,
			Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("未知的 model.provider: %q", mc.Provider)
	}
	return WrapProvider(inner, mc, logger), nil
}

// WrapProvider 按配置包装限流（有任一配额时）与重试熔断
func WrapProvider(inner llm.Provider, mc config.ModelConfig, logger *log.Logger) llm.Provider {
	p := inner
	if mc.RequestsPerMinute > 0 || mc.TokensPerMinute > 0 || mc.MaxConcurrent > 0 {
		limiter := llm.NewRateLimiter(nil, llm.LimitConfig{
			RequestsPerMinute: mc.RequestsPerMinute,
			TokensPerMinute:   mc.TokensPerMinute,
			MaxConcurrent:     mc.MaxConcurrent,
		})
		p = llm.NewRateLimitedProvider(p, limiter)
	}
	return llm.NewRetryingProvider(p, llm.RetryConfig{
		MaxRetries:      mc.MaxRetries,
		BreakerFailures: mc.BreakerFailures,
		BreakerCooldown: config.Duration(mc.BreakerCooldown, 30*time.Second),
	}, logger)
}
