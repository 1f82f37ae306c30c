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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath 未指定 KERNEL_CONFIG 时的配置文件路径
const DefaultConfigPath = "configs/kernel.yaml"

// Config 内核配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
	Lock       LockConfig       `mapstructure:"lock"`
	Session    SessionConfig    `mapstructure:"session"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Permission PermissionConfig `mapstructure:"permission"`
	Compactor  CompactorConfig  `mapstructure:"compactor"`
	Loop       LoopConfig       `mapstructure:"loop"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Model      ModelConfig      `mapstructure:"model"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth           bool   `mapstructure:"auth"`
	JWTKey         string `mapstructure:"jwt_key"`
	JWTTimeout     string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh  string `mapstructure:"jwt_max_refresh"` // 如 "1h"
	OperatorName   string `mapstructure:"operator_name"`
	OperatorSecret string `mapstructure:"operator_secret"` // 支持 ${ENV} 与 secret:// 引用
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LockConfig 会话锁配置
type LockConfig struct {
	Backend       string   `mapstructure:"backend"`        // local | redis | postgres | sharded-redis
	Timeout       string   `mapstructure:"timeout"`        // 单次获取等待上限，如 "10s"
	TTL           string   `mapstructure:"ttl"`            // 分布式租约时长
	RetryInterval string   `mapstructure:"retry_interval"` // 分布式轮询间隔
	Prefix        string   `mapstructure:"prefix"`
	RedisAddrs    []string `mapstructure:"redis_addrs"` // redis 取第一个；sharded-redis 每个地址一个分片
	RedisPassword string   `mapstructure:"redis_password"`
	RedisDB       int      `mapstructure:"redis_db"`
	DSN           string   `mapstructure:"dsn"`
}

// SessionConfig 会话存储配置
type SessionConfig struct {
	Backend string `mapstructure:"backend"` // file | postgres | memory
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
}

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	Root           string       `mapstructure:"root"`
	MaxFileSize    int64        `mapstructure:"max_file_size"`
	ExecTimeout    string       `mapstructure:"exec_timeout"`
	MaxOutputBytes int          `mapstructure:"max_output_bytes"`
	AllowCommands  []string     `mapstructure:"allow_commands"`
	DenyCommands   []string     `mapstructure:"deny_commands"`
	GitSubcommands []string     `mapstructure:"git_subcommands"`
	Limits         LimitsConfig `mapstructure:"limits"`
}

// LimitsConfig 子进程资源上限
type LimitsConfig struct {
	AddressSpaceMB int    `mapstructure:"address_space_mb"`
	CPUSeconds     uint64 `mapstructure:"cpu_seconds"`
	FileSizeMB     int    `mapstructure:"file_size_mb"`
	Processes      uint64 `mapstructure:"processes"`
	OpenFiles      uint64 `mapstructure:"open_files"`
}

// PermissionConfig 权限引擎配置
type PermissionConfig struct {
	FullAuto        bool     `mapstructure:"full_auto"` // 跳过人工审批，启动时告警并写入审计
	ApprovalTimeout string   `mapstructure:"approval_timeout"`
	ApprovalTiers   []string `mapstructure:"approval_tiers"`
	BlockedPatterns []string `mapstructure:"blocked_patterns"`
	BlockedCommands []string `mapstructure:"blocked_commands"`
	ApprovalChannel string   `mapstructure:"approval_channel"` // queue | deny
}

// CompactorConfig 上下文压缩配置
type CompactorConfig struct {
	ThresholdTokens     int `mapstructure:"threshold_tokens"`
	KeepRecentTurns     int `mapstructure:"keep_recent_turns"`
	SummaryInputBudget  int `mapstructure:"summary_input_budget"`
	SummaryOutputBudget int `mapstructure:"summary_output_budget"`
	MaxSummaryAttempts  int `mapstructure:"max_summary_attempts"`
}

// LoopConfig 控制循环配置
type LoopConfig struct {
	MaxIterations int    `mapstructure:"max_iterations"`
	ToolTimeout   string `mapstructure:"tool_timeout"`
}

// RuntimeConfig 运行时控制器配置
type RuntimeConfig struct {
	MaxConcurrentSessions int    `mapstructure:"max_concurrent_sessions"`
	ProfilesDir           string `mapstructure:"profiles_dir"`
	DefaultAgent          string `mapstructure:"default_agent"`
}

// ModelConfig 模型配置
type ModelConfig struct {
	Provider          string  `mapstructure:"provider"` // eino | http | scripted
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"` // 支持 ${ENV} 与 secret:// 引用
	BaseURL           string  `mapstructure:"base_url"`
	Timeout           string  `mapstructure:"timeout"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BreakerFailures   int     `mapstructure:"breaker_failures"`
	BreakerCooldown   string  `mapstructure:"breaker_cooldown"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	TokensPerMinute   int     `mapstructure:"tokens_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// RateLimitsConfig 工具调用限流配置
type RateLimitsConfig struct {
	Wait    string                         `mapstructure:"wait"` // 令牌等待上限
	Global  ToolRateLimitConfig            `mapstructure:"global"`
	Session ToolRateLimitConfig            `mapstructure:"session"`
	Tools   map[string]ToolRateLimitConfig `mapstructure:"tools"`
}

// ToolRateLimitConfig 单个维度的限流配置
type ToolRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Burst         int     `mapstructure:"burst"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	Path      string            `mapstructure:"path"`
	HashChain bool              `mapstructure:"hash_chain"`
	Redaction []RedactionConfig `mapstructure:"redaction"`
}

// RedactionConfig 审计输入脱敏规则
type RedactionConfig struct {
	Tool  string `mapstructure:"tool"` // 空或 * 表示全部工具
	Field string `mapstructure:"field"`
	Mode  string `mapstructure:"mode"` // redact | hash | remove
}

// SecretsConfig 密钥存储配置
type SecretsConfig struct {
	Backend    string `mapstructure:"backend"` // env | vault | memory
	VaultAddr  string `mapstructure:"vault_addr"`
	VaultToken string `mapstructure:"vault_token"`
	VaultPath  string `mapstructure:"vault_path"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// Default 返回可直接运行的默认配置
func Default() *Config {
	return &Config{
		API: APIConfig{Port: 8080, Host: "0.0.0.0", Timeout: "120s"},
		Log: LogConfig{Level: "info", Format: "json"},
		Lock: LockConfig{
			Backend:       "local",
			Timeout:       "10s",
			TTL:           "60s",
			RetryInterval: "50ms",
			Prefix:        "kernel:lock:",
		},
		Session: SessionConfig{Backend: "file", Dir: "data/sessions"},
		Sandbox: SandboxConfig{
			Root:           "data/workspace",
			MaxFileSize:    10 << 20,
			ExecTimeout:    "30s",
			MaxOutputBytes: 1 << 20,
			Limits: LimitsConfig{
				AddressSpaceMB: 512,
				CPUSeconds:     60,
				FileSizeMB:     100,
				Processes:      10,
				OpenFiles:      100,
			},
		},
		Permission: PermissionConfig{ApprovalTimeout: "30s", ApprovalChannel: "queue"},
		Compactor: CompactorConfig{
			ThresholdTokens:     8000,
			KeepRecentTurns:     2,
			SummaryInputBudget:  4000,
			SummaryOutputBudget: 1000,
			MaxSummaryAttempts:  2,
		},
		Loop:    LoopConfig{MaxIterations: 10, ToolTimeout: "30s"},
		Runtime: RuntimeConfig{MaxConcurrentSessions: 100, ProfilesDir: "configs/agents", DefaultAgent: "default"},
		Model: ModelConfig{
			Provider:        "scripted",
			Timeout:         "60s",
			MaxRetries:      2,
			BreakerFailures: 5,
			BreakerCooldown: "30s",
		},
		RateLimits: RateLimitsConfig{Wait: "2s"},
		Audit:      AuditConfig{Path: "data/audit.jsonl", HashChain: true},
		Secrets:    SecretsConfig{Backend: "env"},
		Monitoring: MonitoringConfig{Prometheus: PrometheusConfig{Enable: true}},
	}
}

// LoadConfig 加载配置文件，未出现的字段保留 Default 中的取值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	config := Default()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Load 按 KERNEL_CONFIG 环境变量或默认路径加载；默认路径不存在时使用 Default
func Load() (*Config, error) {
	if p := os.Getenv("KERNEL_CONFIG"); p != "" {
		return LoadConfig(p)
	}
	if _, err := os.Stat(DefaultConfigPath); err != nil {
		return Default(), nil
	}
	return LoadConfig(DefaultConfigPath)
}

var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandEnv 将形如 ${VAR} 的整值替换为环境变量，变量为空时保留原值
func expandEnv(s string) string {
	m := envRef.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return s
	}
	if val := os.Getenv(m[1]); val != "" {
		return val
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config *Config) {
	config.Model.APIKey = expandEnv(config.Model.APIKey)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.API.Middleware.OperatorSecret = expandEnv(config.API.Middleware.OperatorSecret)
	config.Lock.RedisPassword = expandEnv(config.Lock.RedisPassword)
	config.Lock.DSN = expandEnv(config.Lock.DSN)
	config.Session.DSN = expandEnv(config.Session.DSN)
	config.Secrets.VaultToken = expandEnv(config.Secrets.VaultToken)
}

// Validate 校验互相依赖的配置项
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "", "local":
	case "redis", "sharded-redis":
		if len(c.Lock.RedisAddrs) == 0 {
			return fmt.Errorf("lock.backend=%s 需要 lock.redis_addrs", c.Lock.Backend)
		}
	case "postgres":
		if c.Lock.DSN == "" {
			return fmt.Errorf("lock.backend=postgres 需要 lock.dsn")
		}
	default:
		return fmt.Errorf("未知的 lock.backend: %q", c.Lock.Backend)
	}
	switch c.Session.Backend {
	case "", "file", "memory":
	case "postgres":
		if c.Session.DSN == "" {
			return fmt.Errorf("session.backend=postgres 需要 session.dsn")
		}
	default:
		return fmt.Errorf("未知的 session.backend: %q", c.Session.Backend)
	}
	if c.API.Middleware.Auth && c.API.Middleware.JWTKey == "" {
		return fmt.Errorf("api.middleware.auth 开启时需要 jwt_key")
	}
	return nil
}

// Duration 解析时长字符串，为空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
