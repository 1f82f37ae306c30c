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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
lock:
  backend: "redis"
  redis_addrs: ["127.0.0.1:6379"]
permission:
  full_auto: true
  approval_tiers: ["elevated", "execute"]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Lock.Backend != "redis" || len(cfg.Lock.RedisAddrs) != 1 {
		t.Errorf("Lock: got %+v", cfg.Lock)
	}
	if !cfg.Permission.FullAuto || len(cfg.Permission.ApprovalTiers) != 2 {
		t.Errorf("Permission: got %+v", cfg.Permission)
	}
}

func TestLoadConfig_KeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "api:\n  port: 7000\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Runtime.MaxConcurrentSessions != 100 {
		t.Errorf("MaxConcurrentSessions default: got %d", cfg.Runtime.MaxConcurrentSessions)
	}
	if cfg.Permission.ApprovalTimeout != "30s" {
		t.Errorf("ApprovalTimeout default: got %q", cfg.Permission.ApprovalTimeout)
	}
	if cfg.Sandbox.Limits.AddressSpaceMB != 512 {
		t.Errorf("AddressSpaceMB default: got %d", cfg.Sandbox.Limits.AddressSpaceMB)
	}
}

func TestLoadConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("KERNEL_TEST_API_KEY", "sk-test")
	cfg, err := LoadConfig(writeConfig(t, "model:\n  provider: http\n  api_key: \"${KERNEL_TEST_API_KEY}\"\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Model.APIKey != "sk-test" {
		t.Errorf("APIKey: got %q", cfg.Model.APIKey)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := LoadConfig(writeConfig(t, "lock:\n  backend: postgres\n")); err == nil {
		t.Error("postgres lock without dsn should fail")
	}
	if _, err := LoadConfig(writeConfig(t, "session:\n  backend: s3\n")); err == nil {
		t.Error("unknown session backend should fail")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := Duration("bogus", time.Second); got != time.Second {
		t.Errorf("bogus: got %v", got)
	}
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms: got %v", got)
	}
}

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "kernel.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	for _, sub := range cfg.Sandbox.GitSubcommands {
		switch sub {
		case "status", "log", "diff", "show":
		default:
			t.Errorf("git subcommand %q can mutate the repository", sub)
		}
	}
	if len(cfg.Permission.ApprovalTiers) != 1 || cfg.Permission.ApprovalTiers[0] != "elevated" {
		t.Errorf("ApprovalTiers: got %v", cfg.Permission.ApprovalTiers)
	}
}
