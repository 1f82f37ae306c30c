package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	kerrors "agent-kernel/pkg/errors"
)

// DefaultSoul 缺少 profile 时使用的系统提示词
const DefaultSoul = "You are an agent running inside a sandboxed kernel. " +
	"Use the available tools when they help, explain what you are doing, and keep answers concise."

// Profile agent 配置：id、系统提示词、工具白名单、迭代上限
type Profile struct {
	ID            string   `yaml:"id" json:"id"`
	Soul          string   `yaml:"soul" json:"-"` // 内联提示词或相对 profile 文件的路径
	Tools         []string `yaml:"tools" json:"tools"`
	MaxIterations int      `yaml:"max_iterations" json:"max_iterations"`

	// SystemPrompt 解析后的提示词
	SystemPrompt string `yaml:"-" json:"system_prompt"`
}

// DefaultProfile 默认 profile；Tools 为空表示全部已注册工具
func DefaultProfile(id string) *Profile {
	return &Profile{ID: id, Soul: DefaultSoul, SystemPrompt: DefaultSoul}
}

// LoadProfile 读取 YAML profile 并解析 soul
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, kerrors.Wrapf(kerrors.ErrValidation, "parse profile %s: %v", path, err)
	}
	if err := ValidateID(p.ID); err != nil {
		return nil, kerrors.Wrapf(err, "profile %s", path)
	}
	if p.MaxIterations < 0 {
		return nil, kerrors.Wrapf(kerrors.ErrValidation, "profile %s: max_iterations must not be negative", path)
	}
	prompt, err := resolveSoul(filepath.Dir(path), p.Soul)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	p.SystemPrompt = prompt
	return &p, nil
}

// resolveSoul 单行且指向存在文件的 soul 按文件读取，否则视为内联文本
func resolveSoul(dir, soul string) (string, error) {
	soul = strings.TrimSpace(soul)
	if soul == "" {
		return DefaultSoul, nil
	}
	if strings.ContainsAny(soul, "\n\r") {
		return soul, nil
	}
	path := soul
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, soul)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return soul, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read soul %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
