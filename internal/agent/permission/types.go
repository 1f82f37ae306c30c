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

// Package permission 对每个工具调用做确定性分级，并在需要时通过审批通道取得人工确认
package permission

import (
	"encoding/json"
	"fmt"
	"strings"

	kerrors "agent-kernel/pkg/errors"
)

// Tier 工具风险等级
type Tier int

const (
	TierRead Tier = iota
	TierWrite
	TierExecute
	TierElevated
	TierSystemCritical
)

var tierNames = map[Tier]string{
	TierRead:           "read",
	TierWrite:          "write",
	TierExecute:        "execute",
	TierElevated:       "elevated",
	TierSystemCritical: "system_critical",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier 解析配置中的等级名，大小写与 - _ 不敏感
func ParseTier(s string) (Tier, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if norm == "systemcritical" {
		norm = "system_critical"
	}
	for t, name := range tierNames {
		if name == norm {
			return t, nil
		}
	}
	return 0, kerrors.Wrapf(kerrors.ErrValidation, "unknown tier %q", s)
}

// MarshalJSON 以名称序列化
func (t Tier) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// UnmarshalJSON 接受名称
func (t *Tier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DecisionKind 策略判定
type DecisionKind int

const (
	Allow DecisionKind = iota
	Deny
	RequireApproval
)

func (k DecisionKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RequireApproval:
		return "require_approval"
	default:
		return "unknown"
	}
}

// Decision Check 的结果；Description 仅在 RequireApproval 时用于审批提示
type Decision struct {
	Kind        DecisionKind
	Reason      string
	Description string
}

// Request 一次待判定的工具调用
type Request struct {
	SessionKey string
	ToolName   string
	Input      map[string]any
	Tier       Tier
}

// ResolvedBy 最终判定的来源
type ResolvedBy string

const (
	ResolvedByPolicy            ResolvedBy = "policy"
	ResolvedByBlockedPattern    ResolvedBy = "blocked_pattern"
	ResolvedByApproval          ResolvedBy = "approval"
	ResolvedByApprovalTimeout   ResolvedBy = "approval_timeout"
	ResolvedByApprovalRefused   ResolvedBy = "approval_refused"
	ResolvedByFullAuto          ResolvedBy = "full_auto"
	ResolvedByNoApprovalChannel ResolvedBy = "no_approval_channel"
)

// Resolution Authorize 的结果，Decision.Kind 只会是 Allow 或 Deny
type Resolution struct {
	Decision   Decision
	ResolvedBy ResolvedBy
	FullAuto   bool
}

// Allowed 是否放行
func (r Resolution) Allowed() bool { return r.Decision.Kind == Allow }
