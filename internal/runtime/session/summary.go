package session

import (
	"time"

	kerrors "agent-kernel/pkg/errors"
)

// Summary 会话压缩摘要：长期摘要文本与累计事实
type Summary struct {
	SchemaVersion   int       `json:"schema_version"`
	LongTermSummary string    `json:"long_term_summary"`
	Facts           []string  `json:"facts"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSummary 创建当前版本的摘要
func NewSummary(text string, facts []string) Summary {
	return Summary{
		SchemaVersion:   SchemaVersion,
		LongTermSummary: text,
		Facts:           append([]string(nil), facts...),
		UpdatedAt:       time.Now().UTC(),
	}
}

// IsEmpty 尚未发生过压缩
func (s Summary) IsEmpty() bool {
	return s.LongTermSummary == "" && len(s.Facts) == 0
}

// Validate 检查版本
func (s Summary) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return kerrors.SchemaMismatch(SchemaVersion, s.SchemaVersion)
	}
	return nil
}
