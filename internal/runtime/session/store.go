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

package session

import (
	"context"
	"strings"

	kerrors "agent-kernel/pkg/errors"
)

// MaxKeyLen 会话 key 的最大字节数
const MaxKeyLen = 200

// Store 会话持久化抽象：消息日志 + 压缩摘要
type Store interface {
	// Load 返回会话的全部消息；会话不存在时返回空切片
	Load(ctx context.Context, key string) ([]Message, error)
	// Append 持久追加一条消息，返回前已落盘
	Append(ctx context.Context, key string, msg Message) error
	// Save 原子覆盖整个消息日志（压缩后使用）
	Save(ctx context.Context, key string, msgs []Message) error
	// LoadSummary 读取压缩摘要；不存在时返回空摘要
	LoadSummary(ctx context.Context, key string) (Summary, error)
	// SaveSummary 原子写入压缩摘要
	SaveSummary(ctx context.Context, key string, s Summary) error
	// Delete 删除会话的消息与摘要
	Delete(ctx context.Context, key string) error
	// List 列出全部会话 key（有序）
	List(ctx context.Context) ([]string, error)
}

// ValidateKey 校验会话 key：非空、不含路径分隔符与 ..、不含 NUL、长度受限
func ValidateKey(key string) error {
	switch {
	case key == "":
		return kerrors.Wrap(kerrors.ErrValidation, "session key is empty")
	case len(key) > MaxKeyLen:
		return kerrors.Wrapf(kerrors.ErrValidation, "session key longer than %d bytes", MaxKeyLen)
	case strings.Contains(key, ".."):
		return kerrors.Wrapf(kerrors.ErrValidation, "session key %q contains ..", key)
	case strings.ContainsAny(key, "/\\\x00"):
		return kerrors.Wrapf(kerrors.ErrValidation, "session key %q contains a path separator or NUL", key)
	}
	return nil
}

// ValidateMessages 逐条校验，返回第一条错误
func ValidateMessages(msgs []Message) error {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return kerrors.Wrapf(err, "message %d", i)
		}
	}
	return nil
}
