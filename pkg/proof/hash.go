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

// Package proof 提供追加式记录的哈希链计算与校验
package proof

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// chainKey 哈希链的 blake3 keyed 模式域分离键
var chainKey = [32]byte{
	'a', 'g', 'e', 'n', 't', '-', 'k', 'e', 'r', 'n', 'e', 'l', '.', 'a', 'u', 'd',
	'i', 't', '.', 'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0, 0, 0, 0,
}

// ComputeLinkHash 计算链上一环的哈希
// Hash = BLAKE3_keyed(PrevHash | Payload)
func ComputeLinkHash(prevHash string, payload []byte) string {
	h, err := blake3.NewKeyed(chainKey[:])
	if err != nil {
		// 键长固定为 32 字节
		panic(err)
	}
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Link 链上一环；Payload 为不含哈希字段的规范化字节
type Link struct {
	PrevHash string
	Hash     string
	Payload  []byte
}

// ChainError 哈希链在 Index 处断开
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("hash chain broken at entry %d: %s", e.Index, e.Reason)
}

// ValidateChain 验证完整哈希链，返回第一个断点
func ValidateChain(links []Link) error {
	prev := ""
	for i, l := range links {
		if l.PrevHash != prev {
			return &ChainError{Index: i, Reason: fmt.Sprintf("prev_hash=%q, expected %q", l.PrevHash, prev)}
		}
		if want := ComputeLinkHash(l.PrevHash, l.Payload); want != l.Hash {
			return &ChainError{Index: i, Reason: fmt.Sprintf("hash mismatch: expected %s, got %s", want, l.Hash)}
		}
		prev = l.Hash
	}
	return nil
}
