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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/utils"
)

const (
	logSuffix     = ".jsonl"
	summarySuffix = ".summary.json"
	// maxLineBytes 单行消息上限，超出视为损坏行
	maxLineBytes = 10 << 20
)

// FileStore 每个会话一个 JSONL 日志文件 + 一个摘要 JSON 文件
type FileStore struct {
	dir    string
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // 进程内按 key 串行化写入，避免行交错
}

// NewFileStore 创建文件存储，目录不存在时自动创建
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kerrors.Mark(fmt.Errorf("create session dir: %w", err), kerrors.ErrPersistence)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &FileStore{dir: dir, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir 存储目录
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FileStore) logPath(key string) string     { return filepath.Join(s.dir, key+logSuffix) }
func (s *FileStore) summaryPath(key string) string { return filepath.Join(s.dir, key+summarySuffix) }

// Load 逐行解析；无法解析的行记录告警后跳过，版本不匹配的行直接报错
func (s *FileStore) Load(ctx context.Context, key string) ([]Message, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.logPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, kerrors.Mark(fmt.Errorf("open session log: %w", err), kerrors.ErrPersistence)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	msgs := make([]Message, 0, 64)
	skipped := 0
	lineNo := 0
	for {
		raw, tooLong, readErr := readLine(r, maxLineBytes)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, kerrors.Mark(fmt.Errorf("read session log: %w", readErr), kerrors.ErrPersistence)
		}
		if len(raw) > 0 || tooLong {
			lineNo++
		}
		line := bytes.TrimSpace(raw)
		switch {
		case tooLong:
			skipped++
			s.logger.Warn("跳过超长会话行", "session_key", key, "line", lineNo, "limit", maxLineBytes)
		case len(line) == 0:
		default:
			var m Message
			if err := json.Unmarshal(line, &m); err != nil {
				skipped++
				s.logger.Warn("跳过无法解析的会话行", "session_key", key, "line", lineNo, "error", err)
				break
			}
			if m.SchemaVersion != SchemaVersion {
				return nil, kerrors.Wrapf(kerrors.SchemaMismatch(SchemaVersion, m.SchemaVersion), "session %s line %d", key, lineNo)
			}
			if err := m.Validate(); err != nil {
				skipped++
				s.logger.Warn("跳过非法会话消息", "session_key", key, "line", lineNo, "error", err)
				break
			}
			msgs = append(msgs, m)
		}
		if readErr != nil {
			break
		}
	}
	if skipped > 0 {
		s.logger.Warn("会话日志存在损坏行", "session_key", key, "skipped", skipped, "loaded", len(msgs))
	}
	return msgs, nil
}

// readLine 读取一行（含换行符）；超过 max 的行丢弃内容并返回 tooLong，读取位置仍推进到行尾
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

// Append O_APPEND 写入一行并 fsync；日志末尾是未终止的残行时先补换行，新行不与残行粘连
func (s *FileStore) Append(ctx context.Context, key string, msg Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrValidation, "encode message: "+err.Error())
	}
	line = append(line, '\n')

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	path := s.logPath(key)
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return kerrors.Mark(fmt.Errorf("open session log: %w", err), kerrors.ErrPersistence)
	}
	torn, err := endsWithoutNewline(f)
	if err != nil {
		_ = f.Close()
		return kerrors.Mark(fmt.Errorf("inspect session log tail: %w", err), kerrors.ErrPersistence)
	}
	if torn {
		s.logger.Warn("会话日志末尾存在未终止的残行", "session_key", key)
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return kerrors.Mark(fmt.Errorf("append session log: %w", err), kerrors.ErrPersistence)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return kerrors.Mark(fmt.Errorf("fsync session log: %w", err), kerrors.ErrPersistence)
	}
	if err := f.Close(); err != nil {
		return kerrors.Mark(fmt.Errorf("close session log: %w", err), kerrors.ErrPersistence)
	}
	if created {
		if err := utils.SyncDir(s.dir); err != nil {
			return kerrors.Mark(err, kerrors.ErrPersistence)
		}
	}
	return nil
}

func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Save 写临时文件后 rename 覆盖；rename 前崩溃原日志保持不变
func (s *FileStore) Save(ctx context.Context, key string, msgs []Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateMessages(msgs); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range msgs {
		if err := enc.Encode(msgs[i]); err != nil {
			return kerrors.Wrap(kerrors.ErrValidation, "encode message: "+err.Error())
		}
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if err := utils.WriteFileAtomic(s.logPath(key), buf.Bytes(), 0o644); err != nil {
		return kerrors.Mark(fmt.Errorf("save session log: %w", err), kerrors.ErrPersistence)
	}
	return nil
}

// LoadSummary 读取摘要文件
func (s *FileStore) LoadSummary(ctx context.Context, key string) (Summary, error) {
	if err := ValidateKey(key); err != nil {
		return Summary{}, err
	}
	data, err := os.ReadFile(s.summaryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return NewSummary("", nil), nil
	}
	if err != nil {
		return Summary{}, kerrors.Mark(fmt.Errorf("read summary: %w", err), kerrors.ErrPersistence)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, kerrors.Mark(fmt.Errorf("decode summary: %w", err), kerrors.ErrPersistence)
	}
	if err := sum.Validate(); err != nil {
		return Summary{}, kerrors.Wrapf(err, "session %s summary", key)
	}
	return sum, nil
}

// SaveSummary 原子写入摘要文件
func (s *FileStore) SaveSummary(ctx context.Context, key string, sum Summary) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := sum.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return kerrors.Wrap(kerrors.ErrValidation, "encode summary: "+err.Error())
	}
	if err := utils.WriteFileAtomic(s.summaryPath(key), data, 0o644); err != nil {
		return kerrors.Mark(fmt.Errorf("save summary: %w", err), kerrors.ErrPersistence)
	}
	return nil
}

// Delete 删除消息日志与摘要；不存在视为成功
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()
	for _, p := range []string{s.logPath(key), s.summaryPath(key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return kerrors.Mark(fmt.Errorf("delete session: %w", err), kerrors.ErrPersistence)
		}
	}
	return nil
}

// List 按文件名列出会话 key
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, kerrors.Mark(fmt.Errorf("list sessions: %w", err), kerrors.ErrPersistence)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, logSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}
