package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-kernel/pkg/proof"
)

const maxLineSize = 10 << 20

// FileSink 追加式 JSONL 审计文件，每条记录 fsync；写入由互斥锁串行化
type FileSink struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	hashChain bool
	lastHash  string
	repaired  int64
}

// NewFileSink 打开或创建审计文件；开启哈希链时从最后一行续接
func NewFileSink(path string, hashChain bool) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &FileSink{path: path, hashChain: hashChain}
	dropped, err := truncateTornTail(path)
	if err != nil {
		return nil, err
	}
	s.repaired = dropped
	if hashChain {
		last, err := lastHash(path)
		if err != nil {
			return nil, err
		}
		s.lastHash = last
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s.f = f
	return s, nil
}

// truncateTornTail 截掉末尾没有换行符的半行，返回丢弃的字节数
func truncateTornTail(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat audit log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	keep, err := lastNewlineEnd(f, size)
	if err != nil {
		return 0, err
	}
	if keep == size {
		return 0, nil
	}
	if err := f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("truncate torn audit tail: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync audit log: %w", err)
	}
	return size - keep, nil
}

// lastNewlineEnd 从文件尾向前查找最后一个换行符，返回其后的偏移；没有换行符时返回 0
func lastNewlineEnd(f *os.File, size int64) (int64, error) {
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, fmt.Errorf("read audit log: %w", err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var last []byte
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}
	if last == nil {
		return "", nil
	}
	var tail struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &tail); err != nil {
		return "", fmt.Errorf("audit log tail is corrupt: %w", err)
	}
	return tail.Hash, nil
}

// Repaired 打开时从残缺末行截掉的字节数
func (s *FileSink) Repaired() int64 { return s.repaired }

// Path 审计文件路径
func (s *FileSink) Path() string { return s.path }

// Record 实现 Sink
func (s *FileSink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("audit sink closed")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.PrevHash, e.Hash = "", ""
	if s.hashChain {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
		canon, err := canonicalize(raw)
		if err != nil {
			return fmt.Errorf("canonicalize audit entry: %w", err)
		}
		e.PrevHash = s.lastHash
		e.Hash = proof.ComputeLinkHash(e.PrevHash, canon)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	if s.hashChain {
		s.lastHash = e.Hash
	}
	return nil
}

// Close 关闭文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
