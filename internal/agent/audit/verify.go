package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"agent-kernel/pkg/proof"
)

// Report 审计文件校验结果；BrokenAt 为 -1 表示链完整
type Report struct {
	Entries  int  `json:"entries"`
	Chained  bool `json:"chained"`
	BrokenAt int  `json:"broken_at"`
}

// VerifyFile 校验审计文件的哈希链，返回的 error 为 *proof.ChainError 时 Report.BrokenAt 指向第一个断点
func VerifyFile(path string) (Report, error) {
	rep := Report{BrokenAt: -1}
	f, err := os.Open(path)
	if err != nil {
		return rep, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var links []proof.Link
	unchained := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		idx := rep.Entries
		rep.Entries++
		var head struct {
			PrevHash string `json:"prev_hash"`
			Hash     string `json:"hash"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			rep.BrokenAt = idx
			return rep, &proof.ChainError{Index: idx, Reason: "unparseable entry"}
		}
		canon, err := canonicalize(line)
		if err != nil {
			rep.BrokenAt = idx
			return rep, &proof.ChainError{Index: idx, Reason: "unparseable entry"}
		}
		if head.Hash == "" {
			unchained++
		}
		links = append(links, proof.Link{PrevHash: head.PrevHash, Hash: head.Hash, Payload: canon})
	}
	if err := sc.Err(); err != nil {
		return rep, fmt.Errorf("scan audit log: %w", err)
	}
	if unchained == rep.Entries {
		return rep, nil
	}
	rep.Chained = true
	if err := proof.ValidateChain(links); err != nil {
		var ce *proof.ChainError
		if errors.As(err, &ce) {
			rep.BrokenAt = ce.Index
		}
		return rep, err
	}
	return rep, nil
}
