package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/agent/runtime"
)

// lineReader 单个 goroutine 读取输入行，供 REPL 与审批提示共享
func lineReader(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// TerminalChannel 在终端上询问 y/N，截止时间到达视为拒绝
type TerminalChannel struct {
	in  <-chan string
	out io.Writer
}

// NewTerminalChannel 创建终端审批通道
func NewTerminalChannel(in <-chan string, out io.Writer) *TerminalChannel {
	return &TerminalChannel{in: in, out: out}
}

// Prompt 实现 permission.ApprovalChannel
func (t *TerminalChannel) Prompt(ctx context.Context, description string, deadline time.Time) (bool, error) {
	wait := time.Until(deadline)
	fmt.Fprintf(t.out, "\n[approval] %s\napprove? [y/N] (%s): ", description, wait.Round(time.Second))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case line, ok := <-t.in:
		if !ok {
			return false, io.EOF
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	case <-timer.C:
		fmt.Fprintln(t.out, "\n[approval] timed out, denied")
		return false, permission.ErrApprovalTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// repl 读取用户输入并逐轮执行，exit/quit 或输入结束时返回
func repl(ctx context.Context, c *runtime.Controller, agentID, userID string, in <-chan string, out io.Writer) error {
	fmt.Fprintf(out, "session %s:%s, type exit to quit\n", agentID, userID)
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case l, ok := <-in:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = l
		case <-ctx.Done():
			return ctx.Err()
		}
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		if msg == "exit" || msg == "quit" {
			return nil
		}
		res, err := c.Execute(ctx, agentID, userID, msg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "%s\n", res.Content)
	}
}
