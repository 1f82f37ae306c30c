package permission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	kerrors "agent-kernel/pkg/errors"
)

// ErrApprovalTimeout 审批在截止时间前未得到答复
var ErrApprovalTimeout = errors.New("approval timed out")

// ApprovalChannel 人工审批通道；ctx 携带截止时间
type ApprovalChannel interface {
	Prompt(ctx context.Context, description string, deadline time.Time) (bool, error)
}

// DenyAll 拒绝一切审批
type DenyAll struct{}

// Prompt 实现 ApprovalChannel
func (DenyAll) Prompt(context.Context, string, time.Time) (bool, error) { return false, nil }

// StaticChannel 固定答复，可选延迟；记录收到的描述（测试用）
type StaticChannel struct {
	Approve bool
	Err     error
	Delay   time.Duration

	mu      sync.Mutex
	prompts []string
}

// Prompt 实现 ApprovalChannel
func (s *StaticChannel) Prompt(ctx context.Context, description string, _ time.Time) (bool, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, description)
	s.mu.Unlock()
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, ErrApprovalTimeout
			}
			return false, ctx.Err()
		}
	}
	return s.Approve, s.Err
}

// Prompts 已收到的审批描述
func (s *StaticChannel) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Pending 一个等待答复的审批
type Pending struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
}

type pendingItem struct {
	Pending
	answer chan bool
}

// PendingQueue 供 HTTP API 使用的审批队列：Prompt 阻塞直到 Resolve、截止时间或 ctx 结束
type PendingQueue struct {
	mu    sync.Mutex
	items map[string]*pendingItem
}

// NewPendingQueue 创建审批队列
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{items: make(map[string]*pendingItem)}
}

// Prompt 实现 ApprovalChannel
func (q *PendingQueue) Prompt(ctx context.Context, description string, deadline time.Time) (bool, error) {
	item := &pendingItem{
		Pending: Pending{
			ID:          uuid.NewString(),
			Description: description,
			CreatedAt:   time.Now(),
			Deadline:    deadline,
		},
		answer: make(chan bool, 1),
	}
	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()
	defer q.remove(item.ID)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case ok := <-item.answer:
		return ok, nil
	case <-timer.C:
		return false, ErrApprovalTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, ErrApprovalTimeout
		}
		return false, ctx.Err()
	}
}

func (q *PendingQueue) remove(id string) {
	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
}

// Resolve 答复一个审批；id 不存在或已过期返回 ErrNotFound
func (q *PendingQueue) Resolve(id string, approved bool) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if ok {
		delete(q.items, id)
	}
	q.mu.Unlock()
	if !ok || time.Now().After(item.Deadline) {
		return kerrors.Wrapf(kerrors.ErrNotFound, "approval %s", id)
	}
	item.answer <- approved
	return nil
}

// List 返回未过期的审批，按创建时间排序；过期项被清除
func (q *PendingQueue) List() []Pending {
	now := time.Now()
	q.mu.Lock()
	out := make([]Pending, 0, len(q.items))
	for id, it := range q.items {
		if now.After(it.Deadline) {
			delete(q.items, id)
			continue
		}
		out = append(out, it.Pending)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
