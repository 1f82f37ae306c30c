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

package http

import (
	"bytes"
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"agent-kernel/internal/agent/audit"
	"agent-kernel/internal/agent/permission"
	"agent-kernel/internal/agent/runtime"
	"agent-kernel/internal/api/http/middleware"
	"agent-kernel/internal/runtime/lock"
	"agent-kernel/internal/runtime/session"
	"agent-kernel/internal/tool/registry"
	kerrors "agent-kernel/pkg/errors"
	"agent-kernel/pkg/metrics"
)

// deleteLockTimeout 删除会话前等待会话锁的上限
const deleteLockTimeout = time.Second

// Deps Handler 依赖；Approvals 为 nil 表示未启用审批队列
type Deps struct {
	Controller *runtime.Controller
	Store      session.Store
	Locks      lock.Manager
	Approvals  *permission.PendingQueue
	Registry   *registry.Registry
	Audit      audit.Sink
	Version    string
}

// Handler HTTP 处理器
type Handler struct {
	controller *runtime.Controller
	store      session.Store
	locks      lock.Manager
	approvals  *permission.PendingQueue
	registry   *registry.Registry
	audit      audit.Sink
	version    string
}

// NewHandler 创建新的 HTTP 处理器
func NewHandler(d Deps) *Handler {
	if d.Audit == nil {
		d.Audit = audit.Discard{}
	}
	return &Handler{
		controller: d.Controller,
		store:      d.Store,
		locks:      d.Locks,
		approvals:  d.Approvals,
		registry:   d.Registry,
		audit:      d.Audit,
		version:    d.Version,
	}
}

// HealthCheck 健康检查；锁后端可探活时一并检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "agent-kernel",
		"version":   h.version,
	}
	if h.controller != nil {
		body["in_flight"] = h.controller.InFlight()
		body["capacity"] = h.controller.Capacity()
	}
	if p, ok := h.locks.(lock.Pinger); ok {
		if err := p.Ping(c); err != nil {
			body["status"] = "degraded"
			body["lock_backend"] = err.Error()
			ctx.JSON(consts.StatusServiceUnavailable, body)
			return
		}
	}
	ctx.JSON(consts.StatusOK, body)
}

type turnRequest struct {
	Message string `json:"message"`
}

// RunTurn 为 agent/user 会话执行一轮
// POST /api/agents/:agent_id/users/:user_id/turns
func (h *Handler) RunTurn(c context.Context, ctx *app.RequestContext) {
	var req turnRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Message == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	agentID, userID := ctx.Param("agent_id"), ctx.Param("user_id")
	res, err := h.controller.Execute(c, agentID, userID, req.Message)
	if err != nil {
		hlog.CtxWarnf(c, "turn for %s:%s failed: %v", agentID, userID, err)
		body := map[string]interface{}{"error": err.Error(), "kind": kerrors.Kind(err)}
		if res != nil {
			body["result"] = res
		}
		ctx.JSON(StatusFor(err), body)
		return
	}
	ctx.JSON(consts.StatusOK, res)
}

// ListSessions 列出所有会话 key
// GET /api/sessions
func (h *Handler) ListSessions(c context.Context, ctx *app.RequestContext) {
	keys, err := h.store.List(c)
	if err != nil {
		ctx.JSON(StatusFor(err), errorBody(err))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"sessions": keys, "count": len(keys)})
}

// GetMessages 返回会话的消息与摘要
// GET /api/sessions/:key/messages
func (h *Handler) GetMessages(c context.Context, ctx *app.RequestContext) {
	key := ctx.Param("key")
	if err := session.ValidateKey(key); err != nil {
		ctx.JSON(consts.StatusBadRequest, errorBody(err))
		return
	}
	msgs, err := h.store.Load(c, key)
	if err != nil {
		ctx.JSON(StatusFor(err), errorBody(err))
		return
	}
	summary, err := h.store.LoadSummary(c, key)
	if err != nil {
		ctx.JSON(StatusFor(err), errorBody(err))
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"session_key": key,
		"messages":    msgs,
		"summary":     summary,
	})
}

// DeleteSession 在持有会话锁的情况下删除会话
// DELETE /api/sessions/:key
func (h *Handler) DeleteSession(c context.Context, ctx *app.RequestContext) {
	key := ctx.Param("key")
	if err := session.ValidateKey(key); err != nil {
		ctx.JSON(consts.StatusBadRequest, errorBody(err))
		return
	}
	err := lock.WithLock(c, h.locks, key, deleteLockTimeout, func(lctx context.Context) error {
		return h.store.Delete(lctx, key)
	})
	if err != nil {
		ctx.JSON(StatusFor(err), errorBody(err))
		return
	}
	if h.controller != nil {
		h.controller.Loop().Dispatcher().ForgetSession(key)
	}
	ctx.JSON(consts.StatusOK, map[string]string{"deleted": key})
}

// ListApprovals 列出等待答复的审批
// GET /api/approvals
func (h *Handler) ListApprovals(c context.Context, ctx *app.RequestContext) {
	pending := []permission.Pending{}
	if h.approvals != nil {
		pending = h.approvals.List()
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"approvals": pending, "count": len(pending)})
}

type approvalRequest struct {
	Approved *bool `json:"approved"`
}

// ResolveApproval 答复一个审批并写入审计
// POST /api/approvals/:id
func (h *Handler) ResolveApproval(c context.Context, ctx *app.RequestContext) {
	if h.approvals == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": "approval queue is disabled"})
		return
	}
	var req approvalRequest
	if err := ctx.BindJSON(&req); err != nil || req.Approved == nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "approved is required"})
		return
	}
	id := ctx.Param("id")
	if err := h.approvals.Resolve(id, *req.Approved); err != nil {
		ctx.JSON(StatusFor(err), errorBody(err))
		return
	}

	decision := permission.Allow
	if !*req.Approved {
		decision = permission.Deny
	}
	resolvedBy := "operator"
	if name := middleware.Operator(ctx); name != "" {
		resolvedBy = "operator:" + name
	}
	entry := audit.Entry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Kind:       audit.KindApproval,
		Decision:   decision.String(),
		Reason:     "approval " + id,
		ResolvedBy: resolvedBy,
	}
	if err := h.audit.Record(context.WithoutCancel(c), entry); err != nil {
		hlog.CtxErrorf(c, "audit approval %s: %v", id, err)
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"id": id, "approved": *req.Approved})
}

type toolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Tier        string      `json:"tier"`
	Parameters  interface{} `json:"parameters"`
}

// ListTools 列出已注册工具及其权限等级
// GET /api/tools
func (h *Handler) ListTools(c context.Context, ctx *app.RequestContext) {
	tools := h.registry.List()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Tier:        t.Tier().String(),
			Parameters:  t.Schema(),
		})
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"tools": out, "count": len(out)})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, errorBody(err))
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
