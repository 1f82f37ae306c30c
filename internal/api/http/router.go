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
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"agent-kernel/internal/api/http/middleware"
)

// Router HTTP 路由
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	jwt        *jwt.HertzJWTMiddleware
	extra      []app.HandlerFunc
}

// NewRouter 创建路由
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetJWT 启用 JWT：/api/auth/login 签发 token，其余 /api 路由需要认证
func (r *Router) SetJWT(j *jwt.HertzJWTMiddleware) {
	r.jwt = j
}

// Use 追加全局中间件（如链路追踪），在 Register 前调用
func (r *Router) Use(mw ...app.HandlerFunc) {
	r.extra = append(r.extra, mw...)
}

// Build 创建监听 addr 的 Hertz 实例并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	r.Register(h)
	return h
}

// Register 注册全部路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(r.extra...)
	h.Use(r.middleware.CORS(), r.middleware.AccessLog())

	h.GET("/api/health", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Metrics)

	var guard []app.HandlerFunc
	if r.jwt != nil {
		auth := h.Group("/api/auth")
		auth.POST("/login", r.jwt.LoginHandler)
		auth.POST("/refresh", r.jwt.RefreshHandler)
		guard = append(guard, r.jwt.MiddlewareFunc())
	}

	api := h.Group("/api", guard...)
	api.POST("/agents/:agent_id/users/:user_id/turns", r.handler.RunTurn)
	api.GET("/sessions", r.handler.ListSessions)
	api.GET("/sessions/:key/messages", r.handler.GetMessages)
	api.DELETE("/sessions/:key", r.handler.DeleteSession)
	api.GET("/approvals", r.handler.ListApprovals)
	api.POST("/approvals/:id", r.handler.ResolveApproval)
	api.GET("/tools", r.handler.ListTools)
}
