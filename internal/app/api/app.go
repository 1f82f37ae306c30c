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

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"agent-kernel/internal/api/http"
	"agent-kernel/internal/api/http/middleware"
	"agent-kernel/internal/app"
	kconfig "agent-kernel/pkg/config"
	"agent-kernel/pkg/log"
)

// Version 构建版本，由 -ldflags 注入
var Version = "dev"

type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 服务
type App struct {
	boot         *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	logFile      io.Closer
}

// NewApp 基于已装配的内核创建 API 服务
func NewApp(boot *app.Bootstrap) (*App, error) {
	cfg := boot.Config
	handler := http.NewHandler(http.Deps{
		Controller: boot.Controller,
		Store:      boot.Store,
		Locks:      boot.Locks,
		Approvals:  boot.Approvals,
		Registry:   boot.Registry,
		Audit:      boot.Audit,
		Version:    Version,
	})
	router := http.NewRouter(handler, middleware.NewMiddleware(boot.Logger))

	if cfg.API.Middleware.Auth {
		mc := cfg.API.Middleware
		jwtAuth, err := middleware.NewJWTAuth(
			[]byte(mc.JWTKey),
			kconfig.Duration(mc.JWTTimeout, time.Hour),
			kconfig.Duration(mc.JWTMaxRefresh, time.Hour),
			mc.OperatorName,
			mc.OperatorSecret,
		)
		if err != nil {
			return nil, fmt.Errorf("JWT 初始化失败: %w", err)
		}
		router.SetJWT(jwtAuth)
		boot.Logger.Info("JWT 认证已启用", "operator", mc.OperatorName)
	}
	return &App{boot: boot, router: router}, nil
}

// Addr 由配置得到监听地址
func Addr(cfg *kconfig.Config) string {
	return fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
}

// Run 启动 HTTP 服务，阻塞直到服务停止
func (a *App) Run(addr string) error {
	cfg := a.boot.Config
	a.boot.Logger.Info("API 服务启动", "addr", addr)

	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		a.logFile = f
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	opts := []config.Option{
		server.WithExitWaitTime(5 * time.Second),
	}
	if d := kconfig.Duration(cfg.API.Timeout, 0); d > 0 {
		opts = append(opts, server.WithReadTimeout(d), server.WithWriteTimeout(d))
	}

	tracing := cfg.Monitoring.Tracing
	endpoint := tracing.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if tracing.Enable && endpoint != "" {
		serviceName := tracing.ServiceName
		if serviceName == "" {
			serviceName = "agent-kernel"
		}
		popts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(endpoint),
		}
		if tracing.Insecure {
			popts = append(popts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(popts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		opts = append(opts, tracerOpt)
		a.router.Use(hertztracing.ServerMiddleware(tcfg))
		a.boot.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
	}

	a.hertz = a.router.Build(addr, opts...)
	return a.hertz.Run()
}

// Shutdown 停止服务并释放内核资源
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	a.boot.Close()
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
	return firstErr
}
