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

package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry 内核指标注册表（不混入 Go 运行时默认指标）
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		LLMLatency, ToolDuration, SessionDuration, LockWait,
		CompactionsTotal, PermissionDecisions, TokensTotal, ActiveSessions,
	)
}

// LLMLatency 模型调用耗时（秒）
var LLMLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kernel_llm_latency_seconds",
		Help:    "模型调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"}, // ok | error
)

// ToolDuration 工具调用耗时（秒）
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kernel_tool_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool", "outcome"}, // success | failure | timeout | denied
)

// SessionDuration 单轮会话耗时（秒）
var SessionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kernel_session_duration_seconds",
		Help:    "单轮会话耗时（秒）",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	[]string{"outcome"},
)

// LockWait 会话锁等待耗时（秒）
var LockWait = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kernel_lock_wait_seconds",
		Help:    "会话锁等待耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"}, // acquired | timeout | error
)

// CompactionsTotal 上下文压缩次数
var CompactionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_compactions_total",
		Help: "上下文压缩次数（按结果）",
	},
	[]string{"outcome"}, // ok | failed
)

// PermissionDecisions 权限决策次数
var PermissionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_permission_decisions_total",
		Help: "权限决策次数（按决策与来源）",
	},
	[]string{"decision", "resolved_by"},
)

// TokensTotal 模型 token 用量
var TokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_tokens_total",
		Help: "模型调用 token 总数",
	},
	[]string{"direction"}, // input | output
)

// ActiveSessions 当前正在执行的轮次数
var ActiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "kernel_active_sessions",
		Help: "当前正在执行的会话轮次数",
	},
)

// Recorder 内核核心只依赖该接口，Prometheus 仅为一种实现
type Recorder interface {
	ObserveLLM(d time.Duration, err error)
	ObserveTool(tool, outcome string, d time.Duration)
	ObserveSession(outcome string, d time.Duration)
	ObserveLockWait(outcome string, d time.Duration)
	IncCompaction(ok bool)
	IncPermission(decision, resolvedBy string)
	AddTokens(input, output int)
	SessionStarted()
	SessionFinished()
}

// PrometheusRecorder 写入 DefaultRegistry 中的指标
type PrometheusRecorder struct{}

// NewPrometheusRecorder 创建 Prometheus 实现
func NewPrometheusRecorder() *PrometheusRecorder { return &PrometheusRecorder{} }

func (PrometheusRecorder) ObserveLLM(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (PrometheusRecorder) ObserveTool(tool, outcome string, d time.Duration) {
	ToolDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
}

func (PrometheusRecorder) ObserveSession(outcome string, d time.Duration) {
	SessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (PrometheusRecorder) ObserveLockWait(outcome string, d time.Duration) {
	LockWait.WithLabelValues(outcome).Observe(d.Seconds())
}

func (PrometheusRecorder) IncCompaction(ok bool) {
	if ok {
		CompactionsTotal.WithLabelValues("ok").Inc()
		return
	}
	CompactionsTotal.WithLabelValues("failed").Inc()
}

func (PrometheusRecorder) IncPermission(decision, resolvedBy string) {
	PermissionDecisions.WithLabelValues(decision, resolvedBy).Inc()
}

func (PrometheusRecorder) AddTokens(input, output int) {
	if input > 0 {
		TokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		TokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

func (PrometheusRecorder) SessionStarted()  { ActiveSessions.Inc() }
func (PrometheusRecorder) SessionFinished() { ActiveSessions.Dec() }

// Nop 不记录任何指标
type Nop struct{}

func (Nop) ObserveLLM(time.Duration, error)           {}
func (Nop) ObserveTool(string, string, time.Duration) {}
func (Nop) ObserveSession(string, time.Duration)      {}
func (Nop) ObserveLockWait(string, time.Duration)     {}
func (Nop) IncCompaction(bool)                        {}
func (Nop) IncPermission(string, string)              {}
func (Nop) AddTokens(int, int)                        {}
func (Nop) SessionStarted()                           {}
func (Nop) SessionFinished()                          {}

// OrNop 在 r 为 nil 时返回 Nop
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
