// ============================================================================
// faas-bridge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露每次呼叫的處理指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - faasbridge_invocations_total{outcome}: 依結果分類的呼叫數
//        outcome = completed | suspended | error | failure
//      - faasbridge_rejections_total{reason}: 在進入引擎前被拒絕的請求
//        reason = method | headers | body | envelope
//      - faasbridge_panics_total: 最外層捕捉到的 panic
//
//   2. 效能指標 (Histogram):
//      - faasbridge_session_duration_seconds{outcome}: session 從提交到結果的耗時
//
//   3. 狀態指標 (Gauge):
//      - faasbridge_sessions_in_flight: 目前正在等待結果的 session 數
//
// Prometheus 查詢示例:
//
//   # 暫停比例
//   rate(faasbridge_invocations_total{outcome="suspended"}[5m])
//     / rate(faasbridge_invocations_total[5m])
//
//   # 95 分位 session 耗時
//   histogram_quantile(0.95, rate(faasbridge_session_duration_seconds_bucket[5m]))
//
// 所有方法在 nil Collector 上都是 no-op，方便測試時不啟用指標。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeFailure 標記 session 層級的失敗（非任務結果）
const OutcomeFailure = "failure"

// Collector Prometheus 指標收集器
type Collector struct {
	invocations *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	panics      prometheus.Counter

	sessionDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faasbridge_invocations_total",
			Help: "Total number of invocations that reached the engine, by outcome",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faasbridge_rejections_total",
			Help: "Total number of requests rejected before reaching the engine",
		}, []string{"reason"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faasbridge_panics_total",
			Help: "Total number of panics recovered at the adapter boundary",
		}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faasbridge_session_duration_seconds",
			Help:    "Time from task submission to outcome in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faasbridge_sessions_in_flight",
			Help: "Current number of sessions waiting for an outcome",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(c.invocations, c.rejections, c.panics, c.sessionDuration, c.inFlight)

	return c
}

// RecordRejection 記錄一次拒絕
func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// SessionStarted 記錄 session 開始
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// SessionFinished 記錄 session 結束與其結果
func (c *Collector) SessionFinished(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.invocations.WithLabelValues(outcome).Inc()
	c.sessionDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordPanic 記錄被捕捉的 panic
func (c *Collector) RecordPanic() {
	if c == nil {
		return
	}
	c.panics.Inc()
}

// Handler 回傳 gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - path: 指標路徑
//   - g: 指標來源
//
// 返回值：
//   - *http.Server: 呼叫端負責 Shutdown
func StartServer(port int, path string, g prometheus.Gatherer, errCh chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(g))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return srv
}
