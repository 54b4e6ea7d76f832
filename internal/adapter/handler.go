// ============================================================================
// faas-bridge Adapter - 無伺服器呼叫入口
// ============================================================================
//
// Package: internal/adapter
// 文件: handler.go
// 功能: 將一次平台呼叫轉為一次任務處理，並把結果轉回 HTTP 回應
//
// 處理流程（每一步只在前一步成功後才開始）:
//   1. Validate()   - 方法、必要標頭、JSON 主體
//   2. Translate()  - type / task / href.base
//   3. ResolveURL() - proto://host/path，作為 worker 的三種位址
//   4. Session.Run() - 建立臨時 worker 身分，提交一個 UnclaimedTask，等待唯一結果
//   5. MapOutcome() / MapFailure() - 轉為回應
//
// 狀態:
//   Adapter 本身不保存任何跨呼叫的可變狀態；每次呼叫建立新的 Session。
//
// 錯誤處理:
//   - 4xx: 格式錯誤的請求，不會送到引擎
//   - 500: 引擎回報 error、session 失敗、或任何 panic
//   每條路徑都恰好回傳一個 JSON 主體
//
// ============================================================================

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/faas-bridge/internal/metrics"
	"github.com/ChuLiYu/faas-bridge/internal/worker"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes ServeHTTP 讀取主體的上限
const DefaultMaxBodyBytes int64 = 1 << 20

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Adapter 配置
type Config struct {
	TTL             time.Duration // 交給協調伺服器的認領期限
	PIDPrefix       string        // process id 前綴
	BaseURLOverride string        // 非空時取代 href.base
}

// Option configures an Adapter.
type Option func(a *Adapter)

// WithClock sets the session clock.
func WithClock(c worker.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithHeartbeat sets the heartbeat policy used by every session.
func WithHeartbeat(h worker.HeartbeatPolicy) Option {
	return func(a *Adapter) { a.heartbeat = h }
}

// WithMetrics records invocation metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Adapter) { a.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithMaxBodyBytes caps the request body read by ServeHTTP.
func WithMaxBodyBytes(n int64) Option {
	return func(a *Adapter) { a.maxBody = n }
}

// Adapter 無伺服器呼叫的入口
type Adapter struct {
	cfg        Config
	engine     worker.Engine
	translator Translator

	clock     worker.Clock
	heartbeat worker.HeartbeatPolicy
	metrics   *metrics.Collector
	log       *zap.Logger
	maxBody   int64
}

// New 創建 Adapter
func New(engine worker.Engine, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:        cfg,
		engine:     engine,
		translator: Translator{BaseURLOverride: cfg.BaseURLOverride},
		clock:      worker.SystemClock{},
		heartbeat:  worker.NoopHeartbeat{},
		log:        zap.NewNop(),
		maxBody:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ============================================================================
// 處理入口
// ============================================================================

// Handle 處理一次呼叫並回傳唯一的回應
func (a *Adapter) Handle(ctx context.Context, req types.InvocationRequest) (resp types.Response) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.RecordPanic()
			a.log.Error("adapter panic", zap.Any("panic", r))
			resp = MapPanic(r)
		}
	}()

	v, rej := Validate(req)
	if rej == nil {
		var payload types.TaskPayload
		payload, rej = a.translator.Translate(v.Body)
		if rej == nil {
			return a.process(ctx, ResolveURL(v.Proto, v.Host, v.Path), payload)
		}
	}

	a.metrics.RecordRejection(rej.Reason)
	a.log.Debug("request rejected",
		zap.String("reason", rej.Reason),
		zap.Int("status", rej.StatusCode),
		zap.String("message", rej.Message))
	return MapRejection(rej)
}

// process 建立臨時 worker 並等待唯一結果
func (a *Adapter) process(ctx context.Context, url string, payload types.TaskPayload) types.Response {
	session := worker.NewSession(worker.SessionConfig{
		PIDPrefix: a.cfg.PIDPrefix,
		TTL:       a.cfg.TTL,
		URL:       url,
		Engine:    a.engine,
		Clock:     a.clock,
		Heartbeat: a.heartbeat,
	})
	log := a.log.With(
		zap.String("pid", session.Identity().ProcessID),
		zap.String("kind", string(payload.Kind)),
		zap.String("url", url))

	// 即使 engine panic 也要讓 in-flight gauge 歸位
	outcome := metrics.OutcomeFailure
	var res worker.Result
	a.metrics.SessionStarted()
	defer func() {
		a.metrics.SessionFinished(outcome, res.Duration.Seconds())
	}()

	res, err := session.Run(ctx, payload)
	if err != nil {
		log.Warn("session failed", zap.Error(err), zap.Duration("duration", res.Duration))
		return MapFailure(err)
	}

	outcome = string(res.Outcome.Status)
	log.Info("task processed",
		zap.String("outcome", outcome),
		zap.Duration("duration", res.Duration))
	return MapOutcome(res.Outcome, url)
}

// ============================================================================
// HTTP 介面
// ============================================================================

// ServeHTTP 將 *http.Request 轉為 InvocationRequest
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				a.metrics.RecordRejection(ReasonBody)
				writeResponse(w, types.Response{
					StatusCode: http.StatusRequestEntityTooLarge,
					Body:       map[string]any{"error": "Request body too large"},
				})
				return
			}
			a.metrics.RecordRejection(ReasonBody)
			writeResponse(w, types.Response{
				StatusCode: http.StatusBadRequest,
				Body:       map[string]any{"error": "Request body could not be read"},
			})
			return
		}
		body = b
	}

	// net/http 會把 Host 從 Header 移到 r.Host
	headers := make(map[string]string, len(r.Header)+1)
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	if r.Host != "" {
		headers[HeaderHost] = r.Host
	}

	resp := a.Handle(r.Context(), types.InvocationRequest{
		Method:  r.Method,
		Headers: headers,
		Body:    body,
		Path:    r.URL.Path,
	})
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp types.Response) {
	data, err := json.Marshal(resp.Body)
	if err != nil {
		resp = types.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       map[string]any{"error": MsgInternal, "details": map[string]any{"error": err.Error()}},
		}
		data, _ = json.Marshal(resp.Body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}
