// Package types 定義了 faas-bridge 中使用的核心領域模型
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// PayloadKind 請求主體的判別欄位
type PayloadKind string

// 支援的判別值
const (
	KindInvoke PayloadKind = "invoke" // 首次執行任務
	KindResume PayloadKind = "resume" // 任務等待的 promise 已完成，恢復執行
)

// Valid 回報 k 是否為可接受的判別值
func (k PayloadKind) Valid() bool {
	return k == KindInvoke || k == KindResume
}

// InvocationRequest 平台送入的一次呼叫事件，建立後不可修改
type InvocationRequest struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Path    string            `json:"path"`
}

// Header 以不分大小寫的方式查詢標頭
func (r InvocationRequest) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Href 協調伺服器位址
type Href struct {
	Base string `json:"base"`
}

// TaskPayload 解析後的請求主體
// Task 對 adapter 而言是不透明的，由引擎負責解讀
type TaskPayload struct {
	Kind PayloadKind     `json:"type"`
	Task json.RawMessage `json:"task"`
	Href Href            `json:"href"`
}

// Addresses 協調伺服器投遞後續通知時使用的三個位址
type Addresses struct {
	Unicast             string `json:"unicast"`             // 指定這個實例
	AnycastPreferred    string `json:"anycastPreference"`   // 偏好這個實例，可退回其他 worker
	AnycastNoPreference string `json:"anycastNoPreference"` // 任何可用 worker
}

// WorkerIdentity 每次呼叫產生的臨時 worker 身分，從不持久化
type WorkerIdentity struct {
	ProcessID string        `json:"pid"`
	TTL       time.Duration `json:"ttl"`
	Addresses Addresses     `json:"addresses"`
}

// UnclaimedTask 交給引擎、尚未被此 worker 認領的任務
type UnclaimedTask struct {
	Kind    PayloadKind     `json:"kind"`
	Task    json.RawMessage `json:"task"`
	BaseURL string          `json:"baseUrl"`
}

// OutcomeStatus 任務處理的終止狀態
type OutcomeStatus string

// 定義終止狀態常數
const (
	OutcomeCompleted OutcomeStatus = "completed" // 產生了結果值
	OutcomeSuspended OutcomeStatus = "suspended" // 任務讓出，將由未來的呼叫恢復
	OutcomeError     OutcomeStatus = "error"     // 處理失敗
)

// Outcome 引擎回報的結果，三種狀態恰好其一
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Value  any           `json:"value,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Completed 建立 completed 結果
func Completed(value any) Outcome {
	return Outcome{Status: OutcomeCompleted, Value: value}
}

// Suspended 建立 suspended 結果
func Suspended() Outcome {
	return Outcome{Status: OutcomeSuspended}
}

// Failed 建立 error 結果
func Failed(err error) Outcome {
	o := Outcome{Status: OutcomeError}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Response 回傳給平台的傳輸層回應
type Response struct {
	StatusCode int            `json:"statusCode"`
	Body       map[string]any `json:"body"`
}
