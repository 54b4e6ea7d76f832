package adapter

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

// 錯誤回應的訊息
const (
	MsgTaskFailed    = "Task processing failed"
	MsgSessionFailed = "Worker session failed"
	MsgInternal      = "Internal server error"
)

// MapOutcome 將任務結果轉為回應
func MapOutcome(o types.Outcome, url string) types.Response {
	switch o.Status {
	case types.OutcomeCompleted:
		return types.Response{StatusCode: http.StatusOK, Body: map[string]any{
			"status":     string(types.OutcomeCompleted),
			"result":     o.Value,
			"requestUrl": url,
		}}
	case types.OutcomeSuspended:
		return types.Response{StatusCode: http.StatusOK, Body: map[string]any{
			"status":     string(types.OutcomeSuspended),
			"requestUrl": url,
		}}
	default:
		return types.Response{StatusCode: http.StatusInternalServerError, Body: map[string]any{
			"error": MsgTaskFailed,
			"details": map[string]any{
				"status":  string(types.OutcomeError),
				"message": o.Error,
			},
		}}
	}
}

// MapFailure 將 session 層級的失敗轉為 500
func MapFailure(err error) types.Response {
	details := map[string]any{"error": err.Error()}

	var se *transport.StatusError
	if errors.As(err, &se) {
		details["op"] = se.Op
		details["code"] = se.Code
	}

	return types.Response{StatusCode: http.StatusInternalServerError, Body: map[string]any{
		"error":   MsgSessionFailed,
		"details": details,
	}}
}

// MapRejection 將拒絕轉為 4xx
func MapRejection(r *Rejection) types.Response {
	return types.Response{StatusCode: r.StatusCode, Body: map[string]any{"error": r.Message}}
}

// MapPanic 將最外層捕捉到的 panic 轉為 500
func MapPanic(v any) types.Response {
	return types.Response{StatusCode: http.StatusInternalServerError, Body: map[string]any{
		"error":   MsgInternal,
		"details": map[string]any{"panic": fmt.Sprint(v)},
	}}
}
