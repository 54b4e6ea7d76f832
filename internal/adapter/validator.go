package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

// 必要的標頭（小寫）
const (
	HeaderForwardedProto = "x-forwarded-proto"
	HeaderHost           = "host"
)

// 拒絕原因，同時作為 metrics label
const (
	ReasonMethod   = "method"
	ReasonHeaders  = "headers"
	ReasonBody     = "body"
	ReasonEnvelope = "envelope"
)

// Rejection 請求在進入引擎前被拒絕
type Rejection struct {
	StatusCode int
	Reason     string
	Message    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("adapter: rejected (%d): %s", r.StatusCode, r.Message)
}

func reject(code int, reason, msg string) *Rejection {
	return &Rejection{StatusCode: code, Reason: reason, Message: msg}
}

// Validated 通過驗證的請求
type Validated struct {
	Proto string
	Host  string
	Path  string
	Body  map[string]json.RawMessage
}

// Validate 檢查方法、必要標頭與主體格式。純函式，不產生副作用。
func Validate(req types.InvocationRequest) (Validated, *Rejection) {
	if !strings.EqualFold(req.Method, http.MethodPost) {
		return Validated{}, reject(http.StatusMethodNotAllowed, ReasonMethod, "Method not allowed. Use POST.")
	}

	proto, hasProto := req.Header(HeaderForwardedProto)
	host, hasHost := req.Header(HeaderHost)
	var missing []string
	if !hasProto || proto == "" {
		missing = append(missing, HeaderForwardedProto)
	}
	if !hasHost || host == "" {
		missing = append(missing, HeaderHost)
	}
	if len(missing) > 0 {
		return Validated{}, reject(http.StatusBadRequest, ReasonHeaders,
			"Missing required headers: "+strings.Join(missing, ", "))
	}

	if len(bytes.TrimSpace(req.Body)) == 0 {
		return Validated{}, reject(http.StatusBadRequest, ReasonBody, "Request body is required")
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &body); err != nil || body == nil {
		return Validated{}, reject(http.StatusBadRequest, ReasonBody, "Request body must be valid JSON")
	}

	return Validated{Proto: proto, Host: host, Path: req.Path, Body: body}, nil
}
