package worker

import (
	"time"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

// Completion 引擎對一次提交的唯一回報
// Err 表示 session 層級的失敗（非任務層級的 error 結果）
type Completion struct {
	Outcome *types.Outcome // 任務結果
	Err     error          // 引擎或傳輸錯誤
}

// SessionConfig 建立 Session 所需的參數
type SessionConfig struct {
	PIDPrefix string        // process id 前綴
	TTL       time.Duration // 認領有效期限，交給協調伺服器作為回收提示
	URL       string        // 本次呼叫的對外 URL
	Engine    Engine
	Clock     Clock
	Heartbeat HeartbeatPolicy
}
