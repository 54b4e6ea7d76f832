// ============================================================================
// faas-bridge Coordinator - 記憶體內的協調伺服器
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 本機開發與端對端測試用的協調伺服器，實作 transport.Transport
//
// 任務狀態轉換 (State Machine):
//
//   Pending ──Claim()──▶ Claimed ──Complete()──▶ Resolved / Rejected
//      ▲                    │
//      │                    ├──Suspend()──▶ Suspended ──Resolve(promise)──┐
//      │                    │                                              │
//      ├──── Reclaim() ◀────┘ (TTL 過期)                                   │
//      └───────────────────────────────────────────────────────────────────┘
//
// 狀態轉換規則:
//   - Pending → Claimed: Claim()，counter 必須一致
//   - Claimed → Resolved/Rejected: Complete()，claim 尚未過期
//   - Claimed → Suspended: Suspend()，counter++，記錄 recv
//   - Suspended → Pending: 等待的 promise 全部完成（resolved 或 rejected），送出 resume 通知
//   - Claimed → Pending: Reclaim() 發現 TTL 過期，counter++，重新送出通知
//
// Counter:
//   每次釋放 claim（暫停或過期）counter 都會遞增，舊的 worker 以舊 counter
//   回報時會得到 ErrStaleCounter，確保同一任務最多只有一個有效的 claim。
//
// Promise:
//   每個任務的 root promise ID 即任務 ID。任務 resolved 或 rejected 都會完成
//   root promise 並喚醒等待它的任務；rejected 的 promise 以錯誤訊息交給 resume。
//   Args、promise 值都以 codec 編碼保存，與 engine 使用同一種格式。
//
// 通知:
//   Create / Resolve / Reclaim 產生的 Notification 交給 Notifier，
//   由 Deliverer 以 HTTP POST 送到 function 的 recv 位址。
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - Notifier 在鎖外呼叫
//
// ============================================================================

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"go.uber.org/zap"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複
	ErrDuplicateTask = fmt.Errorf("coordinator: task already exists: %w", transport.ErrConflict)
	// 任務不存在
	ErrTaskNotFound = fmt.Errorf("coordinator: task not found: %w", transport.ErrNotFound)
	// 任務不在可認領狀態
	ErrNotClaimable = fmt.Errorf("coordinator: task not claimable: %w", transport.ErrConflict)
	// 任務不在認領中狀態，或 claim 已過期
	ErrNotClaimed = fmt.Errorf("coordinator: task not claimed: %w", transport.ErrConflict)
	// counter 不一致，claim 已被回收
	ErrStaleCounter = fmt.Errorf("coordinator: stale counter: %w", transport.ErrConflict)
	// promise 已完成
	ErrPromiseSettled = fmt.Errorf("coordinator: promise already settled: %w", transport.ErrConflict)
	// 缺少必要欄位
	ErrInvalidTask = errors.New("coordinator: invalid task")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 任務狀態
type State string

// 任務狀態常數
const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateSuspended State = "suspended"
	StateResolved  State = "resolved"
	StateRejected  State = "rejected"
)

// Task 協調伺服器持有的任務
type Task struct {
	ID      string `json:"id"`
	Func    string `json:"func"`
	Version int    `json:"version,omitempty"`
	Args    []byte `json:"args,omitempty"`
	Recv    string `json:"recv"` // 通知送達的位址

	State   State `json:"state"`
	Counter int   `json:"counter"`
	Attempt int   `json:"attempt"` // TTL 過期被回收的次數

	ProcessID string          `json:"processId,omitempty"`
	Addresses types.Addresses `json:"addresses"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`

	Awaiting []string `json:"awaiting,omitempty"`
	Resumed  bool     `json:"resumed"` // 下一次認領以 resume 形式呈現

	Value []byte `json:"value,omitempty"`
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notification 要送給 function 的一次呼叫
type Notification struct {
	Recv    string
	Kind    types.PayloadKind
	TaskID  string
	Counter int
	BaseURL string
}

// Payload 組成 adapter 接受的請求主體
func (n Notification) Payload() types.TaskPayload {
	task, _ := json.Marshal(struct {
		ID      string `json:"id"`
		Counter int    `json:"counter"`
	}{n.TaskID, n.Counter})
	return types.TaskPayload{Kind: n.Kind, Task: task, Href: types.Href{Base: n.BaseURL}}
}

// Notifier 接收產生的通知，在鎖外呼叫
type Notifier func(n Notification)

// Option configures a Coordinator.
type Option func(c *Coordinator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notify = n }
}

// WithCodec sets the encoding of task arguments and promise values. It must
// match the engine's codec.
func WithCodec(cd codec.Codec) Option {
	return func(c *Coordinator) { c.codec = cd }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator 記憶體內的協調伺服器
type Coordinator struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	promises map[string][]byte // 已完成的 promise 值（含任務本身的 root promise）
	rejected map[string]string // 被拒絕的 promise 與錯誤訊息

	baseURL string // 寫入通知的 href.base
	codec   codec.Codec
	now     func() time.Time
	notify  Notifier
	log     *zap.Logger
}

var _ transport.Transport = (*Coordinator)(nil)

// New 建立協調伺服器；baseURL 是 function 回呼時使用的位址
func New(baseURL string, opts ...Option) *Coordinator {
	c := &Coordinator{
		tasks:    make(map[string]*Task),
		promises: make(map[string][]byte),
		rejected: make(map[string]string),
		baseURL:  baseURL,
		codec:    codec.JSON(),
		now:      time.Now,
		notify:   func(Notification) {},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// 任務建立與 promise 完成
// ============================================================================

// Create 新增待處理任務並送出 invoke 通知
func (c *Coordinator) Create(task Task) error {
	if task.ID == "" || task.Func == "" || task.Recv == "" {
		return fmt.Errorf("%w: id, func and recv are required", ErrInvalidTask)
	}

	c.mu.Lock()
	if _, exists := c.tasks[task.ID]; exists {
		c.mu.Unlock()
		return ErrDuplicateTask
	}

	now := c.now()
	t := &Task{
		ID:        task.ID,
		Func:      task.Func,
		Version:   task.Version,
		Args:      task.Args,
		Recv:      task.Recv,
		State:     StatePending,
		Counter:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.tasks[t.ID] = t
	n := c.notification(t)
	c.mu.Unlock()

	c.log.Info("task created", zap.String("task_id", t.ID), zap.String("func", t.Func))
	c.notify(n)
	return nil
}

// Resolve 完成外部 promise，喚醒所有等待已滿足的暫停任務
// value 以協調伺服器的 codec 編碼
func (c *Coordinator) Resolve(promiseID string, value []byte) error {
	return c.settle(promiseID, func() { c.promises[promiseID] = value })
}

// Reject 以錯誤訊息完成外部 promise
func (c *Coordinator) Reject(promiseID, message string) error {
	return c.settle(promiseID, func() { c.rejected[promiseID] = message })
}

func (c *Coordinator) settle(promiseID string, record func()) error {
	c.mu.Lock()
	if c.isSettledLocked(promiseID) {
		c.mu.Unlock()
		return ErrPromiseSettled
	}
	record()
	ns := c.wakeLocked()
	c.mu.Unlock()

	c.log.Debug("promise settled", zap.String("promise_id", promiseID))
	for _, n := range ns {
		c.notify(n)
	}
	return nil
}

// wakeLocked 將等待已滿足的 suspended 任務轉回 pending
func (c *Coordinator) wakeLocked() []Notification {
	var ns []Notification
	for _, t := range c.sortedLocked() {
		if t.State != StateSuspended || !c.settledLocked(t.Awaiting) {
			continue
		}
		t.State = StatePending
		t.Resumed = true
		t.UpdatedAt = c.now()
		ns = append(ns, c.notification(t))
		c.log.Info("task resumable", zap.String("task_id", t.ID), zap.Int("counter", t.Counter))
	}
	return ns
}

func (c *Coordinator) settledLocked(ids []string) bool {
	for _, id := range ids {
		if !c.isSettledLocked(id) {
			return false
		}
	}
	return true
}

func (c *Coordinator) isSettledLocked(id string) bool {
	if _, ok := c.promises[id]; ok {
		return true
	}
	_, ok := c.rejected[id]
	return ok
}

func (c *Coordinator) notification(t *Task) Notification {
	kind := types.KindInvoke
	if t.Resumed {
		kind = types.KindResume
	}
	return Notification{Recv: t.Recv, Kind: kind, TaskID: t.ID, Counter: t.Counter, BaseURL: c.baseURL}
}

// ============================================================================
// transport.Transport
// ============================================================================

// Claim 認領任務，claim 在 TTL 後失效
func (c *Coordinator) Claim(_ context.Context, req transport.ClaimRequest) (*transport.ClaimResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[req.ID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.State != StatePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotClaimable, t.ID, t.State)
	}
	if req.Counter != t.Counter {
		return nil, fmt.Errorf("%w: %s has counter %d, got %d", ErrStaleCounter, t.ID, t.Counter, req.Counter)
	}

	now := c.now()
	t.State = StateClaimed
	t.ProcessID = req.ProcessID
	t.Addresses = req.Addresses
	t.ExpiresAt = now.Add(time.Duration(req.TTL) * time.Millisecond)
	t.UpdatedAt = now

	resp := &transport.ClaimResponse{
		Kind:      types.KindInvoke,
		PromiseID: t.ID,
		Func:      t.Func,
		Version:   t.Version,
		Args:      t.Args,
	}
	if t.Resumed {
		resp.Kind = types.KindResume
		resp.Resolved = make(map[string][]byte, len(t.Awaiting))
		for _, id := range t.Awaiting {
			if msg, ok := c.rejected[id]; ok {
				if resp.Rejected == nil {
					resp.Rejected = make(map[string]string)
				}
				resp.Rejected[id] = msg
				continue
			}
			resp.Resolved[id] = c.promises[id]
		}
	}

	c.log.Debug("task claimed",
		zap.String("task_id", t.ID),
		zap.String("pid", req.ProcessID),
		zap.Int64("ttl_ms", req.TTL))
	return resp, nil
}

// Complete 完成任務的 root promise 並釋放 claim
func (c *Coordinator) Complete(_ context.Context, req transport.CompleteRequest) error {
	c.mu.Lock()
	t, err := c.claimedLocked(req.ID, req.Counter)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	switch req.State {
	case transport.StateResolved:
		t.State = StateResolved
		t.Value = req.Value
	case transport.StateRejected:
		t.State = StateRejected
		t.Error = req.Error
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown completion state %q", ErrInvalidTask, req.State)
	}
	t.ProcessID = ""
	t.ExpiresAt = time.Time{}
	t.UpdatedAt = c.now()

	// root promise 完成後（不論成功或失敗），等待它的其他任務可以恢復
	var ns []Notification
	if !c.isSettledLocked(t.ID) {
		if t.State == StateResolved {
			c.promises[t.ID] = t.Value
		} else {
			c.rejected[t.ID] = t.Error
		}
		ns = c.wakeLocked()
	}
	state := t.State
	c.mu.Unlock()

	c.log.Info("task completed", zap.String("task_id", req.ID), zap.String("state", string(state)))
	for _, n := range ns {
		c.notify(n)
	}
	return nil
}

// Suspend 釋放 claim 並等待 promise 完成
func (c *Coordinator) Suspend(_ context.Context, req transport.SuspendRequest) error {
	c.mu.Lock()
	t, err := c.claimedLocked(req.ID, req.Counter)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	t.State = StateSuspended
	t.Awaiting = append([]string(nil), req.Awaiting...)
	if req.Recv != "" {
		t.Recv = req.Recv
	}
	t.Counter++
	t.ProcessID = ""
	t.ExpiresAt = time.Time{}
	t.UpdatedAt = c.now()

	// 等待的 promise 可能已經完成
	ns := c.wakeLocked()
	c.mu.Unlock()

	c.log.Info("task suspended", zap.String("task_id", req.ID), zap.Strings("awaiting", req.Awaiting))
	for _, n := range ns {
		c.notify(n)
	}
	return nil
}

// claimedLocked 檢查任務處於有效的認領中狀態
func (c *Coordinator) claimedLocked(id string, counter int) (*Task, error) {
	t, ok := c.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if counter != t.Counter {
		return nil, fmt.Errorf("%w: %s has counter %d, got %d", ErrStaleCounter, id, t.Counter, counter)
	}
	if t.State != StateClaimed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotClaimed, id, t.State)
	}
	if c.now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: claim on %s expired", ErrNotClaimed, id)
	}
	return t, nil
}

// ============================================================================
// TTL 回收
// ============================================================================

// Reclaim 將 TTL 過期的認領轉回 pending 並重新送出通知
//
// 返回值：
//   - []string: 被回收的任務 ID
func (c *Coordinator) Reclaim() []string {
	c.mu.Lock()
	now := c.now()
	var ids []string
	var ns []Notification
	for _, t := range c.sortedLocked() {
		if t.State != StateClaimed || !now.After(t.ExpiresAt) {
			continue
		}
		c.log.Warn("claim expired",
			zap.String("task_id", t.ID),
			zap.String("pid", t.ProcessID),
			zap.Time("expired_at", t.ExpiresAt))

		t.State = StatePending
		t.Counter++
		t.Attempt++
		t.ProcessID = ""
		t.ExpiresAt = time.Time{}
		t.UpdatedAt = now
		ids = append(ids, t.ID)
		ns = append(ns, c.notification(t))
	}
	c.mu.Unlock()

	for _, n := range ns {
		c.notify(n)
	}
	return ids
}

// Run 週期性回收過期的認領，直到 ctx 結束
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reclaim()
		}
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Get 回傳任務的複本
func (c *Coordinator) Get(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	cp := *t
	cp.Awaiting = append([]string(nil), t.Awaiting...)
	return cp, true
}

// Stats 各狀態的任務數量
func (c *Coordinator) Stats() map[State]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[State]int{
		StatePending:   0,
		StateClaimed:   0,
		StateSuspended: 0,
		StateResolved:  0,
		StateRejected:  0,
	}
	for _, t := range c.tasks {
		stats[t.State]++
	}
	return stats
}

// sortedLocked 依建立順序（同時間依 ID）回傳任務，讓通知順序穩定
func (c *Coordinator) sortedLocked() []*Task {
	ts := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
	return ts
}
