// ============================================================================
// faas-bridge Dispatcher - 通知投遞工作池
// ============================================================================
//
// Package: internal/coordinator
// 文件: dispatch.go
// 功能: 以固定數量的 goroutine 投遞任務通知
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Notifier()--> queue
//   └─────────────┘
//   ┌─────────────────┐
//   │   Dispatcher    │
//   │  ┌───────────┐  │
//   │  │ sender 1  │←── queue ──→ Deliverer.Deliver ──→ function URL
//   │  │ sender 2  │←── queue
//   │  └───────────┘  │
//   └─────────────────┘
//
// 生命週期:
//   1. NewDispatcher() - 建立 queue
//   2. Start(ctx, n)   - 啟動 n 個 sender
//   3. Submit(n)       - 非阻塞放入 queue，滿了回傳 ErrQueueFull
//   4. Stop()          - 通知 sender 結束並等待
//
// 注意:
//   function 在處理通知時會回呼協調伺服器，協調伺服器可能再產生通知。
//   Submit 若阻塞會與正在等待回應的 sender 互相卡住，因此 queue 滿時
//   Notifier 改為獨立 goroutine 投遞。
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherNotStarted Start 之前提交
	ErrDispatcherNotStarted = errors.New("coordinator: dispatcher not started")
	// ErrDispatcherClosed Stop 之後提交
	ErrDispatcherClosed = errors.New("coordinator: dispatcher closed")
	// ErrQueueFull queue 已滿
	ErrQueueFull = errors.New("coordinator: dispatch queue full")
)

// Dispatcher delivers notifications with a fixed number of senders.
type Dispatcher struct {
	deliverer *Deliverer
	log       *zap.Logger

	queue  chan Notification
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	started bool
	stopped bool
}

// NewDispatcher 建立 Dispatcher，bufferSize 為 queue 容量
func NewDispatcher(d *Deliverer, bufferSize int) *Dispatcher {
	return &Dispatcher{
		deliverer: d,
		log:       d.log,
		queue:     make(chan Notification, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動 senders 個 goroutine；ctx 結束時 sender 也會退出
func (p *Dispatcher) Start(ctx context.Context, senders int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("coordinator: dispatcher already started")
	}
	if senders <= 0 {
		senders = 1
	}

	p.ctx = ctx
	for i := 0; i < senders; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	p.started = true
	return nil
}

func (p *Dispatcher) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case n := <-p.queue:
			p.send(ctx, n, id)
		}
	}
}

func (p *Dispatcher) send(ctx context.Context, n Notification, sender int) {
	if _, err := p.deliverer.Deliver(ctx, n); err != nil {
		p.log.Warn("notification failed",
			zap.Int("sender", sender),
			zap.String("task_id", n.TaskID),
			zap.Error(err))
	}
}

// Submit 將通知放入 queue，不會阻塞
func (p *Dispatcher) Submit(n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrDispatcherNotStarted
	}
	if p.stopped {
		return ErrDispatcherClosed
	}

	select {
	case p.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Notifier returns a Notifier that submits to the queue and falls back to a
// dedicated goroutine when the queue is full.
func (p *Dispatcher) Notifier() Notifier {
	return func(n Notification) {
		err := p.Submit(n)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueFull):
			p.mu.Lock()
			ctx := p.ctx
			p.mu.Unlock()
			p.log.Debug("dispatch queue full, delivering inline", zap.String("task_id", n.TaskID))
			go p.send(ctx, n, -1)
		default:
			// 未投遞的通知由 TTL 回收或重新建立任務補救
			p.log.Warn("notification dropped", zap.String("task_id", n.TaskID), zap.Error(err))
		}
	}
}

// Pending 回傳 queue 中尚未投遞的通知數量
func (p *Dispatcher) Pending() int {
	return len(p.queue)
}

// Stop 停止所有 sender 並等待結束，queue 中剩餘的通知會被丟棄
func (p *Dispatcher) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
