// ============================================================================
// faas-bridge Session - Ephemeral Worker
// ============================================================================
//
// Package: internal/worker
// File: session.go
// Function: Drives exactly one task through the engine for one invocation
//
// Lifecycle:
//   1. NewSession() - generate a fresh identity (pid, ttl, addresses)
//   2. Run() - submit one UnclaimedTask, await exactly one Completion
//   3. discard - a Session is never reused or persisted
//
// Failure model:
//   - Completion.Err, a closed channel, or an outcome without status are
//     session failures, reported as errors rather than task outcomes
//   - ctx cancellation (platform timeout) aborts the wait; the claim is
//     left to expire on the coordinator after TTL
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

var (
	// ErrNoOutcome 引擎未回報任何結果便關閉了 channel
	ErrNoOutcome = errors.New("worker: engine closed without an outcome")
	// ErrMissingStatus 引擎回報成功但缺少狀態
	ErrMissingStatus = errors.New("worker: engine reported no status")
	// ErrUnknownStatus 引擎回報了無法辨識的狀態
	ErrUnknownStatus = errors.New("worker: engine reported an unknown status")
	// ErrSessionUsed Session 只能執行一次
	ErrSessionUsed = errors.New("worker: session already used")
)

// Session is the ephemeral worker for one invocation.
type Session struct {
	identity  types.WorkerIdentity
	engine    Engine
	clock     Clock
	heartbeat HeartbeatPolicy

	mu   sync.Mutex
	used bool
}

// NewSession creates a session with a newly generated identity.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		identity:  NewIdentity(cfg.PIDPrefix, cfg.TTL, cfg.URL),
		engine:    cfg.Engine,
		clock:     cfg.Clock,
		heartbeat: cfg.Heartbeat,
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.heartbeat == nil {
		s.heartbeat = NoopHeartbeat{}
	}
	return s
}

// Identity returns the identity presented to the coordinator.
func (s *Session) Identity() types.WorkerIdentity {
	return s.identity
}

// Result 一次 Run 的結果與耗時
type Result struct {
	Outcome  types.Outcome
	Duration time.Duration
}

// Run submits payload as an unclaimed task and waits for its single completion.
func (s *Session) Run(ctx context.Context, payload types.TaskPayload) (Result, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return Result{}, ErrSessionUsed
	}
	s.used = true
	s.mu.Unlock()

	start := s.clock.Now()
	task := types.UnclaimedTask{
		Kind:    payload.Kind,
		Task:    payload.Task,
		BaseURL: payload.Href.Base,
	}

	stop := s.heartbeat.Start(ctx, s.identity)
	defer stop()

	done := s.engine.Process(ctx, task, s.identity)

	var c Completion
	var ok bool
	select {
	case c, ok = <-done:
	case <-ctx.Done():
		return Result{Duration: s.clock.Now().Sub(start)}, fmt.Errorf("worker: session aborted: %w", ctx.Err())
	}

	res := Result{Duration: s.clock.Now().Sub(start)}
	switch {
	case !ok:
		return res, ErrNoOutcome
	case c.Err != nil:
		return res, c.Err
	case c.Outcome == nil || c.Outcome.Status == "":
		return res, ErrMissingStatus
	}

	switch c.Outcome.Status {
	case types.OutcomeCompleted, types.OutcomeSuspended, types.OutcomeError:
	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownStatus, c.Outcome.Status)
	}

	res.Outcome = *c.Outcome
	return res, nil
}
