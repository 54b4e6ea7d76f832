// ============================================================================
// faas-bridge Engine Interface
// ============================================================================
//
// Package: internal/worker
// File: engine.go
// Purpose: Defines the collaborators a Session drives a task through.
//
// Motivation:
//   The claim/execute/resume state machine lives outside the adapter. The
//   Session only needs a narrow capability: submit one unclaimed task with a
//   worker identity and receive exactly one completion. Tests substitute a
//   deterministic engine; production uses engine.Runner.
//
//   A long-lived worker renews its claim with heartbeats. An invocation is
//   bounded by the platform timeout, so the policy here is a no-op and the
//   TTL sent with the claim lets the coordinator reclaim abandoned tasks.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

// Engine processes one task on behalf of a worker identity.
type Engine interface {
	// Process submits task and returns a channel that receives exactly one
	// Completion and is then closed.
	//
	// Parameters:
	//   - ctx: Invocation context; cancelling it abandons the claim.
	//   - task: The task, always unclaimed.
	//   - id: The ephemeral worker identity presented to the coordinator.
	Process(ctx context.Context, task types.UnclaimedTask, id types.WorkerIdentity) <-chan Completion
}

// HeartbeatPolicy keeps a claim alive while a task runs.
type HeartbeatPolicy interface {
	// Start begins renewing the claim held by id and returns a func that stops it.
	Start(ctx context.Context, id types.WorkerIdentity) (stop func())
}

// NoopHeartbeat never renews. Liveness comes from TTL-based reclamation.
type NoopHeartbeat struct{}

// Start implements HeartbeatPolicy.
func (NoopHeartbeat) Start(context.Context, types.WorkerIdentity) func() {
	return func() {}
}

// Clock is the time source used for deadlines and durations.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
