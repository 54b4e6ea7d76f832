// ============================================================================
// faas-bridge Coordinator Transport
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: Carries the task lifecycle messages (claim, complete, suspend)
//          between the execution engine and the coordination server.
//
// Two implementations share the same message types:
//   - HTTPTransport: JSON over HTTP against the base URL from the request
//     payload (or the configured override).
//   - GRPCTransport: the same messages as google.protobuf.Struct over a
//     single gRPC connection to a fixed target.
//
// Every call is bounded by the configured timeout, which must stay below the
// worker TTL so a stalled call cannot pin a claim.
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

var (
	// ErrClosed is returned when a call is made on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrNoBaseURL is returned when no coordinator address is known for a task.
	ErrNoBaseURL = errors.New("transport: no coordinator base url")

	// 伺服器端錯誤分類，對應 HTTP status / gRPC code
	ErrNotFound = errors.New("transport: not found")
	ErrConflict = errors.New("transport: conflict")
)

// Coordinator HTTP endpoints, relative to the base URL
const (
	pathClaim    = "/tasks/claim"
	pathComplete = "/tasks/complete"
	pathSuspend  = "/tasks/suspend"
)

// Promise completion states
const (
	StateResolved = "resolved"
	StateRejected = "rejected"
)

// ClaimRequest asks the coordinator for exclusive ownership of a task.
type ClaimRequest struct {
	ID        string          `json:"id"`
	Counter   int             `json:"counter"`
	ProcessID string          `json:"processId"`
	TTL       int64           `json:"ttl"` // milliseconds
	Addresses types.Addresses `json:"addresses"`
}

// ClaimResponse describes the function to run for a claimed task.
type ClaimResponse struct {
	Kind      types.PayloadKind `json:"type"`
	PromiseID string            `json:"promiseId"`
	Func      string            `json:"func"`
	Version   int               `json:"version,omitempty"`
	Args      []byte            `json:"args,omitempty"`     // codec encoded []any
	Resolved  map[string][]byte `json:"resolved,omitempty"` // codec encoded promise values
	Rejected  map[string]string `json:"rejected,omitempty"` // rejected promise errors
}

// CompleteRequest settles the task's root promise and releases the claim.
type CompleteRequest struct {
	ID        string `json:"id"`
	Counter   int    `json:"counter"`
	PromiseID string `json:"promiseId"`
	State     string `json:"state"`
	Value     []byte `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SuspendRequest releases the claim and registers resume callbacks for the
// awaited promises.
type SuspendRequest struct {
	ID       string   `json:"id"`
	Counter  int      `json:"counter"`
	Awaiting []string `json:"awaiting"`
	Recv     string   `json:"recv"`
}

// Transport is the engine's view of the coordination server.
type Transport interface {
	Claim(ctx context.Context, req ClaimRequest) (*ClaimResponse, error)
	Complete(ctx context.Context, req CompleteRequest) error
	Suspend(ctx context.Context, req SuspendRequest) error
}

// Dialer returns a transport for the coordinator at baseURL.
type Dialer func(baseURL string) (Transport, error)

// StatusError reports a non-success answer from the coordinator.
type StatusError struct {
	Op      string // claim, complete, suspend
	Code    int    // HTTP status or gRPC code
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("transport: %s: status %d: %s", e.Op, e.Code, e.Message)
}
