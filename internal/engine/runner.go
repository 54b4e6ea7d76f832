// ============================================================================
// faas-bridge Runner - Claim / Execute / Report
// ============================================================================
//
// Package: internal/engine
// File: runner.go
// Purpose: Concrete worker.Engine that drives one task against the
//          coordination server.
//
// Task shape (opaque to the adapter, decoded here):
//   {"id": "...", "counter": 1}                      claimed task
//   {"name": "hello", "version": 1, "arguments": []}  ad hoc task
//
// Claimed flow:
//   1. Claim(id, counter, pid, ttl, addresses)
//   2. Lookup(func, version) in the registry
//   3. run the function
//   4. value  -> Complete(resolved)  -> completed
//      Suspend -> Suspend(awaiting, recv=anycast preferred) -> suspended
//      error  -> Complete(rejected)  -> error
//
// Ad hoc tasks skip the coordinator entirely and cannot suspend.
//
// Transport failures surface as Completion.Err; function failures surface as
// an error outcome.
//
// ============================================================================

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/ChuLiYu/faas-bridge/internal/worker"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrMalformedTask the task descriptor cannot be decoded
	ErrMalformedTask = errors.New("engine: malformed task")
	// ErrNotClaimable an ad hoc task tried to suspend
	ErrNotClaimable = errors.New("engine: task has no id and cannot suspend")
)

// taskRef is the engine's view of the opaque task descriptor.
type taskRef struct {
	ID        string `json:"id"`
	Counter   int    `json:"counter"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	Arguments []any  `json:"arguments"`
}

// Option configures a Runner.
type Option func(r *Runner)

// WithCodec sets the codec for arguments and results.
func WithCodec(c codec.Codec) Option {
	return func(r *Runner) { r.codec = c }
}

// WithClock sets the time source.
func WithClock(c worker.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// Runner implements worker.Engine.
type Runner struct {
	registry *Registry
	dial     transport.Dialer
	codec    codec.Codec
	clock    worker.Clock
	log      *zap.Logger
}

var _ worker.Engine = (*Runner)(nil)

// NewRunner creates a Runner that looks functions up in registry and reaches
// the coordinator through dial.
func NewRunner(registry *Registry, dial transport.Dialer, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		dial:     dial,
		codec:    codec.JSON(),
		clock:    worker.SystemClock{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process implements worker.Engine. The returned channel receives exactly one
// Completion, including when processing panics.
func (r *Runner) Process(ctx context.Context, task types.UnclaimedTask, id types.WorkerIdentity) <-chan worker.Completion {
	ch := make(chan worker.Completion, 1)
	go func() {
		var c worker.Completion
		defer func() {
			if p := recover(); p != nil {
				c = worker.Completion{Err: fmt.Errorf("engine: panic: %v", p)}
			}
			ch <- c
			close(ch)
		}()

		outcome, err := r.process(ctx, task, id)
		if err != nil {
			c = worker.Completion{Err: err}
			return
		}
		c = worker.Completion{Outcome: &outcome}
	}()
	return ch
}

func (r *Runner) process(ctx context.Context, task types.UnclaimedTask, id types.WorkerIdentity) (types.Outcome, error) {
	var ref taskRef
	if err := json.Unmarshal(task.Task, &ref); err != nil {
		return types.Outcome{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}

	switch {
	case ref.ID != "":
		return r.runClaimed(ctx, task, ref, id)
	case ref.Name != "":
		return r.runAdHoc(ctx, task, ref), nil
	default:
		return types.Outcome{}, fmt.Errorf("%w: neither id nor name set", ErrMalformedTask)
	}
}

func (r *Runner) runAdHoc(ctx context.Context, task types.UnclaimedTask, ref taskRef) types.Outcome {
	log := r.log.With(zap.String("func", ref.Name), zap.String("kind", string(task.Kind)))

	fn, version, err := r.registry.Lookup(ref.Name, ref.Version)
	if err != nil {
		log.Warn("function lookup failed", zap.Error(err))
		return types.Failed(err)
	}

	fctx := &Context{Context: ctx, Kind: task.Kind, Version: version, codec: r.codec}
	value, err := call(fn, fctx, ref.Arguments)
	switch {
	case errors.Is(err, ErrSuspended):
		return types.Failed(fmt.Errorf("%w: %v", ErrNotClaimable, err))
	case err != nil:
		return types.Failed(err)
	}
	return types.Completed(value)
}

func (r *Runner) runClaimed(ctx context.Context, task types.UnclaimedTask, ref taskRef, id types.WorkerIdentity) (types.Outcome, error) {
	log := r.log.With(
		zap.String("task_id", ref.ID),
		zap.Int("counter", ref.Counter),
		zap.String("pid", id.ProcessID),
	)

	tr, err := r.dial(task.BaseURL)
	if err != nil {
		return types.Outcome{}, err
	}

	start := r.clock.Now()
	claim, err := tr.Claim(ctx, transport.ClaimRequest{
		ID:        ref.ID,
		Counter:   ref.Counter,
		ProcessID: id.ProcessID,
		TTL:       id.TTL.Milliseconds(),
		Addresses: id.Addresses,
	})
	if err != nil {
		return types.Outcome{}, fmt.Errorf("engine: claim %s: %w", ref.ID, err)
	}
	log = log.With(zap.String("func", claim.Func), zap.String("promise_id", claim.PromiseID))
	if claim.Kind != "" && claim.Kind != task.Kind {
		log.Debug("claim kind differs from notification", zap.String("claim_kind", string(claim.Kind)))
	}
	log.Debug("task claimed", zap.Duration("claim_latency", r.clock.Now().Sub(start)))

	reject := func(cause error) (types.Outcome, error) {
		if err := tr.Complete(ctx, transport.CompleteRequest{
			ID:        ref.ID,
			Counter:   ref.Counter,
			PromiseID: claim.PromiseID,
			State:     transport.StateRejected,
			Error:     cause.Error(),
		}); err != nil {
			return types.Outcome{}, fmt.Errorf("engine: complete %s: %w", ref.ID, err)
		}
		log.Info("task rejected", zap.Error(cause))
		return types.Failed(cause), nil
	}

	fn, version, err := r.registry.Lookup(claim.Func, claim.Version)
	if err != nil {
		return reject(err)
	}

	args := ref.Arguments
	if len(claim.Args) > 0 {
		if err := r.codec.Unmarshal(claim.Args, &args); err != nil {
			return reject(fmt.Errorf("engine: decode arguments: %w", err))
		}
	}

	fctx := &Context{
		Context:  ctx,
		TaskID:   ref.ID,
		Kind:     task.Kind,
		Version:  version,
		resolved: claim.Resolved,
		rejected: claim.Rejected,
		codec:    r.codec,
	}
	value, err := call(fn, fctx, args)

	var suspend *SuspendError
	switch {
	case errors.As(err, &suspend):
		if err := tr.Suspend(ctx, transport.SuspendRequest{
			ID:       ref.ID,
			Counter:  ref.Counter,
			Awaiting: suspend.Awaiting,
			Recv:     id.Addresses.AnycastPreferred,
		}); err != nil {
			return types.Outcome{}, fmt.Errorf("engine: suspend %s: %w", ref.ID, err)
		}
		log.Info("task suspended", zap.Strings("awaiting", suspend.Awaiting))
		return types.Suspended(), nil

	case err != nil:
		return reject(err)
	}

	data, err := r.codec.Marshal(value)
	if err != nil {
		return reject(fmt.Errorf("engine: encode result: %w", err))
	}
	if err := tr.Complete(ctx, transport.CompleteRequest{
		ID:        ref.ID,
		Counter:   ref.Counter,
		PromiseID: claim.PromiseID,
		State:     transport.StateResolved,
		Value:     data,
	}); err != nil {
		return types.Outcome{}, fmt.Errorf("engine: complete %s: %w", ref.ID, err)
	}
	log.Info("task completed", zap.Duration("duration", r.clock.Now().Sub(start)))
	return types.Completed(value), nil
}

// call runs fn, converting a panic into an error.
func call(fn Function, ctx *Context, args []any) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine: function panicked: %v", p)
		}
	}()
	return fn(ctx, args)
}
