package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

var (
	// ErrSuspended matches errors returned by Suspend.
	ErrSuspended = errors.New("engine: task suspended")
	// ErrPromiseRejected matches errors returned by Resolved for a rejected promise.
	ErrPromiseRejected = errors.New("engine: promise rejected")
)

// SuspendError carries the promises a task waits on.
type SuspendError struct {
	Awaiting []string
}

func (e *SuspendError) Error() string {
	return "engine: task suspended awaiting " + strings.Join(e.Awaiting, ",")
}

// Is reports whether target is ErrSuspended.
func (e *SuspendError) Is(target error) bool { return target == ErrSuspended }

// Suspend yields the running task until every promise in ids completes. The
// coordinator resumes it with a new invocation.
func Suspend(ids ...string) error {
	return &SuspendError{Awaiting: ids}
}

// RejectedError reports an awaited promise that settled with an error.
type RejectedError struct {
	PromiseID string
	Message   string
}

func (e *RejectedError) Error() string {
	return "engine: promise " + e.PromiseID + " rejected: " + e.Message
}

// Is reports whether target is ErrPromiseRejected.
func (e *RejectedError) Is(target error) bool { return target == ErrPromiseRejected }

// Context is passed to a Function for one execution.
type Context struct {
	context.Context

	TaskID  string
	Kind    types.PayloadKind
	Version int

	resolved map[string][]byte
	rejected map[string]string
	codec    codec.Codec
}

// Resolved decodes the value of promise id into v. It reports false when the
// coordinator did not deliver that promise with this claim. A rejected promise
// reports true with a *RejectedError.
func (c *Context) Resolved(id string, v any) (bool, error) {
	if msg, ok := c.rejected[id]; ok {
		return true, &RejectedError{PromiseID: id, Message: msg}
	}
	data, ok := c.resolved[id]
	if !ok {
		return false, nil
	}
	if err := c.codec.Unmarshal(data, v); err != nil {
		return true, err
	}
	return true, nil
}
