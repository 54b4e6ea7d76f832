package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// notes collects notifications in order.
type notes struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notes) add(x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

func (n *notes) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.list...)
}

func newTestCoordinator() (*Coordinator, *fakeClock, *notes) {
	clock := newFakeClock()
	ns := &notes{}
	c := New("https://coord.example.com", WithClock(clock.Now), WithNotifier(ns.add))
	return c, clock, ns
}

func newTask(id string) Task {
	return Task{ID: id, Func: "hello", Args: []byte(`["World"]`), Recv: "https://fn.example.com"}
}

func claim(c *Coordinator, id string, counter int, ttl time.Duration) (*transport.ClaimResponse, error) {
	return c.Claim(context.Background(), transport.ClaimRequest{
		ID:        id,
		Counter:   counter,
		ProcessID: "faas-test",
		TTL:       ttl.Milliseconds(),
	})
}

// ============================================================================
// State machine
// ============================================================================

func TestCreate(t *testing.T) {
	c, _, ns := newTestCoordinator()

	require.NoError(t, c.Create(newTask("t-1")))
	assert.ErrorIs(t, c.Create(newTask("t-1")), ErrDuplicateTask)
	assert.ErrorIs(t, c.Create(Task{ID: "t-2"}), ErrInvalidTask)

	task, ok := c.Get("t-1")
	require.True(t, ok)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 1, task.Counter)

	require.Len(t, ns.all(), 1)
	n := ns.all()[0]
	assert.Equal(t, Notification{
		Recv:    "https://fn.example.com",
		Kind:    types.KindInvoke,
		TaskID:  "t-1",
		Counter: 1,
		BaseURL: "https://coord.example.com",
	}, n)

	payload := n.Payload()
	assert.Equal(t, types.KindInvoke, payload.Kind)
	assert.Equal(t, "https://coord.example.com", payload.Href.Base)
	assert.JSONEq(t, `{"id":"t-1","counter":1}`, string(payload.Task))
}

func TestClaimAndComplete(t *testing.T) {
	c, _, _ := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))

	resp, err := claim(c, "t-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, &transport.ClaimResponse{
		Kind:      types.KindInvoke,
		PromiseID: "t-1",
		Func:      "hello",
		Args:      []byte(`["World"]`),
	}, resp)

	// 已被認領的任務不能再認領
	_, err = claim(c, "t-1", 1, time.Minute)
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.ErrorIs(t, err, transport.ErrConflict)

	require.NoError(t, c.Complete(context.Background(), transport.CompleteRequest{
		ID: "t-1", Counter: 1, PromiseID: "t-1", State: transport.StateResolved, Value: []byte(`"Hello, World!"`),
	}))

	task, _ := c.Get("t-1")
	assert.Equal(t, StateResolved, task.State)
	assert.Equal(t, []byte(`"Hello, World!"`), task.Value)
	assert.Empty(t, task.ProcessID)
	assert.Equal(t, 1, c.Stats()[StateResolved])
}

func TestCompleteRejected(t *testing.T) {
	c, _, _ := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Complete(context.Background(), transport.CompleteRequest{
		ID: "t-1", Counter: 1, State: transport.StateRejected, Error: "boom",
	}))

	task, _ := c.Get("t-1")
	assert.Equal(t, StateRejected, task.State)
	assert.Equal(t, "boom", task.Error)
}

func TestClaimErrors(t *testing.T) {
	c, _, _ := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))

	_, err := claim(c, "missing", 1, time.Minute)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, err, transport.ErrNotFound)

	_, err = claim(c, "t-1", 7, time.Minute)
	assert.ErrorIs(t, err, ErrStaleCounter)

	err = c.Complete(context.Background(), transport.CompleteRequest{ID: "t-1", Counter: 1, State: transport.StateResolved})
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestSuspendAndResolve(t *testing.T) {
	c, _, ns := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Suspend(context.Background(), transport.SuspendRequest{
		ID: "t-1", Counter: 1, Awaiting: []string{"p-1", "p-2"}, Recv: "https://fn.example.com/b",
	}))

	task, _ := c.Get("t-1")
	assert.Equal(t, StateSuspended, task.State)
	assert.Equal(t, 2, task.Counter)
	assert.Equal(t, []string{"p-1", "p-2"}, task.Awaiting)

	// 只完成一個 promise 不會喚醒
	require.NoError(t, c.Resolve("p-1", []byte(`1`)))
	assert.Len(t, ns.all(), 1)

	require.NoError(t, c.Resolve("p-2", []byte(`2`)))
	all := ns.all()
	require.Len(t, all, 2)
	assert.Equal(t, Notification{
		Recv:    "https://fn.example.com/b",
		Kind:    types.KindResume,
		TaskID:  "t-1",
		Counter: 2,
		BaseURL: "https://coord.example.com",
	}, all[1])

	resp, err := claim(c, "t-1", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.KindResume, resp.Kind)
	assert.Equal(t, map[string][]byte{"p-1": []byte(`1`), "p-2": []byte(`2`)}, resp.Resolved)

	assert.ErrorIs(t, c.Resolve("p-1", []byte(`3`)), ErrPromiseSettled)
}

func TestSuspendOnSettledPromiseResumesImmediately(t *testing.T) {
	c, _, ns := newTestCoordinator()
	require.NoError(t, c.Resolve("p-1", []byte(`"ready"`)))
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Suspend(context.Background(), transport.SuspendRequest{ID: "t-1", Counter: 1, Awaiting: []string{"p-1"}}))

	task, _ := c.Get("t-1")
	assert.Equal(t, StatePending, task.State)
	all := ns.all()
	require.Len(t, all, 2)
	assert.Equal(t, types.KindResume, all[1].Kind)
	assert.Equal(t, "https://fn.example.com", all[1].Recv, "recv kept when suspend omits it")
}

func TestCompleteWakesDependents(t *testing.T) {
	c, _, ns := newTestCoordinator()
	require.NoError(t, c.Create(newTask("parent")))
	require.NoError(t, c.Create(newTask("child")))

	_, err := claim(c, "parent", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(context.Background(), transport.SuspendRequest{ID: "parent", Counter: 1, Awaiting: []string{"child"}}))

	_, err = claim(c, "child", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background(), transport.CompleteRequest{
		ID: "child", Counter: 1, State: transport.StateResolved, Value: []byte(`5`),
	}))

	all := ns.all()
	last := all[len(all)-1]
	assert.Equal(t, "parent", last.TaskID)
	assert.Equal(t, types.KindResume, last.Kind)

	resp, err := claim(c, "parent", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte(`5`), resp.Resolved["child"])
}

func TestRejectedTaskWakesDependents(t *testing.T) {
	c, _, ns := newTestCoordinator()
	require.NoError(t, c.Create(newTask("a")))
	require.NoError(t, c.Create(newTask("b")))

	_, err := claim(c, "b", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(context.Background(), transport.SuspendRequest{ID: "b", Counter: 1, Awaiting: []string{"a"}}))

	_, err = claim(c, "a", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background(), transport.CompleteRequest{
		ID: "a", Counter: 1, State: transport.StateRejected, Error: "boom",
	}))

	task, _ := c.Get("b")
	assert.Equal(t, StatePending, task.State, "dependent resumes after its dependency is rejected")
	all := ns.all()
	assert.Equal(t, "b", all[len(all)-1].TaskID)
	assert.Equal(t, types.KindResume, all[len(all)-1].Kind)

	resp, err := claim(c, "b", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "boom"}, resp.Rejected)
	assert.NotContains(t, resp.Resolved, "a")

	// root promise 已完成，不能再被外部 resolve
	assert.ErrorIs(t, c.Resolve("a", []byte(`1`)), ErrPromiseSettled)
}

func TestRejectExternalPromise(t *testing.T) {
	c, _, _ := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(context.Background(), transport.SuspendRequest{
		ID: "t-1", Counter: 1, Awaiting: []string{"p-ok", "p-bad"},
	}))

	require.NoError(t, c.Resolve("p-ok", []byte(`true`)))
	task, _ := c.Get("t-1")
	assert.Equal(t, StateSuspended, task.State)

	require.NoError(t, c.Reject("p-bad", "denied"))
	assert.ErrorIs(t, c.Reject("p-bad", "again"), ErrPromiseSettled)
	assert.ErrorIs(t, c.Resolve("p-bad", []byte(`1`)), ErrPromiseSettled)

	resp, err := claim(c, "t-1", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte(`true`), resp.Resolved["p-ok"])
	assert.Equal(t, map[string]string{"p-bad": "denied"}, resp.Rejected)
}

func TestHandlerTranscodesWithCodec(t *testing.T) {
	cb, err := codec.CBOR()
	require.NoError(t, err)
	c := New("https://coord.example.com", WithCodec(cb))
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"id":"t-1","func":"hello","args":["World"],"recv":"https://fn.example.com"}`))
	require.NoError(t, err)
	var created struct {
		Args json.RawMessage `json:"args"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `["World"]`, string(created.Args), "admin view is JSON")

	// 儲存與認領時是 CBOR
	task, _ := c.Get("t-1")
	var args []any
	require.NoError(t, cb.Unmarshal(task.Args, &args))
	assert.Equal(t, []any{"World"}, args)

	resp, err = http.Post(srv.URL+"/promises/p-1/resolve", "application/json", strings.NewReader(`{"n":41}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	c.mu.RLock()
	stored := c.promises["p-1"]
	c.mu.RUnlock()
	var v map[string]any
	require.NoError(t, cb.Unmarshal(stored, &v))
	assert.EqualValues(t, 41, v["n"])

	resp, err = http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"id":"t-2","func":"hello","args":[1,],"recv":"https://fn.example.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// TTL reclamation
// ============================================================================

func TestReclaimExpired(t *testing.T) {
	c, clock, ns := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Second)
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	assert.Empty(t, c.Reclaim(), "claim still within ttl")

	clock.Advance(time.Second)
	assert.Equal(t, []string{"t-1"}, c.Reclaim())

	task, _ := c.Get("t-1")
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 2, task.Counter)
	assert.Equal(t, 1, task.Attempt)

	all := ns.all()
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[1].Counter)

	// 原本的 worker 已失去 claim
	err = c.Complete(context.Background(), transport.CompleteRequest{ID: "t-1", Counter: 1, State: transport.StateResolved})
	assert.ErrorIs(t, err, ErrStaleCounter)

	_, err = claim(c, "t-1", 2, time.Minute)
	assert.NoError(t, err)
}

func TestCompleteAfterExpiryBeforeSweep(t *testing.T) {
	c, clock, _ := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	err = c.Complete(context.Background(), transport.CompleteRequest{ID: "t-1", Counter: 1, State: transport.StateResolved})
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestRunSweeps(t *testing.T) {
	c := New("https://coord")
	require.NoError(t, c.Create(newTask("t-1")))
	_, err := claim(c, "t-1", 1, time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		task, _ := c.Get("t-1")
		return task.State == StatePending && task.Counter == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// HTTP
// ============================================================================

func TestHandlerAdminAPI(t *testing.T) {
	c, _, ns := newTestCoordinator()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"id":"t-1","func":"hello","args":["World"],"recv":"https://fn.example.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, ns.all(), 1)

	resp, err = http.Post(srv.URL+"/tasks", "application/json",
		strings.NewReader(`{"id":"t-1","func":"hello","recv":"https://fn.example.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(`{"id":"t-2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks/t-1")
	require.NoError(t, err)
	var task struct {
		State State           `json:"state"`
		Args  json.RawMessage `json:"args"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	resp.Body.Close()
	assert.Equal(t, StatePending, task.State)
	assert.JSONEq(t, `["World"]`, string(task.Args))

	resp, err = http.Get(srv.URL + "/tasks/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/promises/p-1/resolve", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/promises/p-2/resolve", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/promises/p-3/reject", "application/json", strings.NewReader(`{"error":"denied"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/promises/p-3/reject", "application/json", strings.NewReader(`{"error":"again"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/promises/p-1/reject", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats map[State]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats[StatePending])
}

func TestHandlerWorkerEndpoints(t *testing.T) {
	c, _, _ := newTestCoordinator()
	require.NoError(t, c.Create(newTask("t-1")))
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	tr := transport.NewHTTP(srv.URL, srv.Client())
	resp, err := tr.Claim(context.Background(), transport.ClaimRequest{ID: "t-1", Counter: 1, TTL: 60000})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Func)

	_, err = tr.Claim(context.Background(), transport.ClaimRequest{ID: "t-1", Counter: 1, TTL: 60000})
	var se *transport.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
}

func TestDeliverer(t *testing.T) {
	var gotProto, gotHost string
	var got types.TaskPayload
	fn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotHost = r.Host
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"suspended","requestUrl":"x"}`))
	}))
	defer fn.Close()

	d := NewDeliverer(fn.Client(), nil)
	resp, err := d.Deliver(context.Background(), Notification{
		Recv: fn.URL, Kind: types.KindResume, TaskID: "t-1", Counter: 3, BaseURL: "https://coord",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "suspended", resp.Body["status"])
	assert.Equal(t, "http", gotProto)
	assert.Equal(t, strings.TrimPrefix(fn.URL, "http://"), gotHost)
	assert.Equal(t, types.KindResume, got.Kind)
	assert.Equal(t, "https://coord", got.Href.Base)
	assert.JSONEq(t, `{"id":"t-1","counter":3}`, string(got.Task))
}

func TestDelivererBadRecv(t *testing.T) {
	_, err := NewDeliverer(nil, nil).Deliver(context.Background(), Notification{Recv: "://bad"})
	assert.Error(t, err)
}
