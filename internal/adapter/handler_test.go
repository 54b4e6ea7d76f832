package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/faas-bridge/internal/engine"
	"github.com/ChuLiYu/faas-bridge/internal/metrics"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
	"github.com/ChuLiYu/faas-bridge/internal/worker"
	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// stubEngine records every submission and replies with a fixed completion
type stubEngine struct {
	mu    sync.Mutex
	tasks []types.UnclaimedTask
	ids   []types.WorkerIdentity
	reply func(task types.UnclaimedTask) worker.Completion
}

func (s *stubEngine) Process(_ context.Context, task types.UnclaimedTask, id types.WorkerIdentity) <-chan worker.Completion {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.ids = append(s.ids, id)
	s.mu.Unlock()

	ch := make(chan worker.Completion, 1)
	ch <- s.reply(task)
	close(ch)
	return ch
}

func (s *stubEngine) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func outcomeEngine(o types.Outcome) *stubEngine {
	return &stubEngine{reply: func(types.UnclaimedTask) worker.Completion {
		return worker.Completion{Outcome: &o}
	}}
}

func errorEngine(err error) *stubEngine {
	return &stubEngine{reply: func(types.UnclaimedTask) worker.Completion {
		return worker.Completion{Err: err}
	}}
}

const helloBody = `{"type":"invoke","href":{"base":"https://coord.example.com"},"task":{"name":"hello","arguments":["World"]}}`

func helloRequest() types.InvocationRequest {
	return types.InvocationRequest{
		Method: http.MethodPost,
		Headers: map[string]string{
			"x-forwarded-proto": "https",
			"host":              "fn.example.com",
		},
		Body: []byte(helloBody),
	}
}

func newAdapter(e worker.Engine, opts ...Option) *Adapter {
	return New(e, Config{TTL: time.Minute, PIDPrefix: "test"}, opts...)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestHandleCompleted(t *testing.T) {
	e := outcomeEngine(types.Completed("Hello, World!"))
	resp := newAdapter(e).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{
		"status":     "completed",
		"result":     "Hello, World!",
		"requestUrl": "https://fn.example.com",
	}, resp.Body)

	require.Equal(t, 1, e.calls())
	task := e.tasks[0]
	assert.Equal(t, types.KindInvoke, task.Kind)
	assert.Equal(t, "https://coord.example.com", task.BaseURL)
	assert.JSONEq(t, `{"name":"hello","arguments":["World"]}`, string(task.Task))

	id := e.ids[0]
	assert.True(t, strings.HasPrefix(id.ProcessID, "test-"))
	assert.Equal(t, time.Minute, id.TTL)
	assert.Equal(t, "https://fn.example.com", id.Addresses.Unicast)
	assert.Equal(t, "https://fn.example.com", id.Addresses.AnycastPreferred)
	assert.Equal(t, "https://fn.example.com", id.Addresses.AnycastNoPreference)
}

func TestHandleSuspended(t *testing.T) {
	e := outcomeEngine(types.Suspended())
	resp := newAdapter(e).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{
		"status":     "suspended",
		"requestUrl": "https://fn.example.com",
	}, resp.Body)
	assert.Equal(t, 1, e.calls())
}

func TestHandleMethodNotAllowed(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, ""} {
		e := outcomeEngine(types.Completed(nil))
		req := helloRequest()
		req.Method = method

		resp := newAdapter(e).Handle(context.Background(), req)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		assert.Equal(t, map[string]any{"error": "Method not allowed. Use POST."}, resp.Body)
		assert.Zero(t, e.calls(), "engine must not be called for %q", method)
	}
}

func TestHandleMissingHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		message string
	}{
		{"missing host", map[string]string{"x-forwarded-proto": "https"}, "Missing required headers: host"},
		{"missing proto", map[string]string{"host": "fn.example.com"}, "Missing required headers: x-forwarded-proto"},
		{"missing both", nil, "Missing required headers: x-forwarded-proto, host"},
		{"empty host", map[string]string{"x-forwarded-proto": "https", "host": ""}, "Missing required headers: host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := outcomeEngine(types.Completed(nil))
			req := helloRequest()
			req.Headers = tt.headers

			resp := newAdapter(e).Handle(context.Background(), req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.message, resp.Body["error"])
			assert.Zero(t, e.calls())
		})
	}
}

func TestHandleHeadersAreCaseInsensitive(t *testing.T) {
	e := outcomeEngine(types.Completed("ok"))
	req := helloRequest()
	req.Headers = map[string]string{"X-Forwarded-Proto": "http", "Host": "localhost:8080"}
	req.Path = "/hello"

	resp := newAdapter(e).Handle(context.Background(), req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:8080/hello", resp.Body["requestUrl"])
}

func TestHandleInvalidBodies(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"empty", "", "Request body is required"},
		{"whitespace", "  \n", "Request body is required"},
		{"not json", "{type: invoke", "Request body must be valid JSON"},
		{"array", `["invoke"]`, "Request body must be valid JSON"},
		{"null", `null`, "Request body must be valid JSON"},
		{"unknown type", `{"type":"ping"}`, "Request body must contain type and task"},
		{"missing task", `{"type":"invoke","href":{"base":"https://c"}}`, "Request body must contain type and task"},
		{"null task", `{"type":"resume","task":null,"href":{"base":"https://c"}}`, "Request body must contain type and task"},
		{"numeric type", `{"type":1,"task":{}}`, "Request body must contain type and task"},
		{"missing href", `{"type":"invoke","task":{}}`, "Request body must contain type and task"},
		{"empty base", `{"type":"invoke","task":{},"href":{"base":""}}`, "Request body must contain type and task"},
		{"non-string base", `{"type":"invoke","task":{},"href":{"base":42}}`, "Request body must contain type and task"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := outcomeEngine(types.Completed(nil))
			req := helloRequest()
			req.Body = []byte(tt.body)

			resp := newAdapter(e).Handle(context.Background(), req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, map[string]any{"error": tt.message}, resp.Body)
			assert.Zero(t, e.calls())
		})
	}
}

func TestHandleEngineError(t *testing.T) {
	e := errorEngine(errors.New("coordinator unreachable"))
	resp := newAdapter(e).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, MsgSessionFailed, resp.Body["error"])
	assert.Equal(t, map[string]any{"error": "coordinator unreachable"}, resp.Body["details"])
	assert.Equal(t, 1, e.calls())
}

func TestHandleStatusErrorDetails(t *testing.T) {
	e := errorEngine(&transport.StatusError{Op: "claim", Code: 409, Message: "already claimed"})
	resp := newAdapter(e).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	details := resp.Body["details"].(map[string]any)
	assert.Equal(t, "claim", details["op"])
	assert.Equal(t, 409, details["code"])
	assert.Contains(t, details["error"], "already claimed")
}

func TestHandleMissingStatus(t *testing.T) {
	e := outcomeEngine(types.Outcome{})
	resp := newAdapter(e).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	details := resp.Body["details"].(map[string]any)
	assert.Equal(t, worker.ErrMissingStatus.Error(), details["error"])
}

func TestHandleTaskErrorOutcome(t *testing.T) {
	e := outcomeEngine(types.Failed(errors.New("division by zero")))
	resp := newAdapter(e).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, map[string]any{
		"error":   MsgTaskFailed,
		"details": map[string]any{"status": "error", "message": "division by zero"},
	}, resp.Body)
}

func TestHandleRecoversPanic(t *testing.T) {
	e := &stubEngine{reply: func(types.UnclaimedTask) worker.Completion { panic("boom") }}
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	var resp types.Response
	require.NotPanics(t, func() {
		resp = newAdapter(e, WithMetrics(c)).Handle(context.Background(), helloRequest())
	})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, MsgInternal, resp.Body["error"])
	assert.Equal(t, map[string]any{"panic": "boom"}, resp.Body["details"])

	// in-flight gauge 必須歸位
	expected := `
# HELP faasbridge_sessions_in_flight Current number of sessions waiting for an outcome
# TYPE faasbridge_sessions_in_flight gauge
faasbridge_sessions_in_flight 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "faasbridge_sessions_in_flight"))
}

func TestHandleBaseURLOverride(t *testing.T) {
	e := outcomeEngine(types.Completed(nil))
	a := New(e, Config{TTL: time.Minute, BaseURLOverride: "https://pinned.example.com"})

	req := helloRequest()
	req.Body = []byte(`{"type":"resume","task":{"id":"t1","counter":2}}`)

	resp := a.Handle(context.Background(), req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, e.calls())
	assert.Equal(t, "https://pinned.example.com", e.tasks[0].BaseURL)
	assert.Equal(t, types.KindResume, e.tasks[0].Kind)
}

func TestHandleFreshIdentityPerInvocation(t *testing.T) {
	e := outcomeEngine(types.Completed("x"))
	a := newAdapter(e)

	a.Handle(context.Background(), helloRequest())
	a.Handle(context.Background(), helloRequest())

	require.Equal(t, 2, e.calls())
	assert.NotEqual(t, e.ids[0].ProcessID, e.ids[1].ProcessID)
}

func TestHandleCompletedIsStable(t *testing.T) {
	value := map[string]any{"sum": 3.0}
	a := newAdapter(outcomeEngine(types.Completed(value)))

	for i := 0; i < 3; i++ {
		resp := a.Handle(context.Background(), helloRequest())
		assert.Equal(t, "completed", resp.Body["status"])
		assert.Equal(t, value, resp.Body["result"])
	}
}

func TestHandleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	a := newAdapter(outcomeEngine(types.Completed("ok")), WithMetrics(c))

	a.Handle(context.Background(), helloRequest())
	bad := helloRequest()
	bad.Method = http.MethodGet
	a.Handle(context.Background(), bad)

	n, err := testutil.GatherAndCount(reg, "faasbridge_invocations_total", "faasbridge_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// ============================================================================
// End to end with the real runner
// ============================================================================

func TestHandleWithRunner(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister("hello", 1, func(_ *engine.Context, args []any) (any, error) {
		return "Hello, " + args[0].(string) + "!", nil
	})
	dial := func(string) (transport.Transport, error) {
		return nil, errors.New("ad hoc tasks must not dial")
	}

	resp := newAdapter(engine.NewRunner(reg, dial)).Handle(context.Background(), helloRequest())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{
		"status":     "completed",
		"result":     "Hello, World!",
		"requestUrl": "https://fn.example.com",
	}, resp.Body)
}

// ============================================================================
// HTTP surface
// ============================================================================

func TestServeHTTP(t *testing.T) {
	e := outcomeEngine(types.Completed("Hello, World!"))
	srv := httptest.NewServer(newAdapter(e))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/hello", strings.NewReader(helloBody))
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Proto", "https")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "Hello, World!", body["result"])
	assert.Equal(t, "https://"+strings.TrimPrefix(srv.URL, "http://")+"/hello", body["requestUrl"])
}

func TestServeHTTPMethodNotAllowed(t *testing.T) {
	e := outcomeEngine(types.Completed(nil))
	rec := httptest.NewRecorder()
	newAdapter(e).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method not allowed. Use POST."}`, rec.Body.String())
	assert.Zero(t, e.calls())
}

func TestServeHTTPBodyTooLarge(t *testing.T) {
	e := outcomeEngine(types.Completed(nil))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(helloBody))
	req.Header.Set("X-Forwarded-Proto", "https")

	newAdapter(e, WithMaxBodyBytes(16)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Request body too large"}`, string(body))
	assert.Zero(t, e.calls())
}

func TestServeHTTPUnencodableResult(t *testing.T) {
	e := outcomeEngine(types.Completed(make(chan int)))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(helloBody))
	req.Header.Set("X-Forwarded-Proto", "https")

	newAdapter(e).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), MsgInternal)
}
