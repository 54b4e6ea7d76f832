package coordinator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/ChuLiYu/faas-bridge/internal/transport"
)

const maxAdminBody = 1 << 20

// createRequest POST /tasks 的主體
type createRequest struct {
	ID      string          `json:"id"`
	Func    string          `json:"func"`
	Version int             `json:"version"`
	Args    json.RawMessage `json:"args"`
	Recv    string          `json:"recv"`
}

// rejectRequest POST /promises/{id}/reject 的主體
type rejectRequest struct {
	Error string `json:"error"`
}

// taskView 以 JSON 呈現任務，args / value 從 codec 轉回 JSON
type taskView struct {
	Task
	Args  json.RawMessage `json:"args,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (c *Coordinator) view(t Task) (taskView, error) {
	args, err := codec.Transcode(t.Args, c.codec, codec.JSON())
	if err != nil {
		return taskView{}, err
	}
	value, err := codec.Transcode(t.Value, c.codec, codec.JSON())
	if err != nil {
		return taskView{}, err
	}
	return taskView{Task: t, Args: args, Value: value}, nil
}

// Handler serves the worker endpoints (claim / complete / suspend) and a
// small admin API. Admin bodies are JSON; args and promise values are
// re-encoded with the coordinator's codec.
//
//	POST /tasks                   create a task
//	GET  /tasks/{id}              inspect a task
//	POST /promises/{id}/resolve   settle an awaited promise (body = value)
//	POST /promises/{id}/reject    reject an awaited promise (body = {"error": "..."})
//	GET  /stats                   task counts by state
func (c *Coordinator) Handler() http.Handler {
	worker := transport.NewHTTPHandler(c)

	mux := http.NewServeMux()
	mux.Handle("POST /tasks/claim", worker)
	mux.Handle("POST /tasks/complete", worker)
	mux.Handle("POST /tasks/suspend", worker)

	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil {
			http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
			return
		}
		args, err := codec.Transcode(req.Args, codec.JSON(), c.codec)
		if err != nil {
			http.Error(w, "malformed args: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.Create(Task{ID: req.ID, Func: req.Func, Version: req.Version, Args: args, Recv: req.Recv}); err != nil {
			writeError(w, err)
			return
		}
		task, _ := c.Get(req.ID)
		c.writeTask(w, http.StatusCreated, task)
	})

	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, ok := c.Get(r.PathValue("id"))
		if !ok {
			writeError(w, ErrTaskNotFound)
			return
		}
		c.writeTask(w, http.StatusOK, task)
	})

	mux.HandleFunc("POST /promises/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		value, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(value) {
			http.Error(w, "promise value must be JSON", http.StatusBadRequest)
			return
		}
		encoded, err := codec.Transcode(value, codec.JSON(), c.codec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.Resolve(r.PathValue("id"), encoded); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /promises/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		var req rejectRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil {
			http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.Reject(r.PathValue("id"), req.Error); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Stats())
	})

	return mux
}

func (c *Coordinator) writeTask(w http.ResponseWriter, code int, t Task) {
	v, err := c.view(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, code, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, transport.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, transport.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, ErrInvalidTask):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}
