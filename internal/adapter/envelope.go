package adapter

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
)

const msgEnvelope = "Request body must contain type and task"

var jsonNull = []byte("null")

// Translator turns a validated body into a task payload.
//
// BaseURLOverride, when set, replaces href.base and makes it optional.
type Translator struct {
	BaseURLOverride string
}

// Translate extracts type, task and href.base. task is forwarded untouched.
func (t Translator) Translate(body map[string]json.RawMessage) (types.TaskPayload, *Rejection) {
	var kind types.PayloadKind
	if err := json.Unmarshal(body["type"], &kind); err != nil || !kind.Valid() {
		return types.TaskPayload{}, reject(http.StatusBadRequest, ReasonEnvelope, msgEnvelope)
	}

	task := bytes.TrimSpace(body["task"])
	if len(task) == 0 || bytes.Equal(task, jsonNull) {
		return types.TaskPayload{}, reject(http.StatusBadRequest, ReasonEnvelope, msgEnvelope)
	}

	payload := types.TaskPayload{Kind: kind, Task: json.RawMessage(task)}

	if raw, ok := body["href"]; ok && !bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		if err := json.Unmarshal(raw, &payload.Href); err != nil {
			return types.TaskPayload{}, reject(http.StatusBadRequest, ReasonEnvelope, msgEnvelope)
		}
	}

	if t.BaseURLOverride != "" {
		payload.Href.Base = t.BaseURLOverride
	}
	if payload.Href.Base == "" {
		return types.TaskPayload{}, reject(http.StatusBadRequest, ReasonEnvelope, msgEnvelope)
	}

	return payload, nil
}
