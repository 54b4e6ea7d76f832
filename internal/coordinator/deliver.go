package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ChuLiYu/faas-bridge/pkg/types"
	"go.uber.org/zap"
)

// Deliverer posts notifications to function URLs the way a serverless
// gateway would, including the forwarded-protocol header.
type Deliverer struct {
	client *http.Client
	log    *zap.Logger
}

// NewDeliverer 建立 Deliverer；client 為 nil 時使用 http.DefaultClient
func NewDeliverer(client *http.Client, log *zap.Logger) *Deliverer {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Deliverer{client: client, log: log}
}

// Deliver 送出一次呼叫並回傳 function 的回應
func (d *Deliverer) Deliver(ctx context.Context, n Notification) (types.Response, error) {
	target, err := url.Parse(n.Recv)
	if err != nil {
		return types.Response{}, fmt.Errorf("coordinator: bad recv %q: %w", n.Recv, err)
	}

	body, err := json.Marshal(n.Payload())
	if err != nil {
		return types.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return types.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Proto", target.Scheme)

	resp, err := d.client.Do(req)
	if err != nil {
		return types.Response{}, fmt.Errorf("coordinator: deliver %s to %s: %w", n.TaskID, n.Recv, err)
	}
	defer resp.Body.Close()

	out := types.Response{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out.Body); err != nil {
			return out, fmt.Errorf("coordinator: decode response from %s: %w", n.Recv, err)
		}
	}

	d.log.Info("notification delivered",
		zap.String("task_id", n.TaskID),
		zap.String("kind", string(n.Kind)),
		zap.Int("counter", n.Counter),
		zap.Int("status", resp.StatusCode))
	return out, nil
}
