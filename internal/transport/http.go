package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// HTTPTransport speaks the task protocol as JSON over HTTP.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTP creates a transport for base using client.
func NewHTTP(base string, client *http.Client) *HTTPTransport {
	return &HTTPTransport{
		base:   strings.TrimRight(base, "/"),
		client: client,
	}
}

// HTTPDialer returns a Dialer sharing one client with the given timeout.
func HTTPDialer(timeout time.Duration) Dialer {
	client := &http.Client{Timeout: timeout}
	return func(baseURL string) (Transport, error) {
		if baseURL == "" {
			return nil, ErrNoBaseURL
		}
		return NewHTTP(baseURL, client), nil
	}
}

// Claim implements Transport.
func (t *HTTPTransport) Claim(ctx context.Context, req ClaimRequest) (*ClaimResponse, error) {
	var resp ClaimResponse
	if err := t.post(ctx, "claim", pathClaim, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete implements Transport.
func (t *HTTPTransport) Complete(ctx context.Context, req CompleteRequest) error {
	return t.post(ctx, "complete", pathComplete, req, nil)
}

// Suspend implements Transport.
func (t *HTTPTransport) Suspend(ctx context.Context, req SuspendRequest) error {
	return t.post(ctx, "suspend", pathSuspend, req, nil)
}

// Close releases idle connections held by the client.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("transport: %s: encode: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: %s: decode: %w", op, err)
	}
	return nil
}
