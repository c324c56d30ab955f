// ABOUTME: Request handlers for the reference agent: echo and an HTTP forwarder.
// ABOUTME: The forwarder turns each action into a POST against a local device service.

package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxForwardResponseBytes bounds the body read back from a forward target.
const maxForwardResponseBytes = 1 << 20

// Handler answers one request. The returned data becomes the response's
// data field; a non-nil error becomes a failed response carrying its text.
type Handler interface {
	Handle(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, action, params)
}

// Echo returns a handler that answers {"action": ..., "params": ...}.
func Echo() Handler {
	return HandlerFunc(func(_ context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		if len(params) == 0 {
			params = json.RawMessage("null")
		}
		return json.Marshal(struct {
			Action string          `json:"action"`
			Params json.RawMessage `json:"params"`
		}{action, params})
	})
}

// HTTPForwarder relays each request to an HTTP service as
// POST <BaseURL>/<action> with the params as the JSON body.
type HTTPForwarder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPForwarder creates a forwarder for baseURL. A zero timeout leaves
// the request bounded only by the handler context.
func NewHTTPForwarder(baseURL string, timeout time.Duration) (*HTTPForwarder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing forward URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("forward URL must be http or https, got %q", baseURL)
	}
	return &HTTPForwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Handle implements Handler.
func (f *HTTPForwarder) Handle(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	target, err := url.JoinPath(f.baseURL, action)
	if err != nil {
		return nil, fmt.Errorf("building forward URL: %w", err)
	}

	body := []byte(params)
	if len(body) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding %s: %w", action, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading forward response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%s returned %d: %s", target, resp.StatusCode, msg)
	}

	return asJSON(respBody), nil
}

// asJSON passes JSON bodies through and quotes anything else as a string.
func asJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
