// ABOUTME: HTTP client for the gateway's caller API: invoke, status, agents, history, health.
// ABOUTME: Decodes the gateway's JSON responses and surfaces failures as *APIError.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/gateway"
)

// DefaultTimeout bounds calls other than Invoke.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode    int
	Code          string
	Message       string
	Agent         string
	CorrelationID string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gateway returned %d", e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Client calls one gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the gateway at addr, given as host:port or as
// an http(s) URL.
func New(addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("gateway address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway address must be http or https, got %q", addr)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gateway address %q has no host", addr)
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
	}, nil
}

// BaseURL returns the gateway URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// Health checks liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// Ready checks readiness: the gateway answers 503 until an agent registers.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil, nil)
}

// Status returns the gateway's status snapshot.
func (c *Client) Status(ctx context.Context) (*gateway.StatusResponse, error) {
	var out gateway.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents lists registered agents.
func (c *Client) Agents(ctx context.Context) ([]gateway.AgentStatus, error) {
	var out []gateway.AgentStatus
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvokeParams describes one relayed call.
type InvokeParams struct {
	Target         string
	Action         string
	Params         json.RawMessage
	Timeout        time.Duration
	IdempotencyKey string
}

// Invoke relays an action and waits for the agent's answer.
func (c *Client) Invoke(ctx context.Context, p InvokeParams) (*gateway.InvokeResponse, error) {
	body := gateway.InvokeRequestBody{
		Action:    p.Action,
		Params:    p.Params,
		Target:    p.Target,
		TimeoutMS: p.Timeout.Milliseconds(),
	}
	var headers http.Header
	if p.IdempotencyKey != "" {
		headers = http.Header{gateway.IdempotencyHeader: []string{p.IdempotencyKey}}
	}

	var out gateway.InvokeResponse
	if err := c.do(ctx, http.MethodPost, "/api/invoke", headers, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HistoryParams filters ledger queries.
type HistoryParams struct {
	Agent string
	Since time.Time
	Limit int
}

func (p HistoryParams) query(kind string) string {
	q := url.Values{}
	q.Set("type", kind)
	if p.Agent != "" {
		q.Set("agent", p.Agent)
	}
	if !p.Since.IsZero() {
		q.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q.Encode()
}

// Requests lists recorded request outcomes, newest first.
func (c *Client) Requests(ctx context.Context, p HistoryParams) ([]gateway.RequestRecordResponse, error) {
	var out []gateway.RequestRecordResponse
	if err := c.do(ctx, http.MethodGet, "/api/history?"+p.query("requests"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events lists recorded agent lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, p HistoryParams) ([]gateway.AgentEventResponse, error) {
	var out []gateway.AgentEventResponse
	if err := c.do(ctx, http.MethodGet, "/api/history?"+p.query("events"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, in, out any) error {
	if _, ok := ctx.Deadline(); !ok && path != "/api/invoke" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body gateway.InvokeErrorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.Agent = body.Agent
		apiErr.CorrelationID = body.CorrelationID
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
