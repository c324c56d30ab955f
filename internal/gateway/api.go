// ABOUTME: HTTP API handlers for invoking agent actions and querying relay state.
// ABOUTME: Provides POST /api/invoke, GET /api/status, /api/agents and /api/history.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/store"
)

// IdempotencyHeader carries an optional caller-chosen request key.
const IdempotencyHeader = "Idempotency-Key"

// InvokeRequestBody is the JSON request body for POST /api/invoke.
type InvokeRequestBody struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	Target    string          `json:"target,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// InvokeResponse is the JSON response for a successful POST /api/invoke.
type InvokeResponse struct {
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data"`
	Agent         string          `json:"agent"`
	CorrelationID string          `json:"correlation_id"`
	DurationMS    int64           `json:"duration_ms"`
}

// InvokeErrorResponse is the JSON response for a failed POST /api/invoke.
type InvokeErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Agent         string `json:"agent,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AgentStatus describes one registered agent in status responses.
type AgentStatus struct {
	Identity     string          `json:"identity"`
	ConnID       string          `json:"conn_id"`
	Transport    string          `json:"transport"`
	RemoteAddr   string          `json:"remote_addr,omitempty"`
	Version      string          `json:"version,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	RegisteredAt string          `json:"registered_at"`
	LastSeenAt   string          `json:"last_seen_at"`
	Stale        bool            `json:"stale"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	ServerID         string        `json:"server_id"`
	StartedAt        string        `json:"started_at"`
	AgentsRegistered int           `json:"agents_registered"`
	AgentsPending    int           `json:"agents_awaiting_registration"`
	PendingRequests  int           `json:"pending_requests"`
	DuplicateReplies int64         `json:"duplicate_replies"`
	UnmatchedReplies int64         `json:"unmatched_replies"`
	MisroutedReplies int64         `json:"misrouted_replies"`
	Agents           []AgentStatus `json:"agents"`
}

// AgentEventResponse is one entry of GET /api/history?type=events.
type AgentEventResponse struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	Identity   string `json:"identity,omitempty"`
	ConnID     string `json:"conn_id"`
	Transport  string `json:"transport"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// RequestRecordResponse is one entry of GET /api/history?type=requests.
type RequestRecordResponse struct {
	CorrelationID string `json:"correlation_id"`
	Target        string `json:"target"`
	Action        string `json:"action"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	CreatedAt     string `json:"created_at"`
	CompletedAt   string `json:"completed_at"`
}

// handleInvoke handles POST /api/invoke requests.
// It relays the action to an agent and blocks until the agent answers.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(g.config.Agents.MaxMessageBytes))
	var body InvokeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.TimeoutMS < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	result, err := g.Invoke(r.Context(), InvokeRequest{
		Target:         body.Target,
		Action:         body.Action,
		Params:         body.Params,
		Timeout:        time.Duration(body.TimeoutMS) * time.Millisecond,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		g.sendInvokeError(w, body.Target, err)
		return
	}

	data := result.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, InvokeResponse{
		Status:        "ok",
		Data:          data,
		Agent:         result.Agent,
		CorrelationID: result.CorrelationID,
		DurationMS:    result.Duration.Milliseconds(),
	})
}

// sendInvokeError maps an Invoke failure to its HTTP status and body.
func (g *Gateway) sendInvokeError(w http.ResponseWriter, target string, err error) {
	status, code := classifyError(err)
	resp := InvokeErrorResponse{Error: err.Error(), Code: code, Agent: target}

	var invokeErr *InvokeError
	if errors.As(err, &invokeErr) {
		resp.Agent = invokeErr.Agent
		resp.CorrelationID = invokeErr.CorrelationID
		resp.Error = invokeErr.Err.Error()
	}

	if isRoutingError(err) {
		g.logger.Debug("invoke rejected", "target", target, "status", status, "error", err)
	} else if status >= http.StatusInternalServerError {
		g.logger.Warn("invoke failed",
			"agent_id", resp.Agent,
			"correlation_id", resp.CorrelationID,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}

// classifyError returns the HTTP status and a stable error code for err.
// The four core outcome classes stay distinct: unavailable (503),
// routed-but-failed-to-answer (502), agent-reported failure (500) and
// success (200, not handled here).
func classifyError(err error) (int, string) {
	var agentErr *correlation.AgentError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, agent.ErrNoAgentsConnected):
		return http.StatusServiceUnavailable, "no_agents_connected"
	case errors.Is(err, agent.ErrUnknownTarget):
		return http.StatusNotFound, "unknown_target"
	case errors.Is(err, correlation.ErrTooManyPending):
		return http.StatusTooManyRequests, "too_many_pending"
	case errors.Is(err, correlation.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.As(err, &agentErr):
		return http.StatusInternalServerError, "agent_error"
	case errors.Is(err, correlation.ErrRequestTimeout):
		return http.StatusBadGateway, "timeout"
	case errors.Is(err, correlation.ErrAgentDisconnected):
		return http.StatusBadGateway, "agent_disconnected"
	case errors.Is(err, correlation.ErrSuperseded):
		return http.StatusBadGateway, "superseded"
	case errors.Is(err, correlation.ErrSendFailed):
		return http.StatusBadGateway, "send_failed"
	default:
		return http.StatusBadGateway, "relay_error"
	}
}

// handleStatus handles GET /api/status requests.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.Status())
}

// Status returns a point-in-time view of registered agents and pending requests.
func (g *Gateway) Status() StatusResponse {
	stats := g.table.Stats()
	agents := g.agentStatuses()
	return StatusResponse{
		ServerID:         g.serverID,
		StartedAt:        g.startedAt.UTC().Format(time.RFC3339),
		AgentsRegistered: len(agents),
		AgentsPending:    g.registry.Provisional(),
		PendingRequests:  stats.Pending,
		DuplicateReplies: stats.DuplicateReplies,
		UnmatchedReplies: stats.UnmatchedReplies,
		MisroutedReplies: stats.MisroutedReplies,
		Agents:           agents,
	}
}

func (g *Gateway) agentStatuses() []AgentStatus {
	snapshot := g.registry.Snapshot()
	out := make([]AgentStatus, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, AgentStatus{
			Identity:     a.Identity,
			ConnID:       a.ConnID,
			Transport:    string(a.Transport),
			RemoteAddr:   a.RemoteAddr,
			Version:      a.Version,
			Capabilities: a.Capabilities,
			Metadata:     a.Metadata,
			RegisteredAt: a.RegisteredAt.UTC().Format(time.RFC3339Nano),
			LastSeenAt:   a.LastSeen.UTC().Format(time.RFC3339Nano),
			Stale:        a.Stale,
		})
	}
	return out
}

// handleListAgents handles GET /api/agents requests.
// It returns a JSON array of all registered agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.agentStatuses())
}

// handleHistory handles GET /api/history requests.
// Query parameters: type (requests or events, default requests), agent,
// since (RFC 3339) and limit (1-500, default 50).
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "ledger disabled (set database.path)")
		return
	}

	params, err := parseListParams(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch kind := r.URL.Query().Get("type"); kind {
	case "", "requests":
		records, err := g.store.ListRequests(r.Context(), params)
		if err != nil {
			g.logger.Error("failed to list requests", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		response := make([]RequestRecordResponse, len(records))
		for i, rec := range records {
			response[i] = RequestRecordResponse{
				CorrelationID: rec.CorrelationID,
				Target:        rec.Target,
				Action:        rec.Action,
				Outcome:       rec.Outcome,
				Error:         rec.Error,
				DurationMS:    rec.Duration.Milliseconds(),
				CreatedAt:     rec.CreatedAt.Format(time.RFC3339Nano),
				CompletedAt:   rec.CompletedAt.Format(time.RFC3339Nano),
			}
		}
		writeJSON(w, http.StatusOK, response)

	case "events":
		events, err := g.store.ListAgentEvents(r.Context(), params)
		if err != nil {
			g.logger.Error("failed to list agent events", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		response := make([]AgentEventResponse, len(events))
		for i, ev := range events {
			response[i] = AgentEventResponse{
				ID:         ev.ID,
				Type:       ev.Type,
				Identity:   ev.Identity,
				ConnID:     ev.ConnID,
				Transport:  ev.Transport,
				RemoteAddr: ev.RemoteAddr,
				Detail:     ev.Detail,
				Timestamp:  ev.CreatedAt.Format(time.RFC3339Nano),
			}
		}
		writeJSON(w, http.StatusOK, response)

	default:
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown history type %q", kind))
	}
}

// parseListParams reads the history filters from the query string.
func parseListParams(r *http.Request) (store.ListParams, error) {
	q := r.URL.Query()
	params := store.ListParams{Identity: q.Get("agent")}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return params, errors.New("limit must be a positive integer")
		}
		params.Limit = limit
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return params, errors.New("since must be an RFC 3339 timestamp")
		}
		params.Since = &since
	}
	return params, nil
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
