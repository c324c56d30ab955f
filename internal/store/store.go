// ABOUTME: Store interface and record types for the relay ledger
// ABOUTME: Defines agent lifecycle events and request outcome records

package store

import (
	"context"
	"time"
)

// AgentEvent records one agent connection lifecycle transition.
type AgentEvent struct {
	ID         int64
	Type       string // agent_registered, agent_superseded, agent_disconnected, registration_timeout
	Identity   string // empty for connections that never registered
	ConnID     string
	Transport  string
	RemoteAddr string
	Detail     string
	CreatedAt  time.Time
}

// Request outcomes as stored in RequestRecord.Outcome.
const (
	OutcomeOK           = "ok"
	OutcomeAgentError   = "agent_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeSuperseded   = "superseded"
	OutcomeSendFailed   = "send_failed"
	OutcomeCancelled    = "cancelled"
	OutcomeShutdown     = "shutdown"
	OutcomeError        = "error"
)

// RequestRecord records the terminal outcome of one relayed request.
type RequestRecord struct {
	CorrelationID string
	Target        string
	Action        string
	Outcome       string
	Error         string
	Duration      time.Duration
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// ListParams filters ledger queries.
type ListParams struct {
	Identity string     // Optional: only rows for this agent
	Since    *time.Time // Optional: only rows at or after this time
	Limit    int        // 1-500, defaults to 50
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// normalizedLimit clamps Limit into range.
func (p ListParams) normalizedLimit() int {
	switch {
	case p.Limit <= 0:
		return defaultListLimit
	case p.Limit > maxListLimit:
		return maxListLimit
	default:
		return p.Limit
	}
}

// Store is the ledger the gateway writes to.
type Store interface {
	SaveAgentEvent(ctx context.Context, ev *AgentEvent) error
	ListAgentEvents(ctx context.Context, p ListParams) ([]*AgentEvent, error)

	SaveRequest(ctx context.Context, rec *RequestRecord) error
	ListRequests(ctx context.Context, p ListParams) ([]*RequestRecord, error)

	Close() error
}
