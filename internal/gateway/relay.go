// ABOUTME: Invoke relays one caller request to an agent and waits for its reply.
// ABOUTME: Resolves the target, applies timeout bounds, and records the outcome in the ledger.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/store"
)

// ErrInvalidRequest indicates a malformed invoke request.
var ErrInvalidRequest = errors.New("invalid request")

// ErrDuplicateRequest indicates an idempotency key that was already used.
var ErrDuplicateRequest = errors.New("duplicate request")

// InvokeRequest asks an agent to perform an action.
type InvokeRequest struct {
	// Target is the agent identity. Empty selects the default agent.
	Target string
	Action string
	Params json.RawMessage
	// Timeout bounds the wait for the agent's reply. Zero uses the
	// configured default; larger values are capped at the configured max.
	Timeout time.Duration
	// IdempotencyKey, when set, makes a repeated request with the same key
	// fail with ErrDuplicateRequest instead of reaching the agent twice.
	IdempotencyKey string
}

// InvokeResult is a successful reply from an agent.
type InvokeResult struct {
	CorrelationID string
	Agent         string
	Data          json.RawMessage
	Duration      time.Duration
}

// InvokeError is a failure that happened after a request was routed. It
// carries the correlation ID so callers can find it in logs and history.
type InvokeError struct {
	CorrelationID string
	Agent         string
	Err           error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("request %s to agent %s: %v", e.CorrelationID, e.Agent, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Invoke routes req to its agent and blocks until the agent replies, the
// timeout elapses, the agent goes away, or ctx is done.
//
// Routing failures (ErrNoAgentsConnected, ErrUnknownTarget) return before
// any request state is created. Failures after routing are *InvokeError.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if strings.TrimSpace(req.Action) == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return nil, fmt.Errorf("%w: params must be valid JSON", ErrInvalidRequest)
	}
	if req.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	conn, err := g.registry.Route(req.Target)
	if err != nil {
		g.logger.Debug("request not routed",
			"target", req.Target,
			"action", req.Action,
			"error", err,
		)
		return nil, err
	}

	// The key is only spent once the request is routed; a caller retrying
	// after a routing failure is not a duplicate.
	if req.IdempotencyKey != "" && !g.idempotency.MarkIfNew(req.IdempotencyKey) {
		g.logger.Debug("duplicate request ignored", "idempotency_key", req.IdempotencyKey)
		return nil, fmt.Errorf("%w: idempotency key %q already used", ErrDuplicateRequest, req.IdempotencyKey)
	}

	p, err := g.table.CreatePending(ctx, conn, req.Action, req.Params, g.requestTimeout(req.Timeout))
	if err != nil {
		if req.IdempotencyKey != "" {
			g.idempotency.Forget(req.IdempotencyKey)
		}
		return nil, fmt.Errorf("creating request for agent %s: %w", conn.Identity(), err)
	}

	data, err := p.Wait(ctx)
	elapsed := time.Since(p.CreatedAt)
	g.recordRequest(p, elapsed, err)

	if err != nil {
		return nil, &InvokeError{CorrelationID: p.ID, Agent: p.TargetIdentity, Err: err}
	}
	return &InvokeResult{
		CorrelationID: p.ID,
		Agent:         p.TargetIdentity,
		Data:          data,
		Duration:      elapsed,
	}, nil
}

// requestTimeout applies the configured default and ceiling.
func (g *Gateway) requestTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return g.config.Requests.DefaultTimeout
	}
	if max := g.config.Requests.MaxTimeout; max > 0 && requested > max {
		return max
	}
	return requested
}

// outcomeOf classifies a terminal request error for the ledger.
func outcomeOf(err error) string {
	var agentErr *correlation.AgentError
	switch {
	case err == nil:
		return store.OutcomeOK
	case errors.As(err, &agentErr):
		return store.OutcomeAgentError
	case errors.Is(err, correlation.ErrRequestTimeout):
		return store.OutcomeTimeout
	case errors.Is(err, correlation.ErrAgentDisconnected):
		return store.OutcomeDisconnected
	case errors.Is(err, correlation.ErrSuperseded):
		return store.OutcomeSuperseded
	case errors.Is(err, correlation.ErrSendFailed):
		return store.OutcomeSendFailed
	case errors.Is(err, correlation.ErrShuttingDown):
		return store.OutcomeShutdown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return store.OutcomeCancelled
	default:
		return store.OutcomeError
	}
}

// isRoutingError reports whether err was raised before a request existed.
func isRoutingError(err error) bool {
	return errors.Is(err, agent.ErrNoAgentsConnected) || errors.Is(err, agent.ErrUnknownTarget)
}
