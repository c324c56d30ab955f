// ABOUTME: Tracks in-flight requests by correlation ID and completes each exactly once.
// ABOUTME: Owns request timeouts and matches agent replies back to the waiting caller.

package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/protocol"
)

// ErrRequestTimeout indicates the agent did not reply before the deadline.
var ErrRequestTimeout = errors.New("request timed out")

// ErrAgentDisconnected indicates the target agent's connection dropped while the request was pending.
var ErrAgentDisconnected = errors.New("agent disconnected while request was pending")

// ErrSuperseded indicates a newer registration replaced the target connection before it replied.
var ErrSuperseded = errors.New("agent connection superseded by a newer registration")

// ErrSendFailed indicates the request could not be written to the agent connection.
var ErrSendFailed = errors.New("failed to deliver request to agent")

// ErrTooManyPending indicates the pending-request bound was reached.
var ErrTooManyPending = errors.New("too many pending requests")

// ErrShuttingDown indicates the table was closed while the request was pending.
var ErrShuttingDown = errors.New("relay shutting down")

// AgentError is a failure reported by the agent in its response.
type AgentError struct {
	Identity string
	Message  string
}

func (e *AgentError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent %s reported failure", e.Identity)
	}
	return fmt.Sprintf("agent %s reported failure: %s", e.Identity, e.Message)
}

// Target is the connection a request is routed to.
type Target interface {
	Identity() string
	Send(ctx context.Context, msg protocol.Message) error
}

// Outcome is the single result delivered to a waiting caller.
type Outcome struct {
	Data json.RawMessage
	Err  error
}

// Pending is an in-flight request awaiting its outcome.
type Pending struct {
	ID             string
	TargetIdentity string
	Action         string
	Params         json.RawMessage
	CreatedAt      time.Time
	Deadline       time.Time

	timer *time.Timer
	done  chan Outcome // capacity 1, written exactly once
	table *Table
}

// Wait blocks until the request completes or ctx is done. Cancellation
// competes with every other completion source; whichever wins decides
// the returned outcome.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case o := <-p.done:
		return o.Data, o.Err
	case <-ctx.Done():
		p.table.complete(p.ID, Outcome{Err: ctx.Err()})
		o := <-p.done
		return o.Data, o.Err
	}
}

// Config configures a Table.
type Config struct {
	Logger *slog.Logger

	// MaxPending bounds concurrently pending requests. Zero means unbounded.
	MaxPending int

	// Recent remembers completed correlation IDs so late or duplicate
	// replies can be told apart from unknown ones. Optional.
	Recent *dedupe.Cache
}

// Stats is a snapshot of table counters.
type Stats struct {
	Pending          int
	DuplicateReplies int64
	UnmatchedReplies int64
	MisroutedReplies int64
}

// Table is the correlation table. All access to the pending map goes
// through its methods.
type Table struct {
	mu         sync.Mutex
	pending    map[string]*Pending
	maxPending int
	recent     *dedupe.Cache
	logger     *slog.Logger
	newID      func() (string, error)
	closed     bool

	duplicates atomic.Int64
	unmatched  atomic.Int64
	misrouted  atomic.Int64
}

// NewTable creates an empty correlation table.
func NewTable(cfg Config) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending:    make(map[string]*Pending),
		maxPending: cfg.MaxPending,
		recent:     cfg.Recent,
		logger:     logger,
		newID:      randomID,
	}
}

// randomID returns a version 4 UUID drawn from crypto/rand.
func randomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// CreatePending registers a request for target, arms its timeout and sends
// the request frame. A send failure completes the request with
// ErrSendFailed; the caller observes it through Wait.
func (t *Table) CreatePending(ctx context.Context, target Target, action string, params json.RawMessage, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", timeout)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if t.maxPending > 0 && len(t.pending) >= t.maxPending {
		t.mu.Unlock()
		return nil, ErrTooManyPending
	}

	id, err := t.uniqueIDLocked()
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("generating correlation id: %w", err)
	}

	now := time.Now()
	p := &Pending{
		ID:             id,
		TargetIdentity: target.Identity(),
		Action:         action,
		Params:         params,
		CreatedAt:      now,
		Deadline:       now.Add(timeout),
		done:           make(chan Outcome, 1),
		table:          t,
	}
	t.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { t.expire(id, timeout) })
	t.mu.Unlock()

	// The send shares the request's deadline so a stalled agent cannot
	// hold the caller past its timeout.
	sendCtx, cancel := context.WithDeadline(ctx, p.Deadline)
	defer cancel()

	req := protocol.Request{CorrelationID: id, Action: action, Params: params}
	if err := target.Send(sendCtx, req); err != nil {
		t.logger.Warn("sending request failed",
			"correlation_id", id,
			"agent_id", p.TargetIdentity,
			"action", action,
			"error", err,
		)
		t.complete(id, Outcome{Err: fmt.Errorf("%w: %v", ErrSendFailed, err)})
		return p, nil
	}

	t.logger.Debug("→ request routed",
		"correlation_id", id,
		"agent_id", p.TargetIdentity,
		"action", action,
		"timeout", timeout,
	)
	return p, nil
}

// uniqueIDLocked draws IDs until one is free. Caller holds mu.
func (t *Table) uniqueIDLocked() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id, err := t.newID()
		if err != nil {
			return "", err
		}
		if _, taken := t.pending[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("no free correlation id after repeated attempts")
}

// Resolve completes the request with a successful reply from identity.
// It reports whether a pending request was completed; a late, duplicate
// or misrouted reply is logged and has no effect.
func (t *Table) Resolve(identity, correlationID string, data json.RawMessage) bool {
	return t.answer(identity, correlationID, Outcome{Data: data})
}

// Fail completes the request with a failure reported by identity.
func (t *Table) Fail(identity, correlationID, message string) bool {
	return t.answer(identity, correlationID, Outcome{Err: &AgentError{Identity: identity, Message: message}})
}

// answer completes a request from an agent reply. Only the agent the
// request was routed to may answer it.
func (t *Table) answer(identity, correlationID string, outcome Outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok {
		t.mu.Unlock()
		t.dropReply(identity, correlationID)
		return false
	}
	if p.TargetIdentity != identity {
		t.mu.Unlock()
		t.misrouted.Add(1)
		t.logger.Warn("reply from non-target agent dropped",
			"correlation_id", correlationID,
			"agent_id", identity,
			"target_agent_id", p.TargetIdentity,
		)
		return false
	}
	delete(t.pending, correlationID)
	t.mu.Unlock()

	t.finish(p, outcome)
	t.logger.Debug("← agent replied",
		"correlation_id", correlationID,
		"agent_id", identity,
		"action", p.Action,
		"success", outcome.Err == nil,
		"elapsed", time.Since(p.CreatedAt),
	)
	return true
}

// dropReply logs a reply whose correlation ID is not pending.
func (t *Table) dropReply(identity, correlationID string) {
	if t.recent != nil && t.recent.Seen(correlationID) {
		t.duplicates.Add(1)
		t.logger.Debug("duplicate reply ignored",
			"correlation_id", correlationID,
			"agent_id", identity,
		)
		return
	}
	t.unmatched.Add(1)
	t.logger.Warn("received reply for unknown request",
		"correlation_id", correlationID,
		"agent_id", identity,
	)
}

// expire fires from the request's timer.
func (t *Table) expire(correlationID string, timeout time.Duration) {
	if t.complete(correlationID, Outcome{Err: ErrRequestTimeout}) {
		t.logger.Warn("request timed out",
			"correlation_id", correlationID,
			"timeout", timeout,
		)
	}
}

// complete removes the request and delivers outcome. It reports false
// if the request had already completed.
func (t *Table) complete(correlationID string, outcome Outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.finish(p, outcome)
	return true
}

// finish delivers the outcome of a request already removed from the map.
// Removal under mu is the single point that decides the winner, so this
// runs at most once per request.
func (t *Table) finish(p *Pending, outcome Outcome) {
	p.timer.Stop()
	p.done <- outcome
	if t.recent != nil {
		t.recent.Mark(p.ID)
	}
}

// RejectByIdentity fails every request routed to identity with reason
// and returns how many were failed.
func (t *Table) RejectByIdentity(identity string, reason error) int {
	t.mu.Lock()
	var matched []*Pending
	for id, p := range t.pending {
		if p.TargetIdentity == identity {
			matched = append(matched, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range matched {
		t.finish(p, Outcome{Err: reason})
	}
	if len(matched) > 0 {
		t.logger.Info("rejected pending requests",
			"agent_id", identity,
			"count", len(matched),
			"reason", reason,
		)
	}
	return len(matched)
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		Pending:          t.Len(),
		DuplicateReplies: t.duplicates.Load(),
		UnmatchedReplies: t.unmatched.Load(),
		MisroutedReplies: t.misrouted.Load(),
	}
}

// Close fails every pending request with ErrShuttingDown and refuses new
// ones, so no caller stays blocked past shutdown.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	all := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		all = append(all, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range all {
		t.finish(p, Outcome{Err: ErrShuttingDown})
	}
	t.logger.Info("correlation table closed", "pending_cancelled", len(all))
}
