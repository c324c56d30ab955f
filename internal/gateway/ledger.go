// ABOUTME: Records agent lifecycle events and request outcomes on the live feed and in the ledger
// ABOUTME: Ledger failures are logged and never affect request handling

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/broadcast"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/store"
)

// ledgerWriteTimeout bounds a single ledger write.
const ledgerWriteTimeout = 2 * time.Second

// ledger is the registry's EventSink. Every event goes to the live feed;
// it is also saved when a store is configured.
type ledger struct {
	store  store.Store // nil when the ledger is disabled
	events *broadcast.Broadcaster
	logger *slog.Logger
}

var _ agent.EventSink = (*ledger)(nil)

// RecordAgentEvent publishes and saves a registry lifecycle event.
func (l *ledger) RecordAgentEvent(ev agent.Event) {
	l.events.Publish(broadcast.Event{
		Kind:       string(ev.Type),
		Identity:   ev.Identity,
		ConnID:     ev.ConnID,
		Transport:  string(ev.Transport),
		RemoteAddr: ev.RemoteAddr,
		Detail:     ev.Detail,
		At:         ev.At,
	})

	if l.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	err := l.store.SaveAgentEvent(ctx, &store.AgentEvent{
		Type:       string(ev.Type),
		Identity:   ev.Identity,
		ConnID:     ev.ConnID,
		Transport:  string(ev.Transport),
		RemoteAddr: ev.RemoteAddr,
		Detail:     ev.Detail,
		CreatedAt:  ev.At,
	})
	if err != nil {
		l.logger.Warn("failed to record agent event",
			"type", ev.Type,
			"agent_id", ev.Identity,
			"error", err,
		)
	}
}

// recordRequest publishes the terminal outcome of a routed request and
// saves it when the ledger is enabled.
func (g *Gateway) recordRequest(p *correlation.Pending, elapsed time.Duration, err error) {
	outcome := outcomeOf(err)
	ev := broadcast.Event{
		Kind:          broadcast.KindRequestCompleted,
		Identity:      p.TargetIdentity,
		CorrelationID: p.ID,
		Action:        p.Action,
		Outcome:       outcome,
		DurationMS:    elapsed.Milliseconds(),
		At:            p.CreatedAt.Add(elapsed),
	}
	if err != nil {
		ev.Detail = err.Error()
	}
	g.events.Publish(ev)

	if g.store == nil {
		return
	}

	rec := &store.RequestRecord{
		CorrelationID: p.ID,
		Target:        p.TargetIdentity,
		Action:        p.Action,
		Outcome:       outcome,
		Duration:      elapsed,
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CreatedAt.Add(elapsed),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if saveErr := g.store.SaveRequest(ctx, rec); saveErr != nil {
		g.logger.Warn("failed to record request",
			"correlation_id", p.ID,
			"error", saveErr,
		)
	}
}
