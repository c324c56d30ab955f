// ABOUTME: Heartbeat monitor that pings registered agents and flags stale ones.
// ABOUTME: Staleness is reported only; connections are never closed for it.

package agent

import (
	"context"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

// RunKeepalive pings every registered agent each HeartbeatInterval until
// ctx is done. Agents silent for longer than HeartbeatTimeout are logged
// as stale once per silent period. It returns immediately when
// HeartbeatInterval is zero.
func (r *Registry) RunKeepalive(ctx context.Context) {
	if r.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// heartbeat runs one keepalive round.
func (r *Registry) heartbeat(ctx context.Context) {
	for _, c := range r.registered() {
		if c.Stale(r.cfg.HeartbeatTimeout) && !c.stale.Swap(true) {
			r.logger.Warn("agent stale",
				"agent_id", c.identity,
				"last_seen", c.LastSeen(),
				"timeout", r.cfg.HeartbeatTimeout,
			)
		}

		sendCtx, cancel := context.WithTimeout(ctx, controlSendTimeout)
		err := c.Send(sendCtx, protocol.Ping{})
		cancel()
		if err != nil {
			r.logger.Debug("sending ping failed", "agent_id", c.identity, "error", err)
		}
	}
}
