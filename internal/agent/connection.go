// ABOUTME: Represents a single registered agent and the transport handle it owns.
// ABOUTME: Tracks liveness and refuses sends once the registry has retired it.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/transport"
)

// Connection is a registered agent: a logical identity bound to one live
// transport handle.
type Connection struct {
	identity     string
	metadata     json.RawMessage
	info         protocol.MetadataInfo
	registeredAt time.Time
	seq          uint64 // registration order, for default selection

	handle transport.Conn
	logger *slog.Logger

	lastSeen atomic.Int64 // unix nanoseconds
	closed   atomic.Bool  // set under the registry lock on disconnect or supersession
	ready    atomic.Bool  // set after the registration ack is written
	stale    atomic.Bool
}

func newConnection(handle transport.Conn, reg protocol.Register, seq uint64, logger *slog.Logger) *Connection {
	now := time.Now()
	c := &Connection{
		identity:     reg.Identity,
		metadata:     reg.Metadata,
		info:         reg.Info(),
		registeredAt: now,
		seq:          seq,
		handle:       handle,
		logger:       logger,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Identity returns the logical name the agent registered under.
func (c *Connection) Identity() string { return c.identity }

// Metadata returns the opaque metadata sent at registration.
func (c *Connection) Metadata() json.RawMessage { return c.metadata }

// Info returns the well-known metadata fields.
func (c *Connection) Info() protocol.MetadataInfo { return c.info }

// RegisteredAt returns when the registration completed.
func (c *Connection) RegisteredAt() time.Time { return c.registeredAt }

// LastSeen returns when the agent last sent any message.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// ConnID returns the transport handle's ID.
func (c *Connection) ConnID() string { return c.handle.ID() }

// Transport returns which acceptor the agent connected through.
func (c *Connection) Transport() transport.Kind { return c.handle.Kind() }

// RemoteAddr returns the agent's network address.
func (c *Connection) RemoteAddr() string { return c.handle.RemoteAddr() }

// Closed reports whether the registry has retired this connection.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Stale reports whether nothing was heard from the agent within timeout.
func (c *Connection) Stale(timeout time.Duration) bool {
	return timeout > 0 && time.Since(c.LastSeen()) > timeout
}

// Send writes msg to the agent. It fails once the connection has been
// retired, even if the underlying handle has not finished closing.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	if c.closed.Load() {
		return fmt.Errorf("agent %s: %w", c.identity, transport.ErrClosed)
	}
	return c.handle.Send(ctx, msg)
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
	if c.stale.Swap(false) {
		c.logger.Info("agent responsive again", "agent_id", c.identity)
	}
}
