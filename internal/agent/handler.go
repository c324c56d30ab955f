// ABOUTME: Implements transport.Handler: turns connection events into registry operations.
// ABOUTME: Routes replies to the correlation table and answers pings.

package agent

import (
	"context"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/transport"
)

// controlSendTimeout bounds acks and pongs written from the receive loop.
const controlSendTimeout = 5 * time.Second

func sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), controlSendTimeout)
}

var _ transport.Handler = (*Registry)(nil)

// OnOpen implements transport.Handler.
func (r *Registry) OnOpen(c transport.Conn) {
	r.AcceptProvisional(c)
}

// OnClose implements transport.Handler.
func (r *Registry) OnClose(c transport.Conn, err error) {
	r.OnDisconnect(c, err)
}

// OnMessage implements transport.Handler.
func (r *Registry) OnMessage(c transport.Conn, msg protocol.Message) {
	conn := r.connectionFor(c)
	if conn != nil {
		conn.touch()
	}

	switch m := msg.(type) {
	case protocol.Register:
		if conn != nil {
			r.violation(c, "second register on a registered connection", nil)
			return
		}
		if _, err := r.CompleteRegistration(c, m); err != nil {
			r.violation(c, "registration rejected", err)
		}

	case protocol.Response:
		if conn == nil {
			r.violation(c, "response before registration", nil)
			return
		}
		if m.Success {
			r.table.Resolve(conn.identity, m.CorrelationID, m.Data)
		} else {
			r.table.Fail(conn.identity, m.CorrelationID, m.Error)
		}

	case protocol.Ping:
		ctx, cancel := sendContext()
		defer cancel()
		if err := c.Send(ctx, protocol.Pong{}); err != nil {
			r.logger.Debug("sending pong failed", "conn_id", c.ID(), "error", err)
		}

	case protocol.Pong:
		// Liveness was refreshed above.

	default:
		r.violation(c, "unexpected "+string(msg.Kind())+" from agent", nil)
	}
}

// violation logs a protocol violation and closes the connection. The
// transport then reports OnClose, which cleans up registry state.
func (r *Registry) violation(c transport.Conn, what string, err error) {
	r.logger.Warn("protocol violation, closing connection",
		"conn_id", c.ID(),
		"remote_addr", c.RemoteAddr(),
		"violation", what,
		"error", err,
	)
	_ = c.Close()
}
