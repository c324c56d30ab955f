// ABOUTME: Connection and handler contracts shared by the WebSocket and gRPC acceptors.
// ABOUTME: Each acceptor owns the receive loop and reports lifecycle events to a Handler.

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

// ErrClosed is returned when sending on a connection that has been closed.
var ErrClosed = errors.New("connection closed")

// Kind identifies which acceptor produced a connection.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindGRPC      Kind = "grpc"
)

// DefaultWriteTimeout bounds a single frame write when the caller's
// context carries no earlier deadline.
const DefaultWriteTimeout = 10 * time.Second

// DefaultMaxMessageBytes is the inbound frame limit when none is configured.
const DefaultMaxMessageBytes = 1 << 20

// Conn is one accepted agent connection.
type Conn interface {
	// ID is unique per accepted connection, not per agent.
	ID() string
	Kind() Kind
	RemoteAddr() string
	// Send writes one message. Safe for concurrent use.
	Send(ctx context.Context, msg protocol.Message) error
	// Close tears the connection down. The receive loop then ends and
	// OnClose is delivered. Safe to call more than once.
	Close() error
}

// Handler receives connection lifecycle events. For a given connection
// the calls are sequential: OnOpen, any number of OnMessage, then exactly
// one OnClose. A nil error in OnClose means a clean shutdown by either side.
type Handler interface {
	OnOpen(c Conn)
	OnMessage(c Conn, msg protocol.Message)
	OnClose(c Conn, err error)
}

// writeDeadline returns the earlier of ctx's deadline and now+timeout.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
