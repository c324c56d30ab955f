// ABOUTME: WebSocket acceptor: upgrades HTTP requests and runs one receive loop per agent.
// ABOUTME: Each text frame carries exactly one JSON envelope.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/protocol"
)

// WebSocketConfig tunes the WebSocket acceptor.
type WebSocketConfig struct {
	// MaxMessageBytes limits a single inbound frame. Zero uses DefaultMaxMessageBytes.
	MaxMessageBytes int64
	// WriteTimeout bounds a single frame write. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// WebSocketServer is an http.Handler that accepts agent connections.
type WebSocketServer struct {
	handler      Handler
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	readLimit    int64
	writeTimeout time.Duration
}

// NewWebSocketServer creates a WebSocket acceptor delivering events to h.
func NewWebSocketServer(h Handler, cfg WebSocketConfig, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	readLimit := cfg.MaxMessageBytes
	if readLimit <= 0 {
		readLimit = DefaultMaxMessageBytes
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketServer{
		handler: h,
		logger:  logger.With("component", "transport", "transport", KindWebSocket),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit:    readLimit,
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	c := &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		remoteAddr:   r.RemoteAddr,
		writeTimeout: s.writeTimeout,
	}
	s.serve(c)
}

func (s *WebSocketServer) serve(c *wsConn) {
	logger := s.logger.With("conn_id", c.id, "remote_addr", c.remoteAddr)
	logger.Debug("connection accepted")

	s.handler.OnOpen(c)
	err := s.readLoop(c)
	_ = c.Close()

	if err != nil {
		logger.Warn("connection closed with error", "error", err)
	} else {
		logger.Debug("connection closed")
	}
	s.handler.OnClose(c, err)
}

// readLoop reads frames until the connection ends. It returns nil for a
// clean close by either side.
func (s *WebSocketServer) readLoop(c *wsConn) error {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closed.Load():
				return nil
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil
			case errors.Is(err, websocket.ErrReadLimit):
				return fmt.Errorf("%w: frame exceeds %d bytes", protocol.ErrProtocol, s.readLimit)
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}
		if typ != websocket.TextMessage {
			return fmt.Errorf("%w: expected text frame, got type %d", protocol.ErrProtocol, typ)
		}

		msg, err := protocol.DecodeJSON(data)
		if err != nil {
			return err
		}
		s.handler.OnMessage(c, msg)
	}
}

// wsConn is a Conn backed by a gorilla WebSocket.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) Kind() Kind         { return KindWebSocket }
func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

func (c *wsConn) Send(ctx context.Context, msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.EncodeJSON(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Kind(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(writeDeadline(ctx, c.writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		// Every later write would fail with the same error.
		_ = c.Close()
		return fmt.Errorf("writing %s frame: %w", msg.Kind(), err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// WriteControl may run concurrently with other writers.
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}
