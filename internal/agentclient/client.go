// ABOUTME: Reference agent: dials the gateway, registers, answers requests and reconnects.
// ABOUTME: One session per connection; requests are handled concurrently within a session.

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

// Errors returned by a session.
var (
	ErrRegistrationTimeout = errors.New("no registration acknowledgement from gateway")
	ErrUnexpectedMessage   = errors.New("unexpected message from gateway")
)

// Defaults applied by New.
const (
	DefaultMinBackoff      = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultRegisterTimeout = 10 * time.Second
	DefaultHandlerTimeout  = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// GatewayURL is ws://, wss:// or grpc:// (see package docs).
	GatewayURL string
	Identity   string

	Version      string
	Capabilities []string
	// Extra is merged into the registration metadata.
	Extra map[string]any

	// Handler answers requests. Defaults to Echo.
	Handler Handler

	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	RegisterTimeout time.Duration
	HandlerTimeout  time.Duration
	MaxMessageBytes int
}

// Client keeps one agent connected to the gateway.
type Client struct {
	cfg      Config
	url      *url.URL
	metadata json.RawMessage
	logger   *slog.Logger

	registered atomic.Bool
	sessions   atomic.Int64
	handled    atomic.Int64
}

// New validates cfg and creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.Identity = strings.TrimSpace(cfg.Identity)
	if cfg.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if len(cfg.Identity) > protocol.MaxIdentityLength {
		return nil, fmt.Errorf("identity exceeds %d bytes", protocol.MaxIdentityLength)
	}
	u, err := parseGatewayURL(cfg.GatewayURL)
	if err != nil {
		return nil, err
	}

	if cfg.Handler == nil {
		cfg.Handler = Echo()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}

	meta := make(map[string]any, len(cfg.Extra)+2)
	for k, v := range cfg.Extra {
		meta[k] = v
	}
	if cfg.Version != "" {
		meta["version"] = cfg.Version
	}
	if len(cfg.Capabilities) > 0 {
		meta["capabilities"] = cfg.Capabilities
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:      cfg,
		url:      u,
		metadata: metadata,
		logger:   logger.With("component", "agentclient", "identity", cfg.Identity),
	}, nil
}

// Registered reports whether the current session holds a registration.
func (c *Client) Registered() bool { return c.registered.Load() }

// Sessions returns how many registrations have succeeded so far.
func (c *Client) Sessions() int64 { return c.sessions.Load() }

// Handled returns how many requests have been answered.
func (c *Client) Handled() int64 { return c.handled.Load() }

// Run keeps the agent connected until ctx is cancelled, which is not an error.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		registered, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff = c.cfg.MinBackoff
		}

		c.logger.Warn("gateway connection lost, reconnecting",
			"gateway", c.url.Redacted(),
			"error", err,
			"backoff", backoff,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// RunOnce runs a single session and returns when its connection ends.
func (c *Client) RunOnce(ctx context.Context) error {
	_, err := c.runSession(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runSession dials, registers and serves requests until the connection
// fails. It reports whether registration succeeded.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	l, err := dial(ctx, c.url, c.cfg.MaxMessageBytes)
	if err != nil {
		return false, err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = l.close()
		wg.Wait()
		c.registered.Store(false)
	}()

	// Cancellation unblocks the receive loop by closing the link.
	stop := context.AfterFunc(sessionCtx, func() { _ = l.close() })
	defer stop()

	if err := c.register(sessionCtx, l); err != nil {
		return false, err
	}

	for {
		msg, err := l.recv()
		if err != nil {
			return true, err
		}

		switch m := msg.(type) {
		case protocol.Request:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handle(sessionCtx, l, m)
			}()

		case protocol.Ping:
			if err := l.send(sessionCtx, protocol.Pong{}); err != nil {
				return true, fmt.Errorf("sending pong: %w", err)
			}

		case protocol.Pong:

		default:
			c.logger.Debug("ignoring message", "kind", msg.Kind())
		}
	}
}

// register sends the handshake and waits for the gateway's acknowledgement.
func (c *Client) register(ctx context.Context, l link) error {
	if err := l.send(ctx, protocol.Register{Identity: c.cfg.Identity, Metadata: c.metadata}); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.RegisterTimeout, func() {
		timedOut.Store(true)
		_ = l.close()
	})
	defer timer.Stop()

	for {
		msg, err := l.recv()
		if err != nil {
			if timedOut.Load() {
				return ErrRegistrationTimeout
			}
			return fmt.Errorf("awaiting registration: %w", err)
		}

		switch m := msg.(type) {
		case protocol.Registered:
			c.registered.Store(true)
			n := c.sessions.Add(1)
			c.logger.Info("=== REGISTERED WITH GATEWAY ===",
				"gateway", c.url.Redacted(),
				"transport", c.url.Scheme,
				"session", n,
			)
			return nil
		case protocol.Ping:
			if err := l.send(ctx, protocol.Pong{}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		default:
			return fmt.Errorf("%w: %s before registration", ErrUnexpectedMessage, m.Kind())
		}
	}
}

func (c *Client) handle(ctx context.Context, l link, req protocol.Request) {
	handlerCtx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	data, err := c.cfg.Handler.Handle(handlerCtx, req.Action, req.Params)

	resp := protocol.Response{CorrelationID: req.CorrelationID, Success: err == nil, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = err.Error()
		c.logger.Warn("request failed",
			"correlation_id", req.CorrelationID,
			"action", req.Action,
			"error", err,
		)
	} else {
		c.logger.Debug("request handled",
			"correlation_id", req.CorrelationID,
			"action", req.Action,
			"duration", time.Since(start),
		)
	}

	if err := l.send(ctx, resp); err != nil {
		c.logger.Warn("failed to send response",
			"correlation_id", req.CorrelationID,
			"error", err,
		)
		return
	}
	c.handled.Add(1)
}
