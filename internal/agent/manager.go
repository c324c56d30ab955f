// ABOUTME: Connection registry: maps agent identities to their live connection.
// ABOUTME: Owns the handshake, supersession, disconnect cleanup, and shutdown of agent connections.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/transport"
)

// ErrNoAgentsConnected indicates no agent is registered.
var ErrNoAgentsConnected = errors.New("no agents connected")

// ErrUnknownTarget indicates no agent is registered under the requested identity.
var ErrUnknownTarget = errors.New("unknown target identity")

// ErrAlreadyRegistered indicates a second register message on a registered connection.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrNotAccepted indicates the handle is unknown to the registry, usually
// because its registration deadline already passed.
var ErrNotAccepted = errors.New("connection not awaiting registration")

// DefaultRegistrationTimeout is how long a new connection may stay unregistered.
const DefaultRegistrationTimeout = 10 * time.Second

// Correlator is the part of the correlation table the registry drives.
type Correlator interface {
	Resolve(identity, correlationID string, data json.RawMessage) bool
	Fail(identity, correlationID, message string) bool
	RejectByIdentity(identity string, reason error) int
}

// Config configures a Registry.
type Config struct {
	Logger *slog.Logger

	// RegistrationTimeout bounds the provisional state. Zero uses DefaultRegistrationTimeout.
	RegistrationTimeout time.Duration

	// HeartbeatInterval is how often registered agents are pinged. Zero disables pings.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout marks an agent stale when nothing was heard for this long.
	HeartbeatTimeout time.Duration

	// Events receives lifecycle events. Optional.
	Events EventSink
}

// handleEntry tracks one accepted transport handle, provisional or registered.
type handleEntry struct {
	handle     transport.Conn
	acceptedAt time.Time
	timer      *time.Timer // registration deadline, stopped on registration
	conn       *Connection // nil while provisional
}

// Registry tracks agent connections. All state is guarded by one mutex so
// that retiring an old connection and installing its replacement is atomic
// with respect to Lookup.
type Registry struct {
	mu         sync.Mutex
	handles    map[string]*handleEntry // by transport handle ID
	byIdentity map[string]*Connection
	seq        uint64
	closed     bool

	table  Correlator
	cfg    Config
	events EventSink
	logger *slog.Logger
}

// NewRegistry creates a registry that routes replies to table.
func NewRegistry(table Correlator, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	events := cfg.Events
	if events == nil {
		events = discardEvents{}
	}
	return &Registry{
		handles:    make(map[string]*handleEntry),
		byIdentity: make(map[string]*Connection),
		table:      table,
		cfg:        cfg,
		events:     events,
		logger:     logger.With("component", "registry"),
	}
}

// AcceptProvisional records a freshly accepted handle and arms its
// registration deadline. A handle that has not registered by then is closed.
func (r *Registry) AcceptProvisional(handle transport.Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = handle.Close()
		return
	}
	id := handle.ID()
	r.handles[id] = &handleEntry{
		handle:     handle,
		acceptedAt: time.Now(),
		timer:      time.AfterFunc(r.cfg.RegistrationTimeout, func() { r.expireProvisional(id) }),
	}
	r.mu.Unlock()

	r.logger.Debug("connection awaiting registration",
		"conn_id", id,
		"transport", handle.Kind(),
		"remote_addr", handle.RemoteAddr(),
	)
}

func (r *Registry) expireProvisional(id string) {
	r.mu.Lock()
	e, ok := r.handles[id]
	if !ok || e.conn != nil {
		r.mu.Unlock()
		return
	}
	delete(r.handles, id)
	r.mu.Unlock()

	r.logger.Warn("registration timeout, closing connection",
		"conn_id", id,
		"remote_addr", e.handle.RemoteAddr(),
		"timeout", r.cfg.RegistrationTimeout,
	)
	r.events.RecordAgentEvent(Event{
		Type:       EventRegistrationTimeout,
		ConnID:     id,
		Transport:  e.handle.Kind(),
		RemoteAddr: e.handle.RemoteAddr(),
		At:         time.Now(),
	})
	_ = e.handle.Close()
}

// CompleteRegistration binds a provisional handle to reg.Identity. If
// another connection holds that identity it is retired first: marked
// closed, its pending requests rejected with correlation.ErrSuperseded and
// its handle closed, all before the new connection is installed.
//
// The new connection holds the identity from then on, so a concurrent
// registration supersedes it, but Lookup and SelectDefault skip it until
// the registered ack has been written. The ack is therefore always the
// first frame the agent receives.
func (r *Registry) CompleteRegistration(handle transport.Conn, reg protocol.Register) (*Connection, error) {
	r.mu.Lock()
	e, ok := r.handles[handle.ID()]
	if !ok || r.closed {
		r.mu.Unlock()
		return nil, ErrNotAccepted
	}
	if e.conn != nil {
		r.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	e.timer.Stop()

	old := r.byIdentity[reg.Identity]
	rejected := 0
	if old != nil {
		old.closed.Store(true)
		delete(r.handles, old.handle.ID())
		delete(r.byIdentity, reg.Identity)
		rejected = r.table.RejectByIdentity(reg.Identity, correlation.ErrSuperseded)
		_ = old.handle.Close()
	}

	r.seq++
	conn := newConnection(handle, reg, r.seq, r.logger.With("agent_id", reg.Identity))
	e.conn = conn
	r.byIdentity[reg.Identity] = conn
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("=== AGENT SUPERSEDED ===",
			"agent_id", reg.Identity,
			"old_conn_id", old.ConnID(),
			"new_conn_id", handle.ID(),
			"rejected_requests", rejected,
		)
		r.events.RecordAgentEvent(Event{
			Type:       EventSuperseded,
			Identity:   reg.Identity,
			ConnID:     old.ConnID(),
			Transport:  old.Transport(),
			RemoteAddr: old.RemoteAddr(),
			Detail:     fmt.Sprintf("replaced by %s, %d requests rejected", handle.ID(), rejected),
			At:         time.Now(),
		})
	}

	ctx, cancel := sendContext()
	err := conn.Send(ctx, protocol.Registered{Identity: reg.Identity})
	cancel()
	if err != nil {
		r.logger.Warn("sending registration ack failed", "agent_id", reg.Identity, "error", err)
		r.abandon(handle, conn)
		return nil, fmt.Errorf("sending registration ack: %w", err)
	}
	conn.ready.Store(true)

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", reg.Identity,
		"conn_id", handle.ID(),
		"transport", handle.Kind(),
		"version", conn.info.Version,
		"capabilities", conn.info.Capabilities,
		"total_agents", r.Count(),
	)
	r.events.RecordAgentEvent(Event{
		Type:       EventRegistered,
		Identity:   reg.Identity,
		ConnID:     handle.ID(),
		Transport:  handle.Kind(),
		RemoteAddr: handle.RemoteAddr(),
		Detail:     string(reg.Metadata),
		At:         conn.registeredAt,
	})
	return conn, nil
}

// abandon drops a connection whose ack could not be written. Nothing can
// be pending against it because it never became routable.
func (r *Registry) abandon(handle transport.Conn, conn *Connection) {
	r.mu.Lock()
	conn.closed.Store(true)
	if e, ok := r.handles[handle.ID()]; ok && e.conn == conn {
		delete(r.handles, handle.ID())
	}
	if r.byIdentity[conn.identity] == conn {
		delete(r.byIdentity, conn.identity)
	}
	r.mu.Unlock()
	_ = handle.Close()
}

// Lookup returns the live connection registered under identity.
func (r *Registry) Lookup(identity string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byIdentity[identity]
	if !ok || !conn.ready.Load() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, identity)
	}
	return conn, nil
}

// OnDisconnect forgets handle. If it was the registered holder of its
// identity, every request pending against that identity fails with
// correlation.ErrAgentDisconnected. Calling it again for the same handle,
// or for a handle that was superseded, does nothing.
func (r *Registry) OnDisconnect(handle transport.Conn, cause error) {
	r.mu.Lock()
	e, ok := r.handles[handle.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.handles, handle.ID())
	e.timer.Stop()

	conn := e.conn
	rejected := 0
	if conn != nil && r.byIdentity[conn.identity] == conn {
		conn.closed.Store(true)
		delete(r.byIdentity, conn.identity)
		// Rejecting under the lock keeps a reconnect under the same
		// identity from losing requests made against the new connection.
		rejected = r.table.RejectByIdentity(conn.identity, correlation.ErrAgentDisconnected)
	}
	total := len(r.byIdentity)
	r.mu.Unlock()

	if conn == nil {
		r.logger.Debug("unregistered connection closed", "conn_id", handle.ID(), "error", cause)
		return
	}

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.identity,
		"conn_id", handle.ID(),
		"rejected_requests", rejected,
		"total_agents", total,
		"error", cause,
	)
	detail := fmt.Sprintf("%d requests rejected", rejected)
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, cause)
	}
	r.events.RecordAgentEvent(Event{
		Type:       EventDisconnected,
		Identity:   conn.identity,
		ConnID:     handle.ID(),
		Transport:  handle.Kind(),
		RemoteAddr: handle.RemoteAddr(),
		Detail:     detail,
		At:         time.Now(),
	})
}

// connectionFor returns the registered connection behind handle, or nil.
func (r *Registry) connectionFor(handle transport.Conn) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.handles[handle.ID()]
	if !ok {
		return nil
	}
	return e.conn
}

// Count returns the number of registered, acknowledged agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.byIdentity {
		if c.ready.Load() {
			n++
		}
	}
	return n
}

// Provisional returns the number of connections awaiting registration.
func (r *Registry) Provisional() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles) - len(r.byIdentity)
}

// AgentInfo is a point-in-time view of a registered agent.
type AgentInfo struct {
	Identity     string
	ConnID       string
	Transport    transport.Kind
	RemoteAddr   string
	Version      string
	Capabilities []string
	Metadata     json.RawMessage
	RegisteredAt time.Time
	LastSeen     time.Time
	Stale        bool
}

// Snapshot lists registered agents in registration order.
func (r *Registry) Snapshot() []AgentInfo {
	conns := r.registered()
	out := make([]AgentInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, AgentInfo{
			Identity:     c.identity,
			ConnID:       c.ConnID(),
			Transport:    c.Transport(),
			RemoteAddr:   c.RemoteAddr(),
			Version:      c.info.Version,
			Capabilities: c.info.Capabilities,
			Metadata:     c.metadata,
			RegisteredAt: c.registeredAt,
			LastSeen:     c.LastSeen(),
			Stale:        c.Stale(r.cfg.HeartbeatTimeout),
		})
	}
	return out
}

// registered returns acknowledged connections sorted by registration order.
func (r *Registry) registered() []*Connection {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byIdentity))
	for _, c := range r.byIdentity {
		if c.ready.Load() {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })
	return conns
}

// Close closes every connection and refuses new ones. Pending requests are
// left to the correlation table's own shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*handleEntry, 0, len(r.handles))
	for id, e := range r.handles {
		e.timer.Stop()
		if e.conn != nil {
			e.conn.closed.Store(true)
		}
		entries = append(entries, e)
		delete(r.handles, id)
	}
	r.byIdentity = make(map[string]*Connection)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.handle.Close()
	}
	r.logger.Info("registry closed", "connections_closed", len(entries))
}
