// ABOUTME: Lifecycle events the registry reports to an optional sink.
// ABOUTME: The gateway forwards them to the SQLite ledger.

package agent

import (
	"time"

	"github.com/2389/relay-gateway/internal/transport"
)

// EventType names a connection lifecycle event.
type EventType string

const (
	EventRegistered          EventType = "agent_registered"
	EventSuperseded          EventType = "agent_superseded"
	EventDisconnected        EventType = "agent_disconnected"
	EventRegistrationTimeout EventType = "registration_timeout"
)

// Event describes one lifecycle transition.
type Event struct {
	Type       EventType
	Identity   string // empty for connections that never registered
	ConnID     string
	Transport  transport.Kind
	RemoteAddr string
	Detail     string
	At         time.Time
}

// EventSink receives lifecycle events. It is called without the registry
// lock held and must not block for long.
type EventSink interface {
	RecordAgentEvent(ev Event)
}

type discardEvents struct{}

func (discardEvents) RecordAgentEvent(Event) {}
