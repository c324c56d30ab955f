// Package agent tracks the agents connected to the relay.
//
// # Registry
//
// The Registry implements transport.Handler. Every accepted transport handle
// starts provisional and must send a register message within the
// registration timeout, otherwise it is closed:
//
//	Accepted → Provisional → Registered → Closed
//	           Provisional → Closed   (registration timeout, disconnect)
//
// Key operations:
//
//   - AcceptProvisional(handle): track a new handle and arm its deadline
//   - CompleteRegistration(handle, reg): bind the handle to an identity
//   - Lookup(identity): the live connection for an identity
//   - SelectDefault(): the earliest-registered live connection
//   - OnDisconnect(handle, err): forget a handle and fail its requests
//   - Snapshot(): point-in-time view for status queries
//
// # Supersession
//
// At most one connection holds an identity. When a second connection
// registers under an identity already held, the old connection is marked
// closed, its pending requests fail with correlation.ErrSuperseded, and its
// handle is closed. All of this happens under the registry lock before the
// new connection is installed, so Lookup never observes both.
//
// An installed connection is not routable until its registered ack has
// been written. The ack is always the first frame an agent receives.
//
// A Connection marked closed refuses Send. A request created against it
// just before supersession therefore fails fast instead of waiting for a
// reply that can no longer arrive.
//
// # Message routing
//
//   - register: completes registration and answers with registered
//   - response: forwarded to the correlation table with the sender identity
//   - ping: answered with pong
//   - pong: liveness only
//
// Every message refreshes the sender's last-seen time. A request or
// registered message from an agent, a second register, or a response before
// registration is a protocol violation and closes the connection.
//
// # Keepalive
//
// RunKeepalive pings registered agents every heartbeat interval and logs
// agents silent for longer than the heartbeat timeout as stale. Staleness is
// surfaced in Snapshot; it never closes a connection.
package agent
