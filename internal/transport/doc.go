// Package transport accepts inbound agent connections.
//
// Two acceptors exist: WebSocketServer (JSON text frames, mounted on an
// HTTP mux) and GRPCServer (a bidirectional stream carrying CBOR frames).
// Both decode frames into protocol.Message values and hand them to a
// Handler. A frame that fails to decode is a protocol error: the
// connection is closed and the error is passed to OnClose.
//
// The transport knows nothing about identities or requests. The agent
// registry implements Handler and gives meaning to the messages.
package transport
