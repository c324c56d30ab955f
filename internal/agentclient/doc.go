// Package agentclient implements the agent side of the relay: it dials the
// gateway, registers under an identity and answers the requests it is sent.
//
// # Transports
//
// The gateway URL selects the transport:
//
//	ws://host:8080/agent    WebSocket, JSON text frames
//	wss://host/agent        WebSocket over TLS
//	grpc://host:50051       gRPC relay.AgentRelay/Connect stream, CBOR frames
//
// A ws URL without a path dials /agent.
//
// # Handlers
//
// Every request is passed to a Handler on its own goroutine. A nil error
// becomes a response with success=true and the returned data; an error
// becomes success=false with the error text. Echo answers with the action
// and params it received; HTTPForwarder POSTs the params to a local HTTP
// service and returns its JSON body.
//
// # Reconnection
//
// Run keeps the agent connected until its context is cancelled. A lost
// connection is redialled with exponential backoff between MinBackoff and
// MaxBackoff, reset once a registration succeeds. Requests that were in
// flight when the connection dropped are not retried; the gateway fails
// them on its side.
package agentclient
