// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway owns the connection registry, the correlation table, the agent
// transports and the optional ledger store, and exposes them to callers over
// HTTP. Agents dial in over WebSocket (/agent) or a gRPC bidirectional stream
// (relay.AgentRelay/Connect) and are addressed by the identity they register.
//
// # Invoke
//
// Invoke is the synchronous-looking entry point:
//
//	res, err := gw.Invoke(ctx, gateway.InvokeRequest{
//	    Target: "A1",
//	    Action: "light",
//	    Params: json.RawMessage(`{"red":100}`),
//	})
//
// Routing failures (agent.ErrNoAgentsConnected, agent.ErrUnknownTarget) are
// returned before any request state exists. Everything after routing returns
// an *InvokeError wrapping one of the correlation package errors.
//
// # HTTP API
//
//   - POST /api/invoke - Relay an action to an agent and wait for its reply
//   - GET /api/status - Registered agents, pending requests and reply counters
//   - GET /api/agents - Registered agents
//   - GET /api/history - Ledger of request outcomes or agent events
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (503 until an agent registers)
//
// Invoke outcomes map to HTTP status codes:
//
//	200 success
//	400 malformed request
//	404 unknown target
//	409 repeated Idempotency-Key
//	429 too many pending requests
//	500 agent reported failure
//	502 timeout, disconnect, supersession or send failure
//	503 no agents connected, or shutting down
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel() // Run shuts down gracefully
package gateway
