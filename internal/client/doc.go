// Package client is an HTTP client for the relay-gateway caller API.
//
// # Overview
//
// The relay-gateway CLI uses this package to talk to a running gateway.
// Every method maps onto one endpoint:
//
//   - Health: GET /health
//   - Ready: GET /health/ready
//   - Status: GET /api/status
//   - Agents: GET /api/agents
//   - Invoke: POST /api/invoke
//   - Requests, Events: GET /api/history
//
// # Errors
//
// Non-2xx answers are returned as *APIError carrying the HTTP status and
// the stable error code from the response body:
//
//	_, err := c.Invoke(ctx, client.InvokeParams{Target: "A1", Action: "light"})
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "unknown_target" {
//	    ...
//	}
package client
