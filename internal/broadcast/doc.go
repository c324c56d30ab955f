// Package broadcast fans relay events out to live watchers.
//
// The gateway publishes every agent lifecycle event and every completed
// request. GET /api/events streams them to HTTP clients as server-sent
// events, optionally filtered to one agent identity:
//
//	ch, _ := b.Subscribe(ctx, "A1")        // one agent
//	ch, _ := b.Subscribe(ctx, AllAgents)   // everything
//
// Delivery is best effort. Each subscriber has a small buffer and events
// are dropped for subscribers that fall behind; the ledger remains the
// durable record.
package broadcast
