// Package store provides the gateway's persistent ledger using SQLite.
//
// The ledger is observational. The registry and correlation table keep all
// routing state in memory; the store only records what happened so operators
// can answer "when did this agent drop" or "why did that request 502".
//
// # Records
//
//   - AgentEvent: registration, supersession, disconnect, and registration timeout
//   - RequestRecord: the terminal outcome of one relayed request
//
// Both are listed newest first and can be filtered by agent identity and a
// lower time bound.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/relay-gateway/relay.db
//   - Development: ~/.local/share/relay-gateway/relay.db
//   - Testing: :memory:
//
// # Testing
//
// Use NewMockStore() for unit tests that don't need SQL:
//
//	s := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") for tests against real SQLite.
package store
