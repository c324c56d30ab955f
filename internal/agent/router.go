// ABOUTME: Default agent selection for requests that name no target.
// ABOUTME: Picks the earliest-registered live connection; there is no load balancing.

package agent

// SelectDefault returns the earliest-registered live connection, or
// ErrNoAgentsConnected when none is registered.
func (r *Registry) SelectDefault() (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first *Connection
	for _, c := range r.byIdentity {
		if !c.ready.Load() {
			continue
		}
		if first == nil || c.seq < first.seq {
			first = c
		}
	}
	if first == nil {
		return nil, ErrNoAgentsConnected
	}
	return first, nil
}

// Route returns the connection for identity, or the default connection
// when identity is empty.
func (r *Registry) Route(identity string) (*Connection, error) {
	if identity == "" {
		return r.SelectDefault()
	}
	return r.Lookup(identity)
}
