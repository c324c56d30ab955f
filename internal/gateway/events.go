// ABOUTME: GET /api/events streams the live relay feed as server-sent events
// ABOUTME: Streams end when the client goes away or the gateway shuts down

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/broadcast"
)

// eventStreamKeepalive is how often an idle stream gets a comment line.
const eventStreamKeepalive = 15 * time.Second

// handleEvents handles GET /api/events requests.
// Query parameter agent limits the stream to one identity.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	identity := r.URL.Query().Get("agent")
	ch, subID := g.events.Subscribe(r.Context(), identity)
	defer g.events.Unsubscribe(identity, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	g.logger.Debug("event stream opened", "agent_id", identity, "sub_id", subID)

	keepalive := time.NewTicker(eventStreamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				g.logger.Debug("event stream write failed", "sub_id", subID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
