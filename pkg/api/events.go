package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// watchEvents streams session events as server-sent events. Delivery is
// best effort; consumers needing a gapless view resynchronize from the
// session list and deduplicate on sequence numbers.
func (s *Server) watchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorWire{Error: "streaming unsupported"})
		return
	}

	sessionFilter := r.URL.Query().Get("session_id")

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if sessionFilter != "" && event.SessionID != sessionFilter {
				continue
			}
			data, err := json.Marshal(eventToWire(event))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
