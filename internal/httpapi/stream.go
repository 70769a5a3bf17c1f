package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"carecoord.org/internal/stream"
)

// streamAudit tails committed audit entries as Server-Sent Events.
func (a *API) streamAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, auditorRoles); !ok {
		return
	}
	if a.Stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	q := r.URL.Query()
	ch := a.Stream.Subscribe(ctx, stream.ForResource(q.Get("resource_type"), q.Get("resource_id")))

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("id: " + strconv.FormatInt(entry.Seq, 10) + "\nevent: audit\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
