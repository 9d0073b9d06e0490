package httpapi

import (
	"encoding/json"
	"net/http"

	"paperhub.org/internal/perm"
)

// Stream serves live permission changes over Server-Sent Events. Each message
// is named after the permission event kind and carries the stream.Change as
// its data payload. An optional ?workspace= query narrows the feed to one
// workspace.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	workspaceID := r.URL.Query().Get("workspace")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.stream.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for change := range ch {
		if workspaceID != "" {
			ws, _, err := perm.SplitEntityID(change.Event.EntityID)
			if err != nil || ws != workspaceID {
				continue
			}
		}
		payload, err := json.Marshal(change)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + change.Event.Kind + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
