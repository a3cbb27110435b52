package api

import (
	"encoding/json"
	"net/http"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/event"
)

// handleSessionStream is the SSE binding of the stream adapter: canonical
// events in supervisor order, exactly one done or error, then the connection
// closes. A dropped viewer never affects the run itself.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	sub, err := s.Registry.Subscribe(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				// Channel closed before this reader saw the terminal event;
				// the broadcaster retains it so no viewer hangs.
				if terminal, found := sub.Terminal(); found {
					writeSSE(w, flusher, terminal)
				}
				return
			}
			writeSSE(w, flusher, evt)
			if evt.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}
