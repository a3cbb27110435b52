package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/session"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleSessionWS is the WebSocket binding of the stream adapter, with the
// same delivery rules as the SSE binding.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request, sessionID string) {
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	if err := streamRun(r.Context(), sub, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamRun(ctx context.Context, sub *session.Subscription, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events:
			if !ok {
				terminal, found := sub.Terminal()
				if !found {
					return nil
				}
				evt = terminal
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
			if evt.Terminal() {
				return nil
			}
		}
	}
}
