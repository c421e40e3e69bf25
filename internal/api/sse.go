package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/relay/internal/protocol"
)

// events streams the chat's events as Server-Sent Events until the client
// goes away or the subscription is reaped. Idle streams get a keepalive
// event so intermediaries keep the connection open.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.svc.Subscribe(chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer h.svc.Unsubscribe(chatID, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.log.With().Str("chat_id", chatID).Str("sub_id", sub.ID).Logger()
	log.Debug().Msg("event stream opened")

	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			log.Debug().Err(err).Msg("event stream closed")
			return
		}
		data, err := protocol.EncodeEvent(ev)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode event")
			continue
		}
		if err := writeSSE(w, string(ev.Type), data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
