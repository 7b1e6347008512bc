package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/luisarev/mensajero/internal/broadcast"
)

// handleQRStream serves the account's lifecycle events as server-sent events.
// A pending QR code is replayed immediately on subscribe, so a page that
// connects after the code was issued still renders it.
func (s *Server) handleQRStream(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if strings.TrimSpace(number) == "" {
		respondError(w, http.StatusBadRequest, "invalid_number", "missing account number")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, cancel := s.broadcaster.Subscribe(number)
	defer cancel()
	s.trackSubscriber(1)
	defer s.trackSubscriber(-1)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: " + ssePayload(ev) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == broadcast.KindExpired {
				// The broadcaster closes the stream after expiry; end the
				// response rather than leave the client hanging.
				return
			}
		}
	}
}

// ssePayload keeps the original wire contract: the QR event carries the image
// data URL as its whole payload, other events carry their kind.
func ssePayload(ev broadcast.Event) string {
	if ev.Kind == broadcast.KindQR {
		return ev.Data
	}
	return string(ev.Kind)
}

type wsEvent struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// handleEventsWS serves the same per-account stream over a websocket, for
// clients that already hold one open (the SSE stream remains the primary
// contract).
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if strings.TrimSpace(number) == "" {
		respondError(w, http.StatusBadRequest, "invalid_number", "missing account number")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, cancel := s.broadcaster.Subscribe(number)
	defer cancel()
	s.trackSubscriber(1)
	defer s.trackSubscriber(-1)

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// how we learn the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wsEvent{Event: string(ev.Kind), Data: ev.Data}); err != nil {
				return
			}
			if ev.Kind == broadcast.KindExpired {
				return
			}
		}
	}
}

func (s *Server) trackSubscriber(delta float64) {
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Add(delta)
	}
}
